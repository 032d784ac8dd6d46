// Package market is the settlement engine for binary, oracle-settled Bitcoin
// prediction markets.
//
// A market is identified by a digest of its creation parameters. Its funding
// address is a taproot output with an unspendable internal key and two
// tapscript leaves, one per outcome. Each leaf requires an
// OP_CHECKSIGFROMSTACK signature by the oracle over that outcome's canonical
// message. Bets are recorded in an append-only ledger. Settlement accepts a
// Nostr event from the oracle whose content is the canonical message for the
// asserted outcome.
//
// A Market is not safe for concurrent use. Callers serialize mutations per
// market id.
package market

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
)

// Params are the creation inputs of a market.
type Params struct {
	Question       string  `json:"question"`
	OutcomeA       string  `json:"outcome_a"`
	OutcomeB       string  `json:"outcome_b"`
	OraclePubKey   string  `json:"oracle_pubkey"`
	SettlementTime int64   `json:"settlement_time"`
	Network        Network `json:"network"`
}

// Market is the aggregate root. All state changes go through PlaceBet and
// Settle.
type Market struct {
	id             string
	question       string
	labelA         string
	labelB         string
	oracleKey      *btcec.PublicKey
	oracleHex      string
	settlementTime int64
	network        Network
	chain          *chaincfg.Params
	spend          *TaprootSpend

	ledger     ledger
	settled    bool
	winner     Outcome
	settlement *Settlement
}

// New validates p and derives the market id and funding output.
func New(p Params) (*Market, error) {
	question := strings.TrimSpace(p.Question)
	labelA := strings.TrimSpace(p.OutcomeA)
	labelB := strings.TrimSpace(p.OutcomeB)

	switch {
	case question == "":
		return nil, fmt.Errorf("market: question is empty: %w", ErrInvalidInput)
	case labelA == "" || labelB == "":
		return nil, fmt.Errorf("market: outcome labels must not be empty: %w", ErrInvalidInput)
	case labelA == labelB:
		return nil, fmt.Errorf("market: outcome labels must differ: %w", ErrInvalidInput)
	case p.SettlementTime <= 0:
		return nil, fmt.Errorf("market: settlement time must be positive: %w", ErrInvalidInput)
	}

	chain, err := p.Network.Params()
	if err != nil {
		return nil, err
	}
	oracle, err := ParseOracleKey(p.OraclePubKey)
	if err != nil {
		return nil, err
	}
	oracleRaw := schnorr.SerializePubKey(oracle)

	id := DeriveID(question, labelA, labelB, oracleRaw, p.SettlementTime)
	spend, err := BuildTaprootSpend(id, p.SettlementTime, oracle, chain)
	if err != nil {
		return nil, err
	}

	return &Market{
		id:             id,
		question:       question,
		labelA:         labelA,
		labelB:         labelB,
		oracleKey:      oracle,
		oracleHex:      hex.EncodeToString(oracleRaw),
		settlementTime: p.SettlementTime,
		network:        p.Network,
		chain:          chain,
		spend:          spend,
	}, nil
}

func (m *Market) ID() string              { return m.id }
func (m *Market) Question() string        { return m.question }
func (m *Market) OraclePubKey() string    { return m.oracleHex }
func (m *Market) SettlementTime() int64   { return m.settlementTime }
func (m *Market) Network() Network        { return m.network }
func (m *Market) Address() string         { return m.spend.Address.EncodeAddress() }
func (m *Market) Spend() *TaprootSpend    { return m.spend }
func (m *Market) Settled() bool           { return m.settled }
func (m *Market) TotalAmount() uint64     { return m.ledger.total }
func (m *Market) Chain() *chaincfg.Params { return m.chain }

// Params returns the creation parameters.
func (m *Market) Params() Params {
	return Params{
		Question:       m.question,
		OutcomeA:       m.labelA,
		OutcomeB:       m.labelB,
		OraclePubKey:   m.oracleHex,
		SettlementTime: m.settlementTime,
		Network:        m.network,
	}
}

// Label returns the display label of outcome o.
func (m *Market) Label(o Outcome) string {
	if o == OutcomeA {
		return m.labelA
	}
	return m.labelB
}

// OutcomeMessage returns the canonical message the oracle signs for o.
func (m *Market) OutcomeMessage(o Outcome) string {
	return OutcomeMessage(m.id, o, m.settlementTime)
}

// WinningOutcome returns the winner once settled.
func (m *Market) WinningOutcome() (Outcome, bool) {
	return m.winner, m.settled
}

// Settlement returns the accepted attestation metadata once settled.
func (m *Market) Settlement() (Settlement, bool) {
	if m.settlement == nil {
		return Settlement{}, false
	}
	return *m.settlement, true
}

// Bets returns a copy of outcome o's bets in insertion order.
func (m *Market) Bets(o Outcome) []Bet {
	return append([]Bet(nil), m.ledger.bets(o)...)
}

// Totals returns the amount wagered on o.
func (m *Market) Totals(o Outcome) uint64 {
	if !o.Valid() {
		return 0
	}
	return m.ledger.sideTotal(o)
}

// Odds returns o's share of the pool in percent.
func (m *Market) Odds(o Outcome) decimal.Decimal {
	return odds(m.Totals(o), m.ledger.total)
}

// Multiplier returns pool / side total for o.
func (m *Market) Multiplier(o Outcome) decimal.Decimal {
	return multiplier(m.Totals(o), m.ledger.total)
}

// PlaceBet records a funded wager. Replaying a bet records it again; funding
// references are not deduplicated here.
func (m *Market) PlaceBet(b Bet) error {
	if m.settled {
		return fmt.Errorf("market: place bet on %s: %w", m.id, ErrMarketAlreadySettled)
	}
	b.PayoutAddress = strings.TrimSpace(b.PayoutAddress)
	b.Funding.TxID = strings.ToLower(strings.TrimSpace(b.Funding.TxID))
	if err := validateBet(b, m.chain, m.ledger.total); err != nil {
		return err
	}
	m.ledger.append(b)
	return nil
}

// Payout returns what bet b receives if winner wins.
func (m *Market) Payout(b Bet, winner Outcome) uint64 {
	if b.Outcome != winner || !winner.Valid() {
		return 0
	}
	return payout(b.Amount, m.ledger.total, m.Totals(winner))
}

// Payouts lists every winning bet's payout in ledger order. Losing bets are
// omitted.
func (m *Market) Payouts() ([]BetPayout, error) {
	if !m.settled {
		return nil, fmt.Errorf("market: payouts for %s: %w", m.id, ErrNotSettled)
	}
	bets := m.ledger.bets(m.winner)
	out := make([]BetPayout, 0, len(bets))
	for i, b := range bets {
		out = append(out, BetPayout{
			Outcome: m.winner,
			Index:   i,
			Bet:     b,
			Amount:  m.Payout(b, m.winner),
		})
	}
	return out, nil
}

// Snapshot is the published state of a market. Persistence layers store it
// without dropping bet order or funding references.
type Snapshot struct {
	ID             string          `json:"id"`
	Question       string          `json:"question"`
	OutcomeA       string          `json:"outcome_a"`
	OutcomeB       string          `json:"outcome_b"`
	OraclePubKey   string          `json:"oracle_pubkey"`
	SettlementTime int64           `json:"settlement_time"`
	Network        Network         `json:"network"`
	Address        string          `json:"address"`
	Status         Status          `json:"status"`
	TotalA         uint64          `json:"total_a"`
	TotalB         uint64          `json:"total_b"`
	TotalAmount    uint64          `json:"total_amount"`
	OddsA          decimal.Decimal `json:"odds_a"`
	OddsB          decimal.Decimal `json:"odds_b"`
	BetsA          []Bet           `json:"bets_a"`
	BetsB          []Bet           `json:"bets_b"`
	Settled        bool            `json:"settled"`
	WinningOutcome Outcome         `json:"winning_outcome,omitempty"`
	Settlement     *Settlement     `json:"settlement,omitempty"`
	Payouts        []BetPayout     `json:"payouts,omitempty"`
}

// Snapshot captures the published state at time now.
func (m *Market) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		ID:             m.id,
		Question:       m.question,
		OutcomeA:       m.labelA,
		OutcomeB:       m.labelB,
		OraclePubKey:   m.oracleHex,
		SettlementTime: m.settlementTime,
		Network:        m.network,
		Address:        m.Address(),
		Status:         m.Status(now),
		TotalA:         m.Totals(OutcomeA),
		TotalB:         m.Totals(OutcomeB),
		TotalAmount:    m.ledger.total,
		OddsA:          m.Odds(OutcomeA),
		OddsB:          m.Odds(OutcomeB),
		BetsA:          m.Bets(OutcomeA),
		BetsB:          m.Bets(OutcomeB),
		Settled:        m.settled,
	}
	if m.settled {
		s.WinningOutcome = m.winner
		settlement := *m.settlement
		s.Settlement = &settlement
		s.Payouts, _ = m.Payouts()
	}
	return s
}

// Params returns the creation parameters recorded in the snapshot.
func (s Snapshot) Params() Params {
	return Params{
		Question:       s.Question,
		OutcomeA:       s.OutcomeA,
		OutcomeB:       s.OutcomeB,
		OraclePubKey:   s.OraclePubKey,
		SettlementTime: s.SettlementTime,
		Network:        s.Network,
	}
}

// Restore rebuilds a market from a snapshot. The id and address are
// re-derived and every bet is re-validated, so a snapshot that drifted from
// its creation parameters is rejected with ErrInvalidInput.
func Restore(s Snapshot) (*Market, error) {
	m, err := New(s.Params())
	if err != nil {
		return nil, err
	}
	if s.ID != "" && s.ID != m.id {
		return nil, fmt.Errorf("market: restore: id %s does not match parameters (%s): %w", s.ID, m.id, ErrInvalidInput)
	}
	if s.Address != "" && s.Address != m.Address() {
		return nil, fmt.Errorf("market: restore %s: address does not match parameters: %w", m.id, ErrInvalidInput)
	}

	for _, seq := range [][]Bet{s.BetsA, s.BetsB} {
		for _, b := range seq {
			if err := m.PlaceBet(b); err != nil {
				return nil, fmt.Errorf("market: restore %s: %w", m.id, err)
			}
		}
	}
	if len(m.ledger.betsA) != len(s.BetsA) || len(m.ledger.betsB) != len(s.BetsB) {
		return nil, fmt.Errorf("market: restore %s: bet recorded under the wrong outcome: %w", m.id, ErrInvalidInput)
	}
	if s.TotalAmount != 0 && s.TotalAmount != m.ledger.total {
		return nil, fmt.Errorf("market: restore %s: total %d does not match bets (%d): %w",
			m.id, s.TotalAmount, m.ledger.total, ErrInvalidInput)
	}

	if !s.Settled {
		return m, nil
	}
	if !s.WinningOutcome.Valid() || s.Settlement == nil || s.Settlement.Outcome != s.WinningOutcome {
		return nil, fmt.Errorf("market: restore %s: inconsistent settlement: %w", m.id, ErrInvalidInput)
	}
	if s.Settlement.ScriptSig != "" {
		sig, err := hex.DecodeString(s.Settlement.ScriptSig)
		if err != nil || !m.VerifyOutcomeSignature(s.WinningOutcome, sig) {
			return nil, fmt.Errorf("market: restore %s: stored script signature: %w", m.id, ErrInvalidAttestation)
		}
	}
	settlement := *s.Settlement
	m.settlement = &settlement
	m.winner = s.WinningOutcome
	m.settled = true
	return m, nil
}
