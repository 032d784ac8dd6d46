package market

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"
)

// FundingRef points at the on-chain output that funded a bet.
type FundingRef struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

func (f FundingRef) String() string { return fmt.Sprintf("%s:%d", f.TxID, f.Vout) }

// Bet is one funded wager. Bets are immutable once recorded.
type Bet struct {
	Outcome       Outcome    `json:"outcome"`
	Amount        uint64     `json:"amount"`
	PayoutAddress string     `json:"payout_address"`
	Funding       FundingRef `json:"funding"`
	PlacedAt      time.Time  `json:"placed_at,omitempty"`
}

// BetPayout is the amount owed to one bet after settlement. Index is the
// bet's position within its outcome's sequence.
type BetPayout struct {
	Outcome Outcome `json:"outcome"`
	Index   int     `json:"index"`
	Bet     Bet     `json:"bet"`
	Amount  uint64  `json:"amount"`
}

var (
	hundred     = decimal.NewFromInt(100)
	evenOdds    = decimal.NewFromInt(50)
	oddsPlaces  = int32(2)
	multiPlaces = int32(4)
)

// ledger is the append-only record of bets. total is only ever changed by
// append.
type ledger struct {
	betsA []Bet
	betsB []Bet
	total uint64
}

func (l *ledger) bets(o Outcome) []Bet {
	switch o {
	case OutcomeA:
		return l.betsA
	case OutcomeB:
		return l.betsB
	}
	return nil
}

func (l *ledger) count() int { return len(l.betsA) + len(l.betsB) }

// append records b. Validation has already happened.
func (l *ledger) append(b Bet) {
	if b.Outcome == OutcomeA {
		l.betsA = append(l.betsA, b)
	} else {
		l.betsB = append(l.betsB, b)
	}
	l.total += b.Amount
}

// sideTotal sums the amounts of one outcome from the bet sequence.
func (l *ledger) sideTotal(o Outcome) uint64 {
	var sum uint64
	for _, b := range l.bets(o) {
		sum += b.Amount
	}
	return sum
}

// validateBet checks everything about b except market state.
func validateBet(b Bet, params *chaincfg.Params, currentTotal uint64) error {
	if !b.Outcome.Valid() {
		return fmt.Errorf("market: place bet: outcome %q: %w", string(b.Outcome), ErrInvalidOutcome)
	}
	if b.Amount == 0 {
		return fmt.Errorf("market: place bet: amount must be positive: %w", ErrInvalidAmount)
	}
	if b.Amount > math.MaxUint64-currentTotal || b.Amount > uint64(btcutil.MaxSatoshi) {
		return fmt.Errorf("market: place bet: amount %d exceeds pool limit: %w", b.Amount, ErrInvalidAmount)
	}
	if err := ValidatePayoutAddress(b.PayoutAddress, params); err != nil {
		return err
	}
	if err := validateFundingRef(b.Funding); err != nil {
		return err
	}
	return nil
}

// ValidatePayoutAddress checks that addr decodes and belongs to params' network.
// It does not check spendability.
func ValidatePayoutAddress(addr string, params *chaincfg.Params) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("market: payout address is empty: %w", ErrInvalidAddress)
	}
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("market: payout address %q: %v: %w", addr, err, ErrInvalidAddress)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("market: payout address %q is not for %s: %w", addr, params.Name, ErrInvalidAddress)
	}
	return nil
}

func validateFundingRef(f FundingRef) error {
	if len(f.TxID) != chainhash.MaxHashStringSize {
		return fmt.Errorf("market: funding txid must be %d hex chars: %w", chainhash.MaxHashStringSize, ErrInvalidInput)
	}
	if _, err := hex.DecodeString(f.TxID); err != nil {
		return fmt.Errorf("market: funding txid is not hex: %w", ErrInvalidInput)
	}
	return nil
}

// odds returns the outcome's share of the pool in percent, rounded to two
// places. An empty pool yields 50 for both outcomes.
func odds(side, total uint64) decimal.Decimal {
	if total == 0 {
		return evenOdds
	}
	return satoshis(side).Mul(hundred).Div(satoshis(total)).Round(oddsPlaces)
}

// multiplier is pool / side: what one satoshi on that side returns if it wins.
// It is 1 when nothing has been bet on the side.
func multiplier(side, total uint64) decimal.Decimal {
	if side == 0 {
		return decimal.NewFromInt(1)
	}
	return satoshis(total).Div(satoshis(side)).Round(multiPlaces)
}

// payout is floor(amount * pool / winningTotal), or 0 when the winning side
// is empty. Flooring every share keeps the sum of payouts within the pool.
func payout(amount, pool, winningTotal uint64) uint64 {
	if winningTotal == 0 || amount == 0 {
		return 0
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(amount), new(big.Int).SetUint64(pool))
	n.Quo(n, new(big.Int).SetUint64(winningTotal))
	return n.Uint64()
}

func satoshis(v uint64) decimal.Decimal {
	return decimal.NewFromUint64(v)
}
