package market

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DeterministicID(t *testing.T) {
	oracle := newKey(t)
	a := newTestMarket(t, oracle)
	b := newTestMarket(t, oracle)

	assert.Equal(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), IDLength)
	assert.Equal(t, a.Address(), b.Address())
}

func TestNew_TrimsWhitespace(t *testing.T) {
	oracle := newKey(t)
	a := newTestMarket(t, oracle)
	b, err := New(Params{
		Question:       "  Will BTC close above 100k on 2030-03-01?\n",
		OutcomeA:       " Yes",
		OutcomeB:       "No ",
		OraclePubKey:   xOnlyHex(oracle),
		SettlementTime: testSettlementTime,
		Network:        Regtest,
	})
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
}

func TestNew_IDChangesWithEveryParameter(t *testing.T) {
	oracle := newKey(t)
	base := Params{
		Question:       "q",
		OutcomeA:       "yes",
		OutcomeB:       "no",
		OraclePubKey:   xOnlyHex(oracle),
		SettlementTime: testSettlementTime,
		Network:        Regtest,
	}
	ref, err := New(base)
	require.NoError(t, err)

	variants := map[string]func(p *Params){
		"question":   func(p *Params) { p.Question = "q2" },
		"outcome a":  func(p *Params) { p.OutcomeA = "yes!" },
		"outcome b":  func(p *Params) { p.OutcomeB = "nope" },
		"swapped":    func(p *Params) { p.OutcomeA, p.OutcomeB = p.OutcomeB, p.OutcomeA },
		"oracle key": func(p *Params) { p.OraclePubKey = xOnlyHex(newKey(t)) },
		"time":       func(p *Params) { p.SettlementTime++ },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			p := base
			mutate(&p)
			m, err := New(p)
			require.NoError(t, err)
			assert.NotEqual(t, ref.ID(), m.ID())
			assert.NotEqual(t, ref.Address(), m.Address())
		})
	}
}

func TestNew_FieldBoundariesDoNotCollide(t *testing.T) {
	key := schnorr.SerializePubKey(newKey(t).PubKey())
	a := DeriveID("ab", "c", "d", key, 1)
	b := DeriveID("a", "bc", "d", key, 1)
	assert.NotEqual(t, a, b)
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	oracle := xOnlyHex(newKey(t))
	cases := []struct {
		name string
		p    Params
		want error
	}{
		{"empty question", Params{Question: " ", OutcomeA: "a", OutcomeB: "b", OraclePubKey: oracle, SettlementTime: 1, Network: Regtest}, ErrInvalidInput},
		{"empty label", Params{Question: "q", OutcomeA: "", OutcomeB: "b", OraclePubKey: oracle, SettlementTime: 1, Network: Regtest}, ErrInvalidInput},
		{"same labels", Params{Question: "q", OutcomeA: "x", OutcomeB: " x", OraclePubKey: oracle, SettlementTime: 1, Network: Regtest}, ErrInvalidInput},
		{"zero time", Params{Question: "q", OutcomeA: "a", OutcomeB: "b", OraclePubKey: oracle, SettlementTime: 0, Network: Regtest}, ErrInvalidInput},
		{"bad hex key", Params{Question: "q", OutcomeA: "a", OutcomeB: "b", OraclePubKey: "zz", SettlementTime: 1, Network: Regtest}, ErrInvalidOracleKey},
		{"short key", Params{Question: "q", OutcomeA: "a", OutcomeB: "b", OraclePubKey: oracle[:62], SettlementTime: 1, Network: Regtest}, ErrInvalidOracleKey},
		{"compressed key", Params{Question: "q", OutcomeA: "a", OutcomeB: "b", OraclePubKey: "02" + oracle, SettlementTime: 1, Network: Regtest}, ErrInvalidOracleKey},
		{"unknown network", Params{Question: "q", OutcomeA: "a", OutcomeB: "b", OraclePubKey: oracle, SettlementTime: 1, Network: "litecoin"}, ErrInvalidNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.p)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork(" Bitcoin ")
	require.NoError(t, err)
	assert.Equal(t, Mainnet, n)

	n, err = ParseNetwork("SIGNET")
	require.NoError(t, err)
	assert.Equal(t, Signet, n)

	_, err = ParseNetwork("liquid")
	assert.ErrorIs(t, err, ErrInvalidNetwork)
}

func TestAddress_NetworkPrefix(t *testing.T) {
	oracle := newKey(t)
	prefixes := map[Network]string{
		Mainnet: "bc1p",
		Testnet: "tb1p",
		Signet:  "tb1p",
		Regtest: "bcrt1p",
	}
	for n, prefix := range prefixes {
		m, err := New(Params{Question: "q", OutcomeA: "a", OutcomeB: "b", OraclePubKey: xOnlyHex(oracle), SettlementTime: 5, Network: n})
		require.NoError(t, err)
		assert.Regexp(t, "^"+prefix, m.Address(), n)
	}
}

func TestPlaceBet_Conservation(t *testing.T) {
	m := newTestMarket(t, newKey(t))
	amounts := []struct {
		o Outcome
		v uint64
	}{{OutcomeA, 1000}, {OutcomeB, 2500}, {OutcomeA, 7}, {OutcomeB, 1}, {OutcomeA, 99_999}}

	for i, a := range amounts {
		require.NoError(t, m.PlaceBet(Bet{Outcome: a.o, Amount: a.v, PayoutAddress: regtestAddress(t), Funding: fundingRef(byte(i))}))
		assert.Equal(t, m.TotalAmount(), m.Totals(OutcomeA)+m.Totals(OutcomeB))
	}
	assert.Equal(t, uint64(1000+2500+7+1+99_999), m.TotalAmount())
	assert.Len(t, m.Bets(OutcomeA), 3)
	assert.Len(t, m.Bets(OutcomeB), 2)
	assert.Equal(t, uint64(7), m.Bets(OutcomeA)[1].Amount)
	assert.Nil(t, m.Bets("X"))
	assert.Nil(t, m.Bets(""))
}

func TestPlaceBet_Rejections(t *testing.T) {
	m := newTestMarket(t, newKey(t))
	good := Bet{Outcome: OutcomeA, Amount: 10, PayoutAddress: regtestAddress(t), Funding: fundingRef(1)}

	cases := []struct {
		name   string
		mutate func(b *Bet)
		want   error
	}{
		{"zero amount", func(b *Bet) { b.Amount = 0 }, ErrInvalidAmount},
		{"above max supply", func(b *Bet) { b.Amount = 21_000_000*100_000_000 + 1 }, ErrInvalidAmount},
		{"bad outcome", func(b *Bet) { b.Outcome = "C" }, ErrInvalidOutcome},
		{"empty address", func(b *Bet) { b.PayoutAddress = "" }, ErrInvalidAddress},
		{"garbage address", func(b *Bet) { b.PayoutAddress = "not-an-address" }, ErrInvalidAddress},
		{"wrong network address", func(b *Bet) { b.PayoutAddress = mainnetAddress(t) }, ErrInvalidAddress},
		{"short txid", func(b *Bet) { b.Funding.TxID = "abcd" }, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := good
			tc.mutate(&b)
			err := m.PlaceBet(b)
			assert.ErrorIs(t, err, tc.want)
			assert.Zero(t, m.TotalAmount())
			assert.Equal(t, StatusCreated, m.Status(time.Unix(testSettlementTime-1, 0)))
		})
	}
}

func TestOdds_EvenOnEmptyPool(t *testing.T) {
	m := newTestMarket(t, newKey(t))
	assert.Equal(t, "50", m.Odds(OutcomeA).String())
	assert.Equal(t, "50", m.Odds(OutcomeB).String())
	assert.Equal(t, "1", m.Multiplier(OutcomeA).String())
}

func TestOdds_OneSided(t *testing.T) {
	m := newTestMarket(t, newKey(t))
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeB, Amount: 10, PayoutAddress: regtestAddress(t), Funding: fundingRef(1)}))
	assert.Equal(t, "0", m.Odds(OutcomeA).String())
	assert.Equal(t, "100", m.Odds(OutcomeB).String())
	assert.Equal(t, "1", m.Multiplier(OutcomeA).String())
	assert.Equal(t, "1", m.Multiplier(OutcomeB).String())
}

func TestStatus_Transitions(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	before := time.Unix(testSettlementTime-10, 0)
	at := time.Unix(testSettlementTime, 0)

	assert.Equal(t, StatusCreated, m.Status(before))
	assert.Equal(t, StatusAwaitingSettlement, m.Status(at))

	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeA, Amount: 5, PayoutAddress: regtestAddress(t), Funding: fundingRef(1)}))
	assert.Equal(t, StatusActive, m.Status(before))
	assert.Equal(t, StatusAwaitingSettlement, m.Status(at))

	require.NoError(t, m.Settle(attestationFor(t, oracle, m, OutcomeA), OutcomeA))
	assert.Equal(t, StatusSettled, m.Status(before))
	assert.Equal(t, StatusSettled, m.Status(at.Add(time.Hour)))
}

func TestSettle_RejectsValidSignatureOverWrongPayload(t *testing.T) {
	oracle := newKey(t)
	m := newOpenMarket(t, oracle)
	other := newTestMarketWithQuestion(t, oracle, "different question")

	cases := map[string]Attestation{
		"other outcome message":  attestationFor(t, oracle, m, OutcomeB),
		"other market message":   attestationFor(t, oracle, other, OutcomeA),
		"free text":              NewAttestation(signEvent(t, oracle, "A wins", nil)),
		"wrong timestamp":        NewAttestation(signEvent(t, oracle, OutcomeMessage(m.ID(), OutcomeA, testSettlementTime+1), nil)),
		"different signing key":  attestationFor(t, newKey(t), m, OutcomeA),
		"lowercase outcome text": NewAttestation(signEvent(t, oracle, m.ID()+":a:1900000000", nil)),
	}
	for name, att := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.Settle(att, OutcomeA)
			assert.ErrorIs(t, err, ErrInvalidAttestation)
			assert.False(t, m.Settled())
			_, ok := m.WinningOutcome()
			assert.False(t, ok)
		})
	}
}

func TestSettle_RejectsTamperedEvent(t *testing.T) {
	oracle := newKey(t)
	m := newOpenMarket(t, oracle)

	t.Run("content changed after signing", func(t *testing.T) {
		att := attestationFor(t, oracle, m, OutcomeB)
		att.Event.Content = m.OutcomeMessage(OutcomeA)
		assert.ErrorIs(t, m.Settle(att, OutcomeA), ErrInvalidAttestation)
	})
	t.Run("signature corrupted", func(t *testing.T) {
		att := attestationFor(t, oracle, m, OutcomeA)
		att.Event.Sig = strings.Repeat("0", 128)
		assert.ErrorIs(t, m.Settle(att, OutcomeA), ErrInvalidAttestation)
	})
	t.Run("bad script signature tag", func(t *testing.T) {
		sig := signDigest(t, oracle, m, OutcomeB)
		att := NewAttestation(signEvent(t, oracle, m.OutcomeMessage(OutcomeA), nostr.Tags{
			{TagMarket, m.ID()}, {TagScriptSig, hex.EncodeToString(sig)},
		}))
		assert.ErrorIs(t, m.Settle(att, OutcomeA), ErrInvalidAttestation)
	})
	assert.False(t, m.Settled())
}

func TestSettle_InvalidOutcome(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	err := m.Settle(attestationFor(t, oracle, m, OutcomeA), "C")
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	assert.False(t, m.Settled())
}

func TestSettle_IsIrreversible(t *testing.T) {
	oracle := newKey(t)
	m := newOpenMarket(t, oracle)
	require.NoError(t, m.Settle(attestationFor(t, oracle, m, OutcomeA), OutcomeA))

	err := m.Settle(attestationFor(t, oracle, m, OutcomeB), OutcomeB)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	winner, ok := m.WinningOutcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeA, winner)

	err = m.PlaceBet(Bet{Outcome: OutcomeA, Amount: 1, PayoutAddress: regtestAddress(t), Funding: fundingRef(1)})
	assert.ErrorIs(t, err, ErrMarketAlreadySettled)
	assert.Equal(t, uint64(1_000), m.TotalAmount())
}

func TestSettle_RequiresOpenMarket(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	before := time.Unix(testSettlementTime-10, 0)
	require.Equal(t, StatusCreated, m.Status(before))

	snap := m.Snapshot(before)
	err := m.SettleAt(attestationFor(t, oracle, m, OutcomeA), OutcomeA, before)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.False(t, m.Settled())
	assert.Equal(t, snap, m.Snapshot(before))

	// Past the settlement time an empty market awaits settlement and may settle.
	at := time.Unix(testSettlementTime, 0)
	require.NoError(t, m.SettleAt(attestationFor(t, oracle, m, OutcomeA), OutcomeA, at))
	assert.Equal(t, StatusSettled, m.Status(at))
}

func TestSettle_AcceptsActiveMarketBeforeSettlementTime(t *testing.T) {
	oracle := newKey(t)
	m := newOpenMarket(t, oracle)
	before := time.Unix(testSettlementTime-10, 0)
	require.Equal(t, StatusActive, m.Status(before))
	require.NoError(t, m.SettleAt(attestationFor(t, oracle, m, OutcomeB), OutcomeB, before))
}

func TestSettle_RecordsScriptSignature(t *testing.T) {
	oracle := newKey(t)
	m := newOpenMarket(t, oracle)
	sig := signDigest(t, oracle, m, OutcomeB)
	evt := signEvent(t, oracle, m.OutcomeMessage(OutcomeB), nostr.Tags{
		{TagMarket, m.ID()}, {TagOutcome, "B"}, {TagScriptSig, hex.EncodeToString(sig)},
	})

	require.NoError(t, m.Settle(NewAttestation(evt), OutcomeB))
	s, ok := m.Settlement()
	require.True(t, ok)
	assert.Equal(t, OutcomeB, s.Outcome)
	assert.Equal(t, evt.ID, s.EventID)
	assert.Equal(t, hex.EncodeToString(sig), s.ScriptSig)
	assert.Equal(t, testSettlementTime+60, s.AttestedAt)
}

func TestPayouts_ProportionalShare(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	addrA := regtestAddress(t)
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeA, Amount: 50_000, PayoutAddress: addrA, Funding: fundingRef(1)}))
	loser := Bet{Outcome: OutcomeB, Amount: 30_000, PayoutAddress: regtestAddress(t), Funding: fundingRef(2)}
	require.NoError(t, m.PlaceBet(loser))

	_, err := m.Payouts()
	assert.ErrorIs(t, err, ErrNotSettled)

	require.NoError(t, m.Settle(attestationFor(t, oracle, m, OutcomeA), OutcomeA))
	payouts, err := m.Payouts()
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, uint64(80_000), payouts[0].Amount)
	assert.Equal(t, addrA, payouts[0].Bet.PayoutAddress)
	assert.Equal(t, "1.6", m.Multiplier(OutcomeA).String())
	assert.Zero(t, m.Payout(loser, OutcomeA))
}

func TestPayouts_FlooredAndBounded(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	for i, v := range []uint64{3, 3, 3} {
		require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeA, Amount: v, PayoutAddress: regtestAddress(t), Funding: fundingRef(byte(i))}))
	}
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeB, Amount: 1, PayoutAddress: regtestAddress(t), Funding: fundingRef(9)}))
	require.NoError(t, m.Settle(attestationFor(t, oracle, m, OutcomeA), OutcomeA))

	payouts, err := m.Payouts()
	require.NoError(t, err)
	var sum uint64
	for _, p := range payouts {
		assert.Equal(t, uint64(3), p.Amount) // floor(3*10/9)
		sum += p.Amount
	}
	assert.LessOrEqual(t, sum, m.TotalAmount())
}

func TestPayouts_EmptyWinningSide(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeA, Amount: 100, PayoutAddress: regtestAddress(t), Funding: fundingRef(1)}))
	require.NoError(t, m.Settle(attestationFor(t, oracle, m, OutcomeB), OutcomeB))

	payouts, err := m.Payouts()
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestPayout_LargeValuesDoNotOverflow(t *testing.T) {
	assert.Equal(t, uint64(2_000_000_000_000_000), payout(1_000_000_000_000_000, 2_000_000_000_000_000, 1_000_000_000_000_000))
	assert.Zero(t, payout(10, 100, 0))
}

func TestEndToEnd(t *testing.T) {
	oracle := newKey(t)
	now := time.Unix(testSettlementTime-3600, 0)
	m, err := New(Params{
		Question:       "Will it rain in Lisbon tomorrow?",
		OutcomeA:       "Rain",
		OutcomeB:       "Dry",
		OraclePubKey:   xOnlyHex(oracle),
		SettlementTime: now.Unix() + 3600,
		Network:        Regtest,
	})
	require.NoError(t, err)

	x, y := regtestAddress(t), regtestAddress(t)
	betA := Bet{Outcome: OutcomeA, Amount: 50_000, PayoutAddress: x, Funding: fundingRef(0xaa)}
	require.NoError(t, m.PlaceBet(betA))
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeB, Amount: 30_000, PayoutAddress: y, Funding: fundingRef(0xbb)}))

	assert.Equal(t, "62.5", m.Odds(OutcomeA).String())
	assert.Equal(t, "37.5", m.Odds(OutcomeB).String())
	assert.Equal(t, StatusActive, m.Status(now))

	before := m.Snapshot(now)
	wrong := NewAttestation(signEvent(t, oracle, "Rain fell in Lisbon", nil))
	assert.ErrorIs(t, m.Settle(wrong, OutcomeA), ErrInvalidAttestation)
	assert.Equal(t, before, m.Snapshot(now))

	require.NoError(t, m.Settle(attestationFor(t, oracle, m, OutcomeA), OutcomeA))
	winner, ok := m.WinningOutcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeA, winner)
	assert.Equal(t, uint64(80_000), m.Payout(betA, winner))
}

func TestRestore_RoundTripsSettledMarket(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeA, Amount: 4, PayoutAddress: regtestAddress(t), Funding: fundingRef(1)}))
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeB, Amount: 6, PayoutAddress: regtestAddress(t), Funding: fundingRef(2)}))
	sig := signDigest(t, oracle, m, OutcomeB)
	require.NoError(t, m.Settle(NewAttestation(signEvent(t, oracle, m.OutcomeMessage(OutcomeB), nostr.Tags{{TagScriptSig, hex.EncodeToString(sig)}})), OutcomeB))

	now := time.Unix(testSettlementTime+100, 0)
	snap := m.Snapshot(now)
	restored, err := Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, snap, restored.Snapshot(now))
}

func TestRestore_RejectsDrift(t *testing.T) {
	oracle := newKey(t)
	m := newTestMarket(t, oracle)
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeA, Amount: 4, PayoutAddress: regtestAddress(t), Funding: fundingRef(1)}))
	now := time.Unix(testSettlementTime-100, 0)

	t.Run("id", func(t *testing.T) {
		snap := m.Snapshot(now)
		snap.ID = "0000000000000000"
		_, err := Restore(snap)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
	t.Run("total", func(t *testing.T) {
		snap := m.Snapshot(now)
		snap.TotalAmount = 99
		_, err := Restore(snap)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
	t.Run("bet under wrong side", func(t *testing.T) {
		snap := m.Snapshot(now)
		snap.BetsB = snap.BetsA
		snap.BetsA = nil
		_, err := Restore(snap)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
	t.Run("forged script signature", func(t *testing.T) {
		snap := m.Snapshot(now)
		snap.Settled = true
		snap.WinningOutcome = OutcomeA
		snap.Settlement = &Settlement{Outcome: OutcomeA, EventID: "x", ScriptSig: hex.EncodeToString(make([]byte, 64))}
		_, err := Restore(snap)
		assert.True(t, errors.Is(err, ErrInvalidAttestation))
	})
}

func newTestMarketWithQuestion(t *testing.T, oracle *btcec.PrivateKey, question string) *Market {
	t.Helper()
	m, err := New(Params{
		Question:       question,
		OutcomeA:       "Yes",
		OutcomeB:       "No",
		OraclePubKey:   xOnlyHex(oracle),
		SettlementTime: testSettlementTime,
		Network:        Regtest,
	})
	require.NoError(t, err)
	return m
}
