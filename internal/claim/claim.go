// Package claim builds and checks the transactions that spend a settled
// market's funding output to the winning bettors.
package claim

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// DefaultFeePerOutput is deducted from every payout output when the caller
// does not choose a fee.
const DefaultFeePerOutput int64 = 546

// SequenceRBF signals replaceability without enabling a relative locktime.
const SequenceRBF uint32 = 0xfffffffd

var (
	ErrAllDust          = errors.New("claim: every payout output is dust")
	ErrMissingSignature = errors.New("claim: settlement carries no script-path signature")
	ErrNoWinningBets    = errors.New("claim: no winning bets")
	ErrInvalidClaim     = errors.New("claim: transaction does not spend the market output")
)

// Output is one planned payout.
type Output struct {
	Bet    market.Bet `json:"bet"`
	Payout uint64     `json:"payout"`
	Value  int64      `json:"value"`
	Dust   bool       `json:"dust"`
}

// Plan computes the payout outputs for a settled market. Outputs below the
// relay dust threshold are marked and left out of the transaction.
func Plan(m *market.Market, feePerOutput int64) ([]Output, error) {
	if feePerOutput < 0 {
		return nil, fmt.Errorf("claim: negative fee per output: %w", market.ErrInvalidAmount)
	}
	payouts, err := m.Payouts()
	if err != nil {
		return nil, err
	}
	if len(payouts) == 0 {
		return nil, ErrNoWinningBets
	}

	out := make([]Output, 0, len(payouts))
	for _, p := range payouts {
		o := Output{Bet: p.Bet, Payout: p.Amount}
		if p.Amount > uint64(feePerOutput) {
			o.Value = int64(p.Amount) - feePerOutput
		}
		pkScript, err := payToAddress(p.Bet.PayoutAddress, m)
		if err != nil {
			return nil, err
		}
		o.Dust = o.Value <= 0 || mempool.IsDust(wire.NewTxOut(o.Value, pkScript), mempool.DefaultMinRelayTxFee)
		out = append(out, o)
	}
	return out, nil
}

// BuildPayoutTx spends funding to every non-dust winner using the oracle
// signature recorded at settlement.
func BuildPayoutTx(m *market.Market, funding wire.OutPoint, feePerOutput int64) (*wire.MsgTx, error) {
	s, ok := m.Settlement()
	if !ok {
		return nil, fmt.Errorf("claim: market %s: %w", m.ID(), market.ErrNotSettled)
	}
	if s.ScriptSig == "" {
		return nil, fmt.Errorf("claim: market %s: %w", m.ID(), ErrMissingSignature)
	}
	sig, err := hex.DecodeString(s.ScriptSig)
	if err != nil {
		return nil, fmt.Errorf("claim: market %s: decode signature: %w", m.ID(), err)
	}
	return BuildPayoutTxWithSignature(m, sig, funding, feePerOutput)
}

// BuildPayoutTxWithSignature is BuildPayoutTx with an explicit oracle
// signature over the winning outcome's digest.
func BuildPayoutTxWithSignature(m *market.Market, sig []byte, funding wire.OutPoint, feePerOutput int64) (*wire.MsgTx, error) {
	winner, ok := m.WinningOutcome()
	if !ok {
		return nil, fmt.Errorf("claim: market %s: %w", m.ID(), market.ErrNotSettled)
	}
	witness, err := m.Spend().Witness(winner, sig)
	if err != nil {
		return nil, err
	}

	plan, err := Plan(m, feePerOutput)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&funding, nil, witness)
	in.Sequence = SequenceRBF
	tx.AddTxIn(in)

	for _, o := range plan {
		if o.Dust {
			continue
		}
		pkScript, err := payToAddress(o.Bet.PayoutAddress, m)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(o.Value, pkScript))
	}
	if len(tx.TxOut) == 0 {
		return nil, ErrAllDust
	}
	return tx, nil
}

// IsFundingOutput reports whether tx's output vout pays the market address.
func IsFundingOutput(m *market.Market, tx *wire.MsgTx, vout uint32) bool {
	if tx == nil || int(vout) >= len(tx.TxOut) {
		return false
	}
	return bytes.Equal(tx.TxOut[vout].PkScript, m.Spend().PkScript())
}

// FundingOutputs returns the indexes of every output in tx paying the market.
func FundingOutputs(m *market.Market, tx *wire.MsgTx) []uint32 {
	var idx []uint32
	for i := range tx.TxOut {
		if IsFundingOutput(m, tx, uint32(i)) {
			idx = append(idx, uint32(i))
		}
	}
	return idx
}

// ValidateClaim checks that tx spends the market output through outcome's
// leaf with a valid oracle signature.
func ValidateClaim(m *market.Market, tx *wire.MsgTx, outcome market.Outcome) error {
	if len(tx.TxIn) != 1 {
		return fmt.Errorf("%w: want 1 input, got %d", ErrInvalidClaim, len(tx.TxIn))
	}
	witness := tx.TxIn[0].Witness
	if len(witness) != 3 {
		return fmt.Errorf("%w: want 3 witness elements, got %d", ErrInvalidClaim, len(witness))
	}
	sig, script, cbBytes := witness[0], witness[1], witness[2]

	if !m.VerifyOutcomeSignature(outcome, sig) {
		return fmt.Errorf("claim: outcome %s signature: %w", outcome, market.ErrInvalidAttestation)
	}
	leaf, err := m.Spend().LeafScript(outcome)
	if err != nil {
		return err
	}
	if !bytes.Equal(leaf, script) {
		return fmt.Errorf("%w: revealed script is not the %s leaf", ErrInvalidClaim, outcome)
	}

	cb, err := txscript.ParseControlBlock(cbBytes)
	if err != nil {
		return fmt.Errorf("%w: control block: %v", ErrInvalidClaim, err)
	}
	program := schnorr.SerializePubKey(m.Spend().OutputKey)
	if err := txscript.VerifyTaprootLeafCommitment(cb, program, script); err != nil {
		return fmt.Errorf("%w: leaf commitment: %v", ErrInvalidClaim, err)
	}
	return nil
}

func payToAddress(addr string, m *market.Market) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, m.Chain())
	if err != nil {
		return nil, fmt.Errorf("claim: payout address %q: %v: %w", addr, err, market.ErrInvalidAddress)
	}
	return txscript.PayToAddrScript(decoded)
}
