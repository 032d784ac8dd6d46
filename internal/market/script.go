package market

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// OpCheckSigFromStack is OP_CHECKSIGFROMSTACK (BIP-348). It pops a public key,
// a message and a signature and verifies the BIP-340 signature over the
// message instead of the spending transaction.
const OpCheckSigFromStack byte = 0xcc

// numsKeyHex is the BIP-341 "nothing up my sleeve" point H. Nobody knows its
// discrete log, so the key path of the market output is unspendable.
const numsKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var numsKey = mustParseXOnly(numsKeyHex)

// NUMSKey returns the internal key used for every market output.
func NUMSKey() *btcec.PublicKey { return numsKey }

// ParseOracleKey decodes a 32-byte x-only public key from hex.
func ParseOracleKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("market: decode oracle key: %w", ErrInvalidOracleKey)
	}
	if len(raw) != schnorr.PubKeyBytesLen {
		return nil, fmt.Errorf("market: oracle key is %d bytes, want %d: %w",
			len(raw), schnorr.PubKeyBytesLen, ErrInvalidOracleKey)
	}
	key, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("market: oracle key not on curve: %w", ErrInvalidOracleKey)
	}
	return key, nil
}

// OutcomePredicate is the spend condition for one outcome leaf: a valid
// signature by OracleKey over Digest, where Digest = SHA-256(Message).
type OutcomePredicate struct {
	Outcome   Outcome
	Message   string
	Digest    [32]byte
	OracleKey *btcec.PublicKey
}

// NewOutcomePredicate builds the predicate for outcome o of a market.
func NewOutcomePredicate(marketID string, o Outcome, settlementTime int64, oracle *btcec.PublicKey) OutcomePredicate {
	return OutcomePredicate{
		Outcome:   o,
		Message:   OutcomeMessage(marketID, o, settlementTime),
		Digest:    OutcomeDigest(marketID, o, settlementTime),
		OracleKey: oracle,
	}
}

// Script returns the tapscript leaf:
//
//	<digest> <oracle x-only key> OP_CHECKSIGFROMSTACK
//
// The witness supplies only the signature. The message and key come from the
// script itself, so a spend is valid only with a signature over this digest.
func (p OutcomePredicate) Script() ([]byte, error) {
	script, err := txscript.NewScriptBuilder().
		AddData(p.Digest[:]).
		AddData(schnorr.SerializePubKey(p.OracleKey)).
		AddOp(OpCheckSigFromStack).
		Script()
	if err != nil {
		return nil, fmt.Errorf("market: build %s leaf: %w", p.Outcome, err)
	}
	return script, nil
}

// Verify reports whether sig is a valid BIP-340 signature by the oracle over
// the predicate digest. This is the check a CSFS-enabled node performs when
// the leaf is executed.
func (p OutcomePredicate) Verify(sig []byte) bool {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(p.Digest[:], p.OracleKey)
}

func mustParseXOnly(s string) *btcec.PublicKey {
	raw, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	key, err := schnorr.ParsePubKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}
