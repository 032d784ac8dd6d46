// Package oracle is the attesting side: it signs outcome digests and
// publishes them as Nostr events markets accept for settlement.
package oracle

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"

	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// DefaultKind is the event kind attestations are published under.
const DefaultKind = 1

// Signer holds the oracle secret key.
type Signer struct {
	priv   *btcec.PrivateKey
	pubHex string
	kind   int
}

// NewSigner wraps priv. kind <= 0 selects DefaultKind.
func NewSigner(priv *btcec.PrivateKey, kind int) *Signer {
	if kind <= 0 {
		kind = DefaultKind
	}
	return &Signer{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		kind:   kind,
	}
}

// PubKey returns the x-only public key in hex. Markets are created with it.
func (s *Signer) PubKey() string { return s.pubHex }

// SignOutcome returns the BIP-340 signature over the outcome digest. It
// satisfies the outcome's tapscript leaf.
func (s *Signer) SignOutcome(marketID string, o market.Outcome, settlementTime int64) ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("oracle: sign outcome %q: %w", string(o), market.ErrInvalidOutcome)
	}
	digest := market.OutcomeDigest(marketID, o, settlementTime)
	sig, err := schnorr.Sign(s.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("oracle: sign outcome: %w", err)
	}
	return sig.Serialize(), nil
}

// Attest builds and signs the settlement event for outcome o.
func (s *Signer) Attest(marketID string, o market.Outcome, settlementTime int64, createdAt time.Time) (nostr.Event, error) {
	scriptSig, err := s.SignOutcome(marketID, o, settlementTime)
	if err != nil {
		return nostr.Event{}, err
	}
	evt := nostr.Event{
		PubKey:    s.pubHex,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      s.kind,
		Tags: nostr.Tags{
			{market.TagMarket, marketID},
			{market.TagOutcome, string(o)},
			{market.TagScriptSig, hex.EncodeToString(scriptSig)},
		},
		Content: market.OutcomeMessage(marketID, o, settlementTime),
	}
	if err := s.Sign(&evt); err != nil {
		return nostr.Event{}, err
	}
	return evt, nil
}

// Sign sets evt's pubkey, id and signature.
func (s *Signer) Sign(evt *nostr.Event) error {
	evt.PubKey = s.pubHex
	evt.ID = evt.GetID()
	id, err := hex.DecodeString(evt.ID)
	if err != nil {
		return fmt.Errorf("oracle: event id: %w", err)
	}
	sig, err := schnorr.Sign(s.priv, id)
	if err != nil {
		return fmt.Errorf("oracle: sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
