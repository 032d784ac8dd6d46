package market

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Status is the lifecycle position of a market. It is always computed from
// the settled flag, the bet count and the clock, never stored.
type Status string

const (
	StatusCreated            Status = "created"
	StatusActive             Status = "active"
	StatusAwaitingSettlement Status = "awaiting_settlement"
	StatusSettled            Status = "settled"
)

// Attestation tag names carried by oracle events.
const (
	TagMarket    = "d"
	TagOutcome   = "outcome"
	TagScriptSig = "csfs"
)

// Attestation is an oracle-signed Nostr event offered as proof of an outcome.
type Attestation struct {
	Event nostr.Event
}

// NewAttestation wraps an event.
func NewAttestation(evt nostr.Event) Attestation {
	return Attestation{Event: evt}
}

// Tag returns the first value of the named tag, or "".
func (a Attestation) Tag(name string) string {
	for _, t := range a.Event.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// Settlement records the attestation that settled a market.
type Settlement struct {
	Outcome    Outcome `json:"outcome"`
	EventID    string  `json:"event_id"`
	AttestedAt int64   `json:"attested_at"`
	// ScriptSig is the hex BIP-340 signature over the outcome digest, present
	// when the oracle published one. Claim transactions need it.
	ScriptSig string `json:"script_sig,omitempty"`
}

// verifyAttestation runs every check required before a market may settle on
// outcome o. It has no side effects.
func (m *Market) verifyAttestation(att Attestation, o Outcome) (Settlement, error) {
	evt := att.Event

	if !strings.EqualFold(evt.PubKey, m.oracleHex) {
		return Settlement{}, fmt.Errorf("market: attestation signer %q is not the market oracle: %w",
			evt.PubKey, ErrInvalidAttestation)
	}

	want := OutcomeMessage(m.id, o, m.settlementTime)
	if evt.Content != want {
		return Settlement{}, fmt.Errorf("market: attestation payload does not match outcome %s: %w",
			o, ErrInvalidAttestation)
	}

	if evt.ID == "" || evt.GetID() != strings.ToLower(evt.ID) {
		return Settlement{}, fmt.Errorf("market: attestation id does not commit to event: %w", ErrInvalidAttestation)
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return Settlement{}, fmt.Errorf("market: attestation signature: %v: %w", err, ErrInvalidAttestation)
	}
	if !ok {
		return Settlement{}, fmt.Errorf("market: attestation signature does not verify: %w", ErrInvalidAttestation)
	}

	s := Settlement{
		Outcome:    o,
		EventID:    strings.ToLower(evt.ID),
		AttestedAt: int64(evt.CreatedAt),
	}

	if sigHex := att.Tag(TagScriptSig); sigHex != "" {
		sig, err := hex.DecodeString(sigHex)
		if err != nil || !m.VerifyOutcomeSignature(o, sig) {
			return Settlement{}, fmt.Errorf("market: attestation script signature does not verify: %w", ErrInvalidAttestation)
		}
		s.ScriptSig = strings.ToLower(sigHex)
	}
	return s, nil
}

// Status projects the lifecycle state at time now.
func (m *Market) Status(now time.Time) Status {
	switch {
	case m.settled:
		return StatusSettled
	case now.Unix() >= m.settlementTime:
		return StatusAwaitingSettlement
	case m.ledger.count() == 0:
		return StatusCreated
	default:
		return StatusActive
	}
}

// Settle applies an oracle attestation for outcome o as of the wall clock.
// See SettleAt.
func (m *Market) Settle(att Attestation, o Outcome) error {
	return m.SettleAt(att, o, time.Now())
}

// SettleAt applies an oracle attestation for outcome o. Settlement is only
// accepted while the market is Active or AwaitingSettlement at now. On any
// failure the market is left unchanged. Success is irreversible.
func (m *Market) SettleAt(att Attestation, o Outcome, now time.Time) error {
	if m.settled {
		return fmt.Errorf("market: settle %s: %w", m.id, ErrAlreadySettled)
	}
	if !o.Valid() {
		return fmt.Errorf("market: settle %s: outcome %q: %w", m.id, string(o), ErrInvalidOutcome)
	}
	if m.Status(now) == StatusCreated {
		return fmt.Errorf("market: settle %s: %w", m.id, ErrNotOpen)
	}

	s, err := m.verifyAttestation(att, o)
	if err != nil {
		return err
	}

	m.settlement = &s
	m.winner = o
	m.settled = true
	return nil
}

// VerifyOutcomeSignature reports whether sig is the oracle's BIP-340
// signature over outcome o's digest, i.e. whether it satisfies o's leaf.
func (m *Market) VerifyOutcomeSignature(o Outcome, sig []byte) bool {
	p, err := m.spend.Predicate(o)
	if err != nil {
		return false
	}
	return p.Verify(sig)
}
