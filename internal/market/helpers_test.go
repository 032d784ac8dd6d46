package market

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

const testSettlementTime = int64(1_900_000_000)

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func xOnlyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

func regtestAddress(t *testing.T) string {
	t.Helper()
	pub := newKey(t).PubKey()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func mainnetAddress(t *testing.T) string {
	t.Helper()
	pub := newKey(t).PubKey()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func fundingRef(b byte) FundingRef {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return FundingRef{TxID: hex.EncodeToString(raw), Vout: 0}
}

func newTestMarket(t *testing.T, oracle *btcec.PrivateKey) *Market {
	t.Helper()
	m, err := New(Params{
		Question:       "Will BTC close above 100k on 2030-03-01?",
		OutcomeA:       "Yes",
		OutcomeB:       "No",
		OraclePubKey:   xOnlyHex(oracle),
		SettlementTime: testSettlementTime,
		Network:        Regtest,
	})
	require.NoError(t, err)
	return m
}

// newOpenMarket returns a test market holding one bet on A, so it can be
// settled before its settlement time.
func newOpenMarket(t *testing.T, oracle *btcec.PrivateKey) *Market {
	t.Helper()
	m := newTestMarket(t, oracle)
	require.NoError(t, m.PlaceBet(Bet{Outcome: OutcomeA, Amount: 1_000, PayoutAddress: regtestAddress(t), Funding: fundingRef(0x0f)}))
	return m
}

// signEvent builds and signs a kind-1 Nostr event with priv.
func signEvent(t *testing.T, priv *btcec.PrivateKey, content string, tags nostr.Tags) nostr.Event {
	t.Helper()
	evt := nostr.Event{
		PubKey:    xOnlyHex(priv),
		CreatedAt: nostr.Timestamp(testSettlementTime + 60),
		Kind:      1,
		Tags:      tags,
		Content:   content,
	}
	evt.ID = evt.GetID()
	id, err := hex.DecodeString(evt.ID)
	require.NoError(t, err)
	sig, err := schnorr.Sign(priv, id)
	require.NoError(t, err)
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt
}

// signDigest signs an outcome digest the way the oracle does for the script path.
func signDigest(t *testing.T, priv *btcec.PrivateKey, m *Market, o Outcome) []byte {
	t.Helper()
	digest := OutcomeDigest(m.ID(), o, m.SettlementTime())
	sig, err := schnorr.Sign(priv, digest[:])
	require.NoError(t, err)
	return sig.Serialize()
}

func attestationFor(t *testing.T, priv *btcec.PrivateKey, m *Market, o Outcome) Attestation {
	t.Helper()
	return NewAttestation(signEvent(t, priv, m.OutcomeMessage(o), nostr.Tags{
		{TagMarket, m.ID()},
		{TagOutcome, string(o)},
	}))
}
