package postgres

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// setupTestDB starts a PostgreSQL container and applies the embedded
// migrations.
func setupTestDB(t *testing.T) (*Client, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in -short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("nostrmarket"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, client.RunMigrations(ctx))
	// A second run must be a no-op.
	require.NoError(t, client.RunMigrations(ctx))

	return client, func() {
		client.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
}

func newSnapshot(t *testing.T, question string, settlementTime int64) (*market.Market, *btcec.PrivateKey) {
	t.Helper()
	oracle, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	m, err := market.New(market.Params{
		Question:       question,
		OutcomeA:       "Yes",
		OutcomeB:       "No",
		OraclePubKey:   hex.EncodeToString(schnorr.SerializePubKey(oracle.PubKey())),
		SettlementTime: settlementTime,
		Network:        market.Regtest,
	})
	require.NoError(t, err)
	return m, oracle
}

func testBet(t *testing.T, o market.Outcome, amount uint64, txByte byte) market.Bet {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	txid := make([]byte, 32)
	txid[0] = txByte
	return market.Bet{
		Outcome:       o,
		Amount:        amount,
		PayoutAddress: addr.EncodeAddress(),
		Funding:       market.FundingRef{TxID: hex.EncodeToString(txid), Vout: uint32(txByte)},
		PlacedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}
