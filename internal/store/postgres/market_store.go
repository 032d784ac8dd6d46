package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketColumns = `
	id, question, outcome_a, outcome_b, oracle_pubkey, settlement_time, network, address,
	settled, winning_outcome, settlement_event_id, settlement_attested_at, settlement_script_sig`

// Insert stores a new market together with any bets already in the snapshot.
func (s *MarketStore) Insert(ctx context.Context, snap market.Snapshot) error {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO markets (
				id, question, outcome_a, outcome_b, oracle_pubkey,
				settlement_time, network, address
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := tx.Exec(ctx, query,
			snap.ID, snap.Question, snap.OutcomeA, snap.OutcomeB, snap.OraclePubKey,
			snap.SettlementTime, string(snap.Network), snap.Address,
		); err != nil {
			return err
		}

		seq := 0
		for _, bets := range [][]market.Bet{snap.BetsA, snap.BetsB} {
			for _, b := range bets {
				if err := insertBet(ctx, tx, snap.ID, seq, b); err != nil {
					return err
				}
				seq++
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: insert market %s: %w", snap.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert market %s: %w", snap.ID, err)
	}
	return nil
}

// AppendBet records a bet at position seq. A taken seq means another writer
// got there first and yields ErrAlreadyExists.
func (s *MarketStore) AppendBet(ctx context.Context, marketID string, seq int, bet market.Bet) error {
	err := insertBet(ctx, s.pool, marketID, seq, bet)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: append bet %s#%d: %w", marketID, seq, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: append bet %s#%d: %w", marketID, seq, err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertBet(ctx context.Context, db execer, marketID string, seq int, b market.Bet) error {
	placedAt := b.PlacedAt
	if placedAt.IsZero() {
		placedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO bets (
			market_id, seq, outcome, amount, payout_address, funding_txid, funding_vout, placed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := db.Exec(ctx, query,
		marketID, seq, string(b.Outcome), int64(b.Amount), b.PayoutAddress,
		b.Funding.TxID, int64(b.Funding.Vout), placedAt,
	)
	return err
}

// MarkSettled records the settlement. A market can only be settled once.
func (s *MarketStore) MarkSettled(ctx context.Context, marketID string, st market.Settlement) error {
	const query = `
		UPDATE markets SET
			settled                = TRUE,
			winning_outcome        = $2,
			settlement_event_id    = $3,
			settlement_attested_at = $4,
			settlement_script_sig  = NULLIF($5, ''),
			settled_at             = NOW()
		WHERE id = $1 AND NOT settled`
	tag, err := s.pool.Exec(ctx, query, marketID, string(st.Outcome), st.EventID, st.AttestedAt, st.ScriptSig)
	if err != nil {
		return fmt.Errorf("postgres: mark settled %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, marketID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: mark settled %s: %w", marketID, err)
	}
	if !exists {
		return fmt.Errorf("postgres: mark settled %s: %w", marketID, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: mark settled %s: %w", marketID, market.ErrAlreadySettled)
}

// MarkArchived stamps the given markets as copied to cold storage.
func (s *MarketStore) MarkArchived(ctx context.Context, marketIDs []string, at time.Time) error {
	if len(marketIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE markets SET archived_at = $2 WHERE id = ANY($1)`, marketIDs, at)
	if err != nil {
		return fmt.Errorf("postgres: mark archived: %w", err)
	}
	return nil
}

// Get loads one market with its bets in placement order.
func (s *MarketStore) Get(ctx context.Context, marketID string) (market.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, marketID)
	snap, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Snapshot{}, fmt.Errorf("postgres: get market %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("postgres: get market %s: %w", marketID, err)
	}

	snaps := []market.Snapshot{snap}
	if err := s.attachBets(ctx, snaps); err != nil {
		return market.Snapshot{}, err
	}
	return snaps[0], nil
}

// List returns markets newest first.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]market.Snapshot, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	if opts.Settled != nil {
		query += fmt.Sprintf(" AND settled = $%d", argIdx)
		args = append(args, *opts.Settled)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryMarkets(ctx, "list markets", query, args...)
}

// ListSettledBefore returns settled markets not yet archived.
func (s *MarketStore) ListSettledBefore(ctx context.Context, t time.Time, limit int) ([]market.Snapshot, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + marketColumns + ` FROM markets
		WHERE settled AND archived_at IS NULL AND settled_at < $1
		ORDER BY settled_at
		LIMIT $2`
	return s.queryMarkets(ctx, "list settled", query, t, limit)
}

// ListUnsettled returns open markets whose settlement time has passed dueBy.
func (s *MarketStore) ListUnsettled(ctx context.Context, dueBy time.Time) ([]market.Snapshot, error) {
	query := `SELECT ` + marketColumns + ` FROM markets
		WHERE NOT settled AND settlement_time <= $1
		ORDER BY settlement_time`
	return s.queryMarkets(ctx, "list unsettled", query, dueBy.Unix())
}

func (s *MarketStore) queryMarkets(ctx context.Context, op, query string, args ...any) ([]market.Snapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var snaps []market.Snapshot
	for rows.Next() {
		snap, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	if err := s.attachBets(ctx, snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// attachBets loads the bets of every snapshot in one query.
func (s *MarketStore) attachBets(ctx context.Context, snaps []market.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	ids := make([]string, len(snaps))
	byID := make(map[string]*market.Snapshot, len(snaps))
	for i := range snaps {
		ids[i] = snaps[i].ID
		byID[snaps[i].ID] = &snaps[i]
	}

	const query = `
		SELECT market_id, outcome, amount, payout_address, funding_txid, funding_vout, placed_at
		FROM bets WHERE market_id = ANY($1)
		ORDER BY market_id, seq`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("postgres: load bets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			marketID, outcome string
			amount, vout      int64
			b                 market.Bet
		)
		if err := rows.Scan(&marketID, &outcome, &amount, &b.PayoutAddress, &b.Funding.TxID, &vout, &b.PlacedAt); err != nil {
			return fmt.Errorf("postgres: scan bet: %w", err)
		}
		b.Outcome = market.Outcome(outcome)
		b.Amount = uint64(amount)
		b.Funding.Vout = uint32(vout)
		b.PlacedAt = b.PlacedAt.UTC()

		snap := byID[marketID]
		if b.Outcome == market.OutcomeA {
			snap.BetsA = append(snap.BetsA, b)
		} else {
			snap.BetsB = append(snap.BetsB, b)
		}
		snap.TotalAmount += b.Amount
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load bets rows: %w", err)
	}
	return nil
}

func scanMarket(row pgx.Row) (market.Snapshot, error) {
	var (
		snap                       market.Snapshot
		network                    string
		winner, eventID, scriptSig *string
		attestedAt                 *int64
	)
	err := row.Scan(
		&snap.ID, &snap.Question, &snap.OutcomeA, &snap.OutcomeB, &snap.OraclePubKey,
		&snap.SettlementTime, &network, &snap.Address,
		&snap.Settled, &winner, &eventID, &attestedAt, &scriptSig,
	)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap.Network = market.Network(network)

	if snap.Settled && winner != nil {
		snap.WinningOutcome = market.Outcome(*winner)
		st := &market.Settlement{Outcome: snap.WinningOutcome}
		if eventID != nil {
			st.EventID = *eventID
		}
		if attestedAt != nil {
			st.AttestedAt = *attestedAt
		}
		if scriptSig != nil {
			st.ScriptSig = *scriptSig
		}
		snap.Settlement = st
	}
	return snap, nil
}
