package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Settled filters on settlement state when non-nil.
	Settled *bool
}

// MarketStore persists markets as creation parameters plus an append-only bet
// log. Snapshots returned by the store carry parameters, bets in placement
// order and settlement; derived fields are filled in by market.Restore.
type MarketStore interface {
	// Insert returns ErrAlreadyExists when the id is taken.
	Insert(ctx context.Context, snap market.Snapshot) error
	// AppendBet records the bet at position seq of the market's bet log.
	AppendBet(ctx context.Context, marketID string, seq int, bet market.Bet) error
	MarkSettled(ctx context.Context, marketID string, s market.Settlement) error
	MarkArchived(ctx context.Context, marketIDs []string, at time.Time) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, marketID string) (market.Snapshot, error)
	List(ctx context.Context, opts ListOpts) ([]market.Snapshot, error)
	// ListSettledBefore returns settled, unarchived markets whose
	// settlement was recorded before t.
	ListSettledBefore(ctx context.Context, t time.Time, limit int) ([]market.Snapshot, error)
	// ListUnsettled returns unsettled markets whose settlement time is at or
	// before dueBy.
	ListUnsettled(ctx context.Context, dueBy time.Time) ([]market.Snapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	MarketID  string         `json:"market_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event, marketID string, detail map[string]any) error
	List(ctx context.Context, marketID string, opts ListOpts) ([]AuditEntry, error)
}
