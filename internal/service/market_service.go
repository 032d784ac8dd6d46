// Package service coordinates the market engine with persistence, caching,
// publication and notification.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/alanyoungcy/nostrmarket/internal/claim"
	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
	"github.com/alanyoungcy/nostrmarket/internal/notify"
)

const defaultLockTTL = 10 * time.Second

// Notifier delivers market alerts. *notify.Notifier satisfies it.
type Notifier interface {
	NotifyMarket(ctx context.Context, event string, snap market.Snapshot) error
}

// MarketService owns every state change of a market. Mutations run under
// the distributed lock "market:{id}" and follow load, apply, persist,
// invalidate, publish.
type MarketService struct {
	markets  domain.MarketStore
	audit    domain.AuditStore
	cache    domain.MarketCache
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger
	lockTTL  time.Duration
	network  market.Network
	now      func() time.Time
}

// MarketServiceConfig groups the collaborators of a MarketService. Notifier
// may be nil.
type MarketServiceConfig struct {
	Markets  domain.MarketStore
	Audit    domain.AuditStore
	Cache    domain.MarketCache
	Locks    domain.LockManager
	Bus      domain.SignalBus
	Notifier Notifier
	Logger   *slog.Logger
	LockTTL  time.Duration
	// Network fills in Params.Network when a request leaves it empty.
	Network market.Network
}

func NewMarketService(cfg MarketServiceConfig) *MarketService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &MarketService{
		markets:  cfg.Markets,
		audit:    cfg.Audit,
		cache:    cfg.Cache,
		locks:    cfg.Locks,
		bus:      cfg.Bus,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With(slog.String("component", "market_service")),
		lockTTL:  cfg.LockTTL,
		network:  cfg.Network,
		now:      time.Now,
	}
}

// Create derives and stores a new market. Creating the same parameters twice
// returns domain.ErrAlreadyExists.
func (s *MarketService) Create(ctx context.Context, p market.Params) (market.Snapshot, error) {
	if p.Network == "" {
		p.Network = s.network
	}
	m, err := market.New(p)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap := m.Snapshot(s.now())

	if err := s.markets.Insert(ctx, snap); err != nil {
		return market.Snapshot{}, fmt.Errorf("market_service: create %s: %w", m.ID(), err)
	}

	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", snap.ID),
		slog.String("address", snap.Address),
		slog.Int64("settlement_time", snap.SettlementTime),
	)
	s.after(ctx, snap, domain.ChannelMarketCreated, notify.EventMarketCreated, nil, map[string]any{
		"address":         snap.Address,
		"oracle_pubkey":   snap.OraclePubKey,
		"settlement_time": snap.SettlementTime,
	})
	return snap, nil
}

// PlaceBet records a funded bet. A zero PlacedAt is stamped with the
// current time.
func (s *MarketService) PlaceBet(ctx context.Context, id string, bet market.Bet) (market.Snapshot, error) {
	if bet.PlacedAt.IsZero() {
		bet.PlacedAt = s.now().UTC()
	}

	var recorded market.Bet
	snap, err := s.mutate(ctx, id, func(m *market.Market, seq int) error {
		if err := m.PlaceBet(bet); err != nil {
			return err
		}
		side := m.Bets(bet.Outcome)
		recorded = side[len(side)-1]
		return s.markets.AppendBet(ctx, id, seq, recorded)
	})
	if err != nil {
		return market.Snapshot{}, err
	}

	s.logger.InfoContext(ctx, "market_service: bet placed",
		slog.String("market_id", id),
		slog.String("outcome", string(recorded.Outcome)),
		slog.Uint64("amount", recorded.Amount),
		slog.Uint64("pool", snap.TotalAmount),
	)
	s.after(ctx, snap, domain.ChannelBetPlaced, notify.EventBetPlaced, &recorded, map[string]any{
		"outcome": recorded.Outcome,
		"amount":  recorded.Amount,
		"funding": recorded.Funding.String(),
	})
	return snap, nil
}

// Settle applies an oracle attestation for outcome o.
func (s *MarketService) Settle(ctx context.Context, id string, att market.Attestation, o market.Outcome) (market.Snapshot, error) {
	snap, err := s.mutate(ctx, id, func(m *market.Market, _ int) error {
		if err := m.SettleAt(att, o, s.now()); err != nil {
			return err
		}
		settlement, _ := m.Settlement()
		return s.markets.MarkSettled(ctx, id, settlement)
	})
	if err != nil {
		return market.Snapshot{}, err
	}

	s.logger.InfoContext(ctx, "market_service: market settled",
		slog.String("market_id", id),
		slog.String("outcome", string(o)),
		slog.String("event_id", snap.Settlement.EventID),
		slog.Int("winning_bets", len(snap.Payouts)),
	)
	s.after(ctx, snap, domain.ChannelMarketSettled, notify.EventMarketSettled, nil, map[string]any{
		"outcome":    o,
		"event_id":   snap.Settlement.EventID,
		"script_sig": snap.Settlement.ScriptSig != "",
	})
	return snap, nil
}

// Get returns the current snapshot, from the cache when possible.
func (s *MarketService) Get(ctx context.Context, id string) (market.Snapshot, error) {
	if snap, err := s.cache.Get(ctx, id); err == nil {
		return snap, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "market_service: cache get failed",
			slog.String("market_id", id), slog.String("error", err.Error()))
	}

	m, err := s.load(ctx, id)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap := m.Snapshot(s.now())
	s.cacheSet(ctx, snap)
	return snap, nil
}

// List returns snapshots from the store. Rows that no longer restore are
// logged and skipped.
func (s *MarketService) List(ctx context.Context, opts domain.ListOpts) ([]market.Snapshot, error) {
	stored, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	now := s.now()
	out := make([]market.Snapshot, 0, len(stored))
	for _, st := range stored {
		m, err := market.Restore(st)
		if err != nil {
			s.logger.ErrorContext(ctx, "market_service: stored market does not restore",
				slog.String("market_id", st.ID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, m.Snapshot(now))
	}
	return out, nil
}

// Payouts lists what each winning bet receives. Unsettled markets return
// market.ErrNotSettled.
func (s *MarketService) Payouts(ctx context.Context, id string) ([]market.BetPayout, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Payouts()
}

// ClaimTx builds the payout transaction spending funding through the winning
// leaf, along with the payout plan including dust outputs it left out. It
// needs the oracle's script signature recorded at settlement.
func (s *MarketService) ClaimTx(ctx context.Context, id string, funding wire.OutPoint, feePerOutput int64) (*wire.MsgTx, []claim.Output, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	plan, err := claim.Plan(m, feePerOutput)
	if err != nil {
		return nil, nil, err
	}
	tx, err := claim.BuildPayoutTx(m, funding, feePerOutput)
	if err != nil {
		return nil, plan, err
	}
	return tx, plan, nil
}

// AuditLog returns the audit entries of one market.
func (s *MarketService) AuditLog(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	entries, err := s.audit.List(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: audit log %s: %w", id, err)
	}
	return entries, nil
}

// load reads a market from the store and rebuilds the aggregate.
func (s *MarketService) load(ctx context.Context, id string) (*market.Market, error) {
	stored, err := s.markets.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("market_service: get %s: %w", id, err)
	}
	m, err := market.Restore(stored)
	if err != nil {
		return nil, fmt.Errorf("market_service: restore %s: %w", id, err)
	}
	return m, nil
}

// mutate runs apply under the market lock. seq is the number of bets
// recorded before apply ran. The cache entry is dropped whether or not apply
// succeeds.
func (s *MarketService) mutate(ctx context.Context, id string, apply func(m *market.Market, seq int) error) (market.Snapshot, error) {
	unlock, err := s.locks.Acquire(ctx, "market:"+id, s.lockTTL)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("market_service: lock %s: %w", id, err)
	}
	defer unlock()

	m, err := s.load(ctx, id)
	if err != nil {
		return market.Snapshot{}, err
	}
	seq := len(m.Bets(market.OutcomeA)) + len(m.Bets(market.OutcomeB))

	applyErr := apply(m, seq)
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
			slog.String("market_id", id), slog.String("error", err.Error()))
	}
	if applyErr != nil {
		return market.Snapshot{}, applyErr
	}
	return m.Snapshot(s.now()), nil
}

// after runs the best-effort follow-ups of a successful change. Failures are
// logged; the change itself is already durable.
func (s *MarketService) after(ctx context.Context, snap market.Snapshot, channel, event string, bet *market.Bet, detail map[string]any) {
	s.cacheSet(ctx, snap)
	s.publish(ctx, channel, domain.MarketEvent{
		Type:     event,
		MarketID: snap.ID,
		Snapshot: &snap,
		Bet:      bet,
		At:       s.now().UTC(),
	})
	if err := s.audit.Log(ctx, channel, snap.ID, detail); err != nil {
		s.logger.WarnContext(ctx, "market_service: audit log failed",
			slog.String("market_id", snap.ID), slog.String("event", channel), slog.String("error", err.Error()))
	}
	s.notify(ctx, event, snap)
}

func (s *MarketService) cacheSet(ctx context.Context, snap market.Snapshot) {
	if err := s.cache.Set(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.String("market_id", snap.ID), slog.String("error", err.Error()))
	}
}

func (s *MarketService) publish(ctx context.Context, channel string, evt domain.MarketEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.ErrorContext(ctx, "market_service: marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := errors.Join(
		s.bus.Publish(ctx, channel, payload),
		s.bus.StreamAppend(ctx, domain.StreamMarketEvents, payload),
	); err != nil {
		s.logger.WarnContext(ctx, "market_service: publish failed",
			slog.String("channel", channel), slog.String("market_id", evt.MarketID), slog.String("error", err.Error()))
	}
}

func (s *MarketService) notify(ctx context.Context, event string, snap market.Snapshot) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyMarket(ctx, event, snap); err != nil {
		s.logger.WarnContext(ctx, "market_service: notify failed",
			slog.String("market_id", snap.ID), slog.String("event", event), slog.String("error", err.Error()))
	}
}
