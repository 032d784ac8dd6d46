package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
	"github.com/alanyoungcy/nostrmarket/internal/notify"
)

// SettlementSweeper reports markets whose settlement time has passed without
// an accepted attestation. Each market is announced once per process.
type SettlementSweeper struct {
	markets  domain.MarketStore
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	announced map[string]struct{}
}

func NewSettlementSweeper(markets domain.MarketStore, bus domain.SignalBus, notifier Notifier, logger *slog.Logger) *SettlementSweeper {
	return &SettlementSweeper{
		markets:   markets,
		bus:       bus,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "settlement_sweeper")),
		now:       time.Now,
		announced: make(map[string]struct{}),
	}
}

// SweepAwaitingSettlement announces newly overdue markets and returns how
// many it announced.
func (s *SettlementSweeper) SweepAwaitingSettlement(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.markets.ListUnsettled(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("settlement_sweeper: list unsettled: %w", err)
	}

	var n int
	for _, stored := range due {
		if !s.markOnce(stored.ID) {
			continue
		}
		m, err := market.Restore(stored)
		if err != nil {
			s.logger.ErrorContext(ctx, "settlement_sweeper: stored market does not restore",
				slog.String("market_id", stored.ID), slog.String("error", err.Error()))
			continue
		}
		snap := m.Snapshot(now)
		if snap.Status != market.StatusAwaitingSettlement {
			continue
		}

		s.logger.InfoContext(ctx, "settlement_sweeper: market awaiting attestation",
			slog.String("market_id", snap.ID),
			slog.Int64("settlement_time", snap.SettlementTime),
			slog.Uint64("pool", snap.TotalAmount),
		)
		payload, err := json.Marshal(domain.MarketEvent{
			Type:     notify.EventAwaitingSettlement,
			MarketID: snap.ID,
			Snapshot: &snap,
			At:       now.UTC(),
		})
		if err == nil {
			if err := s.bus.Publish(ctx, domain.ChannelAwaitingSettlement, payload); err != nil {
				s.logger.WarnContext(ctx, "settlement_sweeper: publish failed", slog.String("error", err.Error()))
			}
		}
		if s.notifier != nil {
			if err := s.notifier.NotifyMarket(ctx, notify.EventAwaitingSettlement, snap); err != nil {
				s.logger.WarnContext(ctx, "settlement_sweeper: notify failed", slog.String("error", err.Error()))
			}
		}
		n++
	}
	return n, nil
}

func (s *SettlementSweeper) markOnce(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.announced[id]; ok {
		return false
	}
	s.announced[id] = struct{}{}
	return true
}

// ArchiveJob moves markets settled longer than retention ago to object
// storage.
type ArchiveJob struct {
	archiver  domain.Archiver
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewArchiveJob(archiver domain.Archiver, retention time.Duration, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:  archiver,
		retention: retention,
		logger:    logger.With(slog.String("component", "archive_job")),
		now:       time.Now,
	}
}

// ArchiveSettled runs one archive pass.
func (j *ArchiveJob) ArchiveSettled(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.archiver.ArchiveSettled(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archive_job: %w", err)
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "archive_job: archived settled markets",
			slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}
