package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// Settler is the part of MarketService the watcher drives.
type Settler interface {
	Settle(ctx context.Context, id string, att market.Attestation, o market.Outcome) (market.Snapshot, error)
}

// SettlementWatcher turns oracle events from the attestation feed into
// settlement attempts. Verification is left entirely to the market.
type SettlementWatcher struct {
	settler Settler
	logger  *slog.Logger
}

func NewSettlementWatcher(settler Settler, logger *slog.Logger) *SettlementWatcher {
	return &SettlementWatcher{
		settler: settler,
		logger:  logger.With(slog.String("component", "settlement_watcher")),
	}
}

// HandleEvent has the signature of feed.AttestationHandler. It returns an
// error only when the same event may succeed later: a held lock, a market not
// yet open for settlement, or a storage failure.
func (w *SettlementWatcher) HandleEvent(ctx context.Context, evt nostr.Event) error {
	att := market.NewAttestation(evt)
	id, outcome, ok := resolveAttestation(att)
	if !ok {
		w.logger.DebugContext(ctx, "settlement_watcher: event names no market", slog.String("event_id", evt.ID))
		return nil
	}
	log := w.logger.With(slog.String("market_id", id), slog.String("event_id", evt.ID), slog.String("outcome", outcome.String()))

	_, err := w.settler.Settle(ctx, id, att, outcome)
	switch {
	case err == nil:
		log.InfoContext(ctx, "settlement_watcher: market settled from relay")
	case errors.Is(err, market.ErrAlreadySettled):
		log.DebugContext(ctx, "settlement_watcher: market already settled")
	case errors.Is(err, domain.ErrNotFound):
		log.DebugContext(ctx, "settlement_watcher: attestation for unknown market")
	case errors.Is(err, market.ErrInvalidAttestation), errors.Is(err, market.ErrInvalidOutcome):
		log.WarnContext(ctx, "settlement_watcher: rejected attestation", slog.String("error", err.Error()))
	case errors.Is(err, market.ErrNotOpen), errors.Is(err, domain.ErrLockHeld):
		log.WarnContext(ctx, "settlement_watcher: settlement deferred", slog.String("error", err.Error()))
		return err
	default:
		log.ErrorContext(ctx, "settlement_watcher: settle failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// resolveAttestation finds the market id and outcome an event speaks about,
// preferring its tags over the "{id}:{outcome}:{ts}" content.
func resolveAttestation(att market.Attestation) (string, market.Outcome, bool) {
	parts := strings.Split(att.Event.Content, ":")

	id := strings.ToLower(strings.TrimSpace(att.Tag(market.TagMarket)))
	if id == "" && len(parts) == 3 {
		id = strings.ToLower(parts[0])
	}
	if len(id) != market.IDLength {
		return "", "", false
	}

	raw := att.Tag(market.TagOutcome)
	if raw == "" && len(parts) == 3 {
		raw = parts[1]
	}
	o, err := market.ParseOutcome(raw)
	if err != nil {
		return "", "", false
	}
	return id, o, true
}
