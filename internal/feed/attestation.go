// Package feed streams oracle attestation events from Nostr relays.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nostrmarket/internal/relay"
)

const (
	connectTimeout    = 15 * time.Second
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 60 * time.Second

	defaultKind = 1

	// seenCapacity bounds the cross-relay dedup set.
	seenCapacity = 4096
)

// AttestationHandler receives each distinct, correctly signed oracle event.
// A non-nil error means the event was not processed; the feed then forgets
// it so a later copy from any relay is delivered again.
type AttestationHandler func(ctx context.Context, evt nostr.Event) error

// Config selects the relays and the events to follow.
type Config struct {
	Relays       []string
	OraclePubKey string
	Kind         int
	// Lookback sets how far before start-up the subscription reaches back.
	Lookback time.Duration
}

// AttestationFeed subscribes to every configured relay and forwards events
// authored by the oracle to a single handler, dropping duplicates relayed by
// more than one relay.
type AttestationFeed struct {
	cfg     Config
	handler AttestationHandler
	logger  *slog.Logger
	now     func() time.Time
	dial    func(url string, logger *slog.Logger) relayConn

	seen *seenSet
}

// relayConn is the part of *relay.Client the feed drives.
type relayConn interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, subID string, filters ...nostr.Filter) error
	OnEvent(h relay.EventHandler)
	Close() error
}

func NewAttestationFeed(cfg Config, handler AttestationHandler, logger *slog.Logger) *AttestationFeed {
	if cfg.Kind == 0 {
		cfg.Kind = defaultKind
	}
	return &AttestationFeed{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(slog.String("component", "attestation_feed")),
		now:     time.Now,
		dial: func(url string, logger *slog.Logger) relayConn {
			return relay.NewClient(url, logger)
		},
		seen: newSeenSet(seenCapacity),
	}
}

// Filter is the subscription filter sent to every relay.
func (f *AttestationFeed) Filter() nostr.Filter {
	filter := nostr.Filter{
		Kinds:   []int{f.cfg.Kind},
		Authors: []string{strings.ToLower(f.cfg.OraclePubKey)},
	}
	if f.cfg.Lookback > 0 {
		since := nostr.Timestamp(f.now().Add(-f.cfg.Lookback).Unix())
		filter.Since = &since
	}
	return filter
}

// Run blocks until ctx is cancelled, one goroutine per relay.
func (f *AttestationFeed) Run(ctx context.Context) error {
	if len(f.cfg.Relays) == 0 {
		return errors.New("feed: no relays configured")
	}
	if f.cfg.OraclePubKey == "" {
		return errors.New("feed: oracle pubkey is required")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range f.cfg.Relays {
		g.Go(func() error { return f.runRelay(gctx, url) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (f *AttestationFeed) runRelay(ctx context.Context, url string) error {
	logger := f.logger.With(slog.String("relay", url))
	client := f.dial(url, f.logger)
	defer client.Close()

	client.OnEvent(func(_ string, evt nostr.Event) {
		f.deliver(ctx, url, evt)
	})

	delay := initialRetryDelay
	for {
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := client.Connect(connCtx)
		cancel()
		if err == nil {
			break
		}
		logger.Warn("feed: relay connect failed", slog.String("error", err.Error()), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}

	subID := "attest-" + uuid.NewString()[:8]
	if err := client.Subscribe(ctx, subID, f.Filter()); err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", url, err)
	}
	logger.Info("feed: subscribed", slog.String("sub", subID), slog.Int("kind", f.cfg.Kind))

	<-ctx.Done()
	return ctx.Err()
}

// deliver drops events that are not from the oracle, do not carry a valid
// id and signature, or were already seen. Only verified events enter the
// seen set.
func (f *AttestationFeed) deliver(ctx context.Context, url string, evt nostr.Event) {
	if evt.Kind != f.cfg.Kind || !strings.EqualFold(evt.PubKey, f.cfg.OraclePubKey) {
		f.logger.Debug("feed: ignoring foreign event", slog.String("relay", url), slog.String("event_id", evt.ID))
		return
	}
	if !verified(evt) {
		f.logger.Warn("feed: dropping event with bad id or signature", slog.String("relay", url), slog.String("event_id", evt.ID))
		return
	}
	if !f.seen.add(evt.ID) {
		return
	}
	if err := f.handler(ctx, evt); err != nil {
		f.seen.remove(evt.ID)
		f.logger.Warn("feed: event not processed, will accept it again",
			slog.String("relay", url), slog.String("event_id", evt.ID), slog.String("error", err.Error()))
	}
}

func verified(evt nostr.Event) bool {
	if !strings.EqualFold(evt.GetID(), evt.ID) {
		return false
	}
	ok, err := evt.CheckSignature()
	return err == nil && ok
}

// seenSet remembers the most recent event ids, evicting the oldest first.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, capacity), order: make([]string, capacity)}
}

// add reports whether id was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = struct{}{}
	return true
}

// remove forgets id so the next add of it reports true.
func (s *seenSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; !ok {
		return
	}
	delete(s.ids, id)
	for i, v := range s.order {
		if v == id {
			s.order[i] = ""
			break
		}
	}
}
