package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// memStore keeps what the postgres store keeps: parameters, the bet log and
// the settlement.
type memStore struct {
	mu       sync.Mutex
	markets  map[string]*market.Snapshot
	archived map[string]bool
	order    []string
}

func newMemStore() *memStore {
	return &memStore{markets: map[string]*market.Snapshot{}, archived: map[string]bool{}}
}

func (s *memStore) Insert(_ context.Context, snap market.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[snap.ID]; ok {
		return domain.ErrAlreadyExists
	}
	stored := market.Snapshot{
		ID:             snap.ID,
		Question:       snap.Question,
		OutcomeA:       snap.OutcomeA,
		OutcomeB:       snap.OutcomeB,
		OraclePubKey:   snap.OraclePubKey,
		SettlementTime: snap.SettlementTime,
		Network:        snap.Network,
		Address:        snap.Address,
		BetsA:          append([]market.Bet(nil), snap.BetsA...),
		BetsB:          append([]market.Bet(nil), snap.BetsB...),
		TotalAmount:    snap.TotalAmount,
	}
	s.markets[snap.ID] = &stored
	s.order = append(s.order, snap.ID)
	return nil
}

func (s *memStore) AppendBet(_ context.Context, id string, seq int, bet market.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if seq != len(m.BetsA)+len(m.BetsB) {
		return domain.ErrAlreadyExists
	}
	if bet.Outcome == market.OutcomeA {
		m.BetsA = append(m.BetsA, bet)
	} else {
		m.BetsB = append(m.BetsB, bet)
	}
	m.TotalAmount += bet.Amount
	return nil
}

func (s *memStore) MarkSettled(_ context.Context, id string, st market.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Settled {
		return market.ErrAlreadySettled
	}
	m.Settled = true
	m.WinningOutcome = st.Outcome
	m.Settlement = &st
	return nil
}

func (s *memStore) MarkArchived(_ context.Context, ids []string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.archived[id] = true
	}
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return market.Snapshot{}, domain.ErrNotFound
	}
	return clone(*m), nil
}

func (s *memStore) List(_ context.Context, opts domain.ListOpts) ([]market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.Snapshot
	for _, id := range s.order {
		m := s.markets[id]
		if opts.Settled != nil && m.Settled != *opts.Settled {
			continue
		}
		out = append(out, clone(*m))
	}
	return out, nil
}

func (s *memStore) ListSettledBefore(context.Context, time.Time, int) ([]market.Snapshot, error) {
	return nil, nil
}

func (s *memStore) ListUnsettled(_ context.Context, dueBy time.Time) ([]market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.Snapshot
	for _, id := range s.order {
		m := s.markets[id]
		if !m.Settled && m.SettlementTime <= dueBy.Unix() {
			out = append(out, clone(*m))
		}
	}
	return out, nil
}

func clone(s market.Snapshot) market.Snapshot {
	data, _ := json.Marshal(s)
	var out market.Snapshot
	_ = json.Unmarshal(data, &out)
	return out
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event, marketID string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, MarketID: marketID, Detail: detail})
	return nil
}

func (a *memAudit) List(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.MarketID == marketID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *memAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

type memCache struct {
	mu    sync.Mutex
	snaps map[string]market.Snapshot
}

func newMemCache() *memCache { return &memCache{snaps: map[string]market.Snapshot{}} }

func (c *memCache) Set(_ context.Context, snap market.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.ID] = snap
	return nil
}

func (c *memCache) Get(_ context.Context, id string) (market.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[id]
	if !ok {
		return market.Snapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, id)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: map[string]bool{}} }

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type published struct {
	channel string
	event   domain.MarketEvent
}

type memBus struct {
	mu     sync.Mutex
	pubs   []published
	stream int
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	var evt domain.MarketEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, published{channel: channel, event: evt})
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream++
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.pubs))
	for i, p := range b.pubs {
		out[i] = p.channel
	}
	return out
}

type memNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *memNotifier) NotifyMarket(_ context.Context, event string, _ market.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *memNotifier) sorted() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]string(nil), n.events...)
	sort.Strings(out)
	return out
}
