package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nostrmarket/internal/relay"
)

var (
	oracleSecret = nostr.GeneratePrivateKey()
	oraclePub, _ = nostr.GetPublicKey(oracleSecret)
)

func signed(t *testing.T, content string) nostr.Event {
	t.Helper()
	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Timestamp(1_900_000_000), Content: content, Tags: nostr.Tags{}}
	require.NoError(t, evt.Sign(oracleSecret))
	return evt
}

type fakeRelay struct {
	mu          sync.Mutex
	failConnect int
	handler     relay.EventHandler
	filters     []nostr.Filter
	subscribed  chan struct{}
}

func (r *fakeRelay) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failConnect > 0 {
		r.failConnect--
		return errors.New("dial refused")
	}
	return nil
}

func (r *fakeRelay) Subscribe(_ context.Context, _ string, filters ...nostr.Filter) error {
	r.mu.Lock()
	r.filters = filters
	r.mu.Unlock()
	close(r.subscribed)
	return nil
}

func (r *fakeRelay) OnEvent(h relay.EventHandler) { r.handler = h }
func (r *fakeRelay) Close() error                 { return nil }

func (r *fakeRelay) emit(evt nostr.Event) { r.handler("sub", evt) }

func newTestFeed(t *testing.T, relays map[string]*fakeRelay) (*AttestationFeed, <-chan nostr.Event) {
	t.Helper()
	return newTestFeedWithHandler(t, relays, nil)
}

// newTestFeedWithHandler delivers into the returned channel after fail, when
// set, has accepted the event.
func newTestFeedWithHandler(t *testing.T, relays map[string]*fakeRelay, fail func(nostr.Event) error) (*AttestationFeed, <-chan nostr.Event) {
	t.Helper()
	urls := make([]string, 0, len(relays))
	for u := range relays {
		urls = append(urls, u)
	}
	got := make(chan nostr.Event, 16)
	f := NewAttestationFeed(Config{
		Relays:       urls,
		OraclePubKey: strings.ToUpper(oraclePub),
		Lookback:     time.Hour,
	}, func(_ context.Context, evt nostr.Event) error {
		if fail != nil {
			if err := fail(evt); err != nil {
				return err
			}
		}
		got <- evt
		return nil
	}, slog.New(slog.DiscardHandler))
	f.now = func() time.Time { return time.Unix(1_900_000_000, 0) }
	f.dial = func(url string, _ *slog.Logger) relayConn { return relays[url] }
	return f, got
}

func TestAttestationFeed_DeduplicatesAcrossRelays(t *testing.T) {
	a := &fakeRelay{subscribed: make(chan struct{})}
	b := &fakeRelay{subscribed: make(chan struct{})}
	f, got := newTestFeed(t, map[string]*fakeRelay{"wss://a": a, "wss://b": b})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	<-a.subscribed
	<-b.subscribed

	evt := signed(t, "x")
	a.emit(evt)
	b.emit(evt)
	a.emit(nostr.Event{ID: strings.Repeat("02", 32), PubKey: strings.Repeat("cd", 32), Kind: 1})
	a.emit(nostr.Event{ID: strings.Repeat("03", 32), PubKey: oraclePub, Kind: 7})
	a.emit(nostr.Event{ID: strings.Repeat("04", 32), PubKey: oraclePub, Kind: 1, Content: "unsigned"})

	select {
	case e := <-got:
		assert.Equal(t, evt.ID, e.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, got)

	cancel()
	require.NoError(t, <-done)
}

func TestAttestationFeed_ForgedCopyDoesNotShadowGenuine(t *testing.T) {
	f, got := newTestFeed(t, map[string]*fakeRelay{"wss://a": {}, "wss://b": {}})
	ctx := context.Background()
	genuine := signed(t, "abcdef0123456789:A:1900000000")

	badSig := genuine
	badSig.Sig = strings.Repeat("00", 64)
	f.deliver(ctx, "wss://a", badSig)

	// Same id, different content: the id no longer matches the event.
	badBody := genuine
	badBody.Content = "abcdef0123456789:B:1900000000"
	f.deliver(ctx, "wss://a", badBody)
	assert.Empty(t, got)

	f.deliver(ctx, "wss://b", genuine)
	require.Len(t, got, 1)
	e := <-got
	assert.Equal(t, genuine.Content, e.Content)
	assert.Equal(t, genuine.Sig, e.Sig)
}

func TestAttestationFeed_RedeliversAfterHandlerFailure(t *testing.T) {
	var attempts int
	f, got := newTestFeedWithHandler(t, map[string]*fakeRelay{"wss://a": {}}, func(nostr.Event) error {
		attempts++
		if attempts == 1 {
			return errors.New("lock held")
		}
		return nil
	})
	ctx := context.Background()
	evt := signed(t, "x")

	f.deliver(ctx, "wss://a", evt)
	assert.Empty(t, got)

	f.deliver(ctx, "wss://a", evt)
	require.Len(t, got, 1)
	f.deliver(ctx, "wss://a", evt)
	assert.Len(t, got, 1, "a handled event stays deduplicated")
	assert.Equal(t, 2, attempts)
}

func TestAttestationFeed_Filter(t *testing.T) {
	f, _ := newTestFeed(t, map[string]*fakeRelay{"wss://a": {}})
	filter := f.Filter()
	assert.Equal(t, []int{1}, filter.Kinds)
	assert.Equal(t, []string{oraclePub}, filter.Authors)
	require.NotNil(t, filter.Since)
	assert.EqualValues(t, 1_900_000_000-3600, *filter.Since)
}

func TestAttestationFeed_RequiresRelays(t *testing.T) {
	f := NewAttestationFeed(Config{OraclePubKey: oraclePub}, func(context.Context, nostr.Event) error { return nil }, slog.New(slog.DiscardHandler))
	assert.Error(t, f.Run(context.Background()))
}

func TestSeenSet_EvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.add("a"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.True(t, s.add("c"))
	assert.True(t, s.add("a"), "a was evicted by c")
	assert.False(t, s.add("c"))

	s.remove("c")
	assert.True(t, s.add("c"))
	s.remove("missing")
}
