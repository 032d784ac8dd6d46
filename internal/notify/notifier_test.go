package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nostrmarket/internal/market"
)

type recordingSender struct {
	name string
	err  error
	got  []Message
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func settledSnapshot() market.Snapshot {
	return market.Snapshot{
		ID:             "0123456789abcdef",
		Question:       "Will it rain?",
		OutcomeA:       "Yes",
		OutcomeB:       "No",
		TotalAmount:    80000,
		OddsA:          decimal.RequireFromString("62.5"),
		OddsB:          decimal.RequireFromString("37.5"),
		Settled:        true,
		WinningOutcome: market.OutcomeA,
	}
}

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventMarketSettled, " "}, slog.New(slog.DiscardHandler))

	require.NoError(t, n.NotifyMarket(context.Background(), EventBetPlaced, settledSnapshot()))
	assert.Empty(t, s.got)

	require.NoError(t, n.NotifyMarket(context.Background(), EventMarketSettled, settledSnapshot()))
	require.Len(t, s.got, 1)
	assert.Equal(t, "Market 0123456789abcdef settled", s.got[0].Title)
	assert.Contains(t, s.got[0].Fields, Field{"Winner", "A (Yes)"})
}

func TestNotifier_EmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, slog.New(slog.DiscardHandler))
	for _, e := range []string{EventMarketCreated, EventBetPlaced, EventMarketSettled, EventAwaitingSettlement} {
		require.NoError(t, n.NotifyMarket(context.Background(), e, settledSnapshot()))
	}
	assert.Len(t, s.got, 4)
}

func TestNotifier_JoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, slog.New(slog.DiscardHandler))

	err := n.Notify(context.Background(), Message{Event: EventBetPlaced, Title: "t"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.got, 1, "a failing sender does not block the others")
}

func TestNotifier_NilIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled(EventBetPlaced))
}

func TestRenderMarket_BetPlacedShowsOdds(t *testing.T) {
	msg := RenderMarket(EventBetPlaced, settledSnapshot())
	assert.Contains(t, msg.Fields, Field{"Odds", "Yes 62.50% / No 37.50%"})
	assert.Contains(t, msg.Fields, Field{"Pool", "80000 sats"})
}

func TestDiscordSender_PostsEmbed(t *testing.T) {
	var payload struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), RenderMarket(EventMarketSettled, settledSnapshot())))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, discordColors[EventMarketSettled], payload.Embeds[0].Color)
	assert.Equal(t, "Will it rain?", payload.Embeds[0].Description)
}

func TestDiscordSender_ReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestTelegramSender_SendMessage(t *testing.T) {
	var path string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramSender("123:abc", "42")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(context.Background(), Message{Title: "Title", Body: "body", Fields: []Field{{"K", "V"}}}))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Equal(t, "Title\nbody\nK: V", payload["text"])
}
