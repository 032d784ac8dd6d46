// Package notify sends market lifecycle alerts to Telegram and Discord.
// Operators choose which event types are forwarded.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// Event types accepted in the notify.events config list.
const (
	EventMarketCreated      = "market_created"
	EventBetPlaced          = "bet_placed"
	EventMarketSettled      = "market_settled"
	EventAwaitingSettlement = "awaiting_settlement"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Message is a rendered notification.
type Message struct {
	Event  string
	Title  string
	Body   string
	Fields []Field
}

// Field is a labelled value shown under the body.
type Field struct {
	Name  string
	Value string
}

// Notifier fans a message out to every sender. An empty event list lets all
// events through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would be delivered.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// NotifyMarket renders snap for event and delivers it.
func (n *Notifier) NotifyMarket(ctx context.Context, event string, snap market.Snapshot) error {
	if !n.Enabled(event) {
		return nil
	}
	return n.dispatch(ctx, RenderMarket(event, snap))
}

// Notify delivers an already rendered message.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if !n.Enabled(msg.Event) {
		return nil
	}
	return n.dispatch(ctx, msg)
}

// dispatch tries every sender and joins their failures.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent", slog.String("sender", s.Name()), slog.String("event", msg.Event))
	}
	return errors.Join(errs...)
}

// RenderMarket builds the message for a market event.
func RenderMarket(event string, snap market.Snapshot) Message {
	msg := Message{Event: event, Body: snap.Question}
	switch event {
	case EventMarketCreated:
		msg.Title = "New market " + snap.ID
		msg.Fields = []Field{
			{"Outcomes", snap.OutcomeA + " / " + snap.OutcomeB},
			{"Address", snap.Address},
			{"Settles at", fmt.Sprintf("%d", snap.SettlementTime)},
		}
	case EventBetPlaced:
		msg.Title = "Bet placed on " + snap.ID
		msg.Fields = []Field{
			{"Pool", fmt.Sprintf("%d sats", snap.TotalAmount)},
			{"Odds", fmt.Sprintf("%s %s%% / %s %s%%", snap.OutcomeA, snap.OddsA.StringFixed(2), snap.OutcomeB, snap.OddsB.StringFixed(2))},
		}
	case EventMarketSettled:
		msg.Title = "Market " + snap.ID + " settled"
		winner := string(snap.WinningOutcome)
		if snap.WinningOutcome == market.OutcomeA {
			winner += " (" + snap.OutcomeA + ")"
		} else if snap.WinningOutcome == market.OutcomeB {
			winner += " (" + snap.OutcomeB + ")"
		}
		msg.Fields = []Field{
			{"Winner", winner},
			{"Pool", fmt.Sprintf("%d sats", snap.TotalAmount)},
			{"Payouts", fmt.Sprintf("%d", len(snap.Payouts))},
		}
	case EventAwaitingSettlement:
		msg.Title = "Market " + snap.ID + " awaits attestation"
		msg.Fields = []Field{
			{"Oracle", snap.OraclePubKey},
			{"Pool", fmt.Sprintf("%d sats", snap.TotalAmount)},
		}
	default:
		msg.Title = event + " " + snap.ID
	}
	return msg
}

// plainText renders msg as markdown-free lines.
func plainText(msg Message) string {
	var b strings.Builder
	b.WriteString(msg.Body)
	for _, f := range msg.Fields {
		b.WriteString("\n")
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}
