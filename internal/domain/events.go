package domain

import (
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/market"
)

// Signal bus channels. The websocket hub subscribes to the "market.*" pattern.
const (
	ChannelMarketCreated      = "market.created"
	ChannelBetPlaced          = "market.bet_placed"
	ChannelMarketSettled      = "market.settled"
	ChannelAwaitingSettlement = "market.awaiting_settlement"
	ChannelMarketPattern      = "market.*"

	// StreamMarketEvents is the durable log of every published event.
	StreamMarketEvents = "market_events"
)

// MarketEvent is the payload published on the signal bus.
type MarketEvent struct {
	Type     string           `json:"type"`
	MarketID string           `json:"market_id"`
	Snapshot *market.Snapshot `json:"snapshot,omitempty"`
	Bet      *market.Bet      `json:"bet,omitempty"`
	At       time.Time        `json:"at"`
}
