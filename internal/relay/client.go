// Package relay is a Nostr relay websocket client. It speaks the NIP-01
// REQ/EVENT/EOSE/CLOSE framing and reconnects on its own, restoring open
// subscriptions.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	handshakeTimeout  = 15 * time.Second
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// EventHandler receives every event delivered for any subscription.
type EventHandler func(subID string, evt nostr.Event)

// EOSEHandler is told when a subscription has replayed stored events.
type EOSEHandler func(subID string)

// Client is a connection to one relay.
type Client struct {
	url    string
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	subs   map[string]nostr.Filters

	writeMu sync.Mutex

	handlerMu     sync.RWMutex
	eventHandlers []EventHandler
	eoseHandlers  []EOSEHandler

	done chan struct{}

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewClient creates a client for url, e.g. "wss://relay.damus.io".
func NewClient(url string, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		logger: logger.With(slog.String("component", "relay"), slog.String("relay", url)),
		subs:   make(map[string]nostr.Filters),
		done:   make(chan struct{}),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
			conn, _, err := dialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// URL returns the relay address.
func (c *Client) URL() string { return c.url }

// Connect dials the relay, re-sends open subscriptions and then starts the
// read and ping loops. On error no connection is left behind.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("relay: %w", domain.ErrWSDisconnect)
	}

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("relay: connect %s: %w", c.url, err)
	}

	for id, filters := range c.subs {
		data, err := encodeReq(id, filters)
		if err == nil {
			err = c.write(conn, data)
		}
		if err != nil {
			_ = conn.Close()
			c.conn = nil
			return fmt.Errorf("relay: restore subscription %s: %w", id, err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Subscribe opens subscription subID. Re-using an id replaces its filters.
func (c *Client) Subscribe(ctx context.Context, subID string, filters ...nostr.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("relay: subscribe %s: no filters", subID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("relay: subscribe %s: not connected", subID)
	}
	data, err := encodeReq(subID, filters)
	if err != nil {
		return fmt.Errorf("relay: encode REQ: %w", err)
	}
	if err := c.write(c.conn, data); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", subID, err)
	}
	c.subs[subID] = filters
	return nil
}

// Unsubscribe closes subID.
func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs, subID)
	if c.conn == nil {
		return nil
	}
	data, err := encodeClose(subID)
	if err != nil {
		return err
	}
	return c.write(c.conn, data)
}

// Publish sends an event to the relay. The relay's OK reply is logged.
func (c *Client) Publish(ctx context.Context, evt nostr.Event) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("relay: publish: not connected")
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return fmt.Errorf("relay: encode EVENT: %w", err)
	}
	return c.write(conn, data)
}

// OnEvent registers a handler for incoming events.
func (c *Client) OnEvent(h EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.eventHandlers = append(c.eventHandlers, h)
}

// OnEOSE registers a handler for end-of-stored-events markers.
func (c *Client) OnEOSE(h EOSEHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.eoseHandlers = append(c.eoseHandlers, h)
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("relay: read failed, reconnecting", slog.String("error", err.Error()))
			c.reconnect()
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		c.logger.Debug("relay: dropping frame", slog.String("error", err.Error()))
		return
	}

	switch f.Label {
	case labelEvent:
		c.handlerMu.RLock()
		handlers := c.eventHandlers
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(f.SubID, *f.Event)
		}
	case labelEOSE:
		c.handlerMu.RLock()
		handlers := c.eoseHandlers
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(f.SubID)
		}
	case labelNotice:
		c.logger.Info("relay: notice", slog.String("message", f.Message))
	case labelClosed:
		c.logger.Warn("relay: subscription closed by relay",
			slog.String("sub", f.SubID), slog.String("reason", f.Message))
	case labelOK:
		c.logger.Debug("relay: publish acknowledged",
			slog.String("event_id", f.SubID), slog.Bool("accepted", f.OK), slog.String("message", f.Message))
	}
}

// reconnect redials with exponential backoff until it succeeds or the client
// is closed.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	delay := reconnectDelay
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("relay: reconnected")
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
