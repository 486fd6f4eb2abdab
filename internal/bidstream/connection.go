// Package bidstream keeps one live bid stream connection per process and
// multiplexes per-product subscriptions over it.
package bidstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aaronwang/bidding-app/internal/models"
)

// ErrClosed is returned by operations on a closed connection or transport
var ErrClosed = errors.New("bid stream closed")

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// Connection owns a Transport and reference-counts product rooms on it.
// Create one per process and share it between views.
type Connection struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	state    connState
	attempt  *openAttempt
	rooms    map[string][]*subscription
	nextID   uint64
	onRejoin map[uint64]func()
}

type openAttempt struct {
	done chan struct{}
	err  error
}

type subscription struct {
	fn     func(models.BidStreamEvent)
	active atomic.Bool
}

// NewConnection wraps transport. Nothing is opened until the first
// Connect or Subscribe.
func NewConnection(transport Transport, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		transport: transport,
		logger:    logger.With("component", "bid_stream"),
		rooms:     make(map[string][]*subscription),
		onRejoin:  make(map[uint64]func()),
	}
}

// Connect opens the transport if it is not open yet. Concurrent callers
// share a single open attempt.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateConnected:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateConnecting:
		att := c.attempt
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &openAttempt{done: make(chan struct{})}
	c.state = stateConnecting
	c.attempt = att
	c.mu.Unlock()

	err := c.transport.Open(ctx, c)

	c.mu.Lock()
	if c.state == stateClosed {
		if err == nil {
			c.transport.Close()
		}
		err = ErrClosed
	} else if err != nil {
		c.state = stateIdle
		err = fmt.Errorf("failed to open bid stream: %w", err)
	} else {
		c.state = stateConnected
	}
	att.err = err
	c.attempt = nil
	close(att.done)
	c.mu.Unlock()

	if err == nil {
		c.logger.Info("stream_connected")
	}
	return err
}

// Subscribe delivers bid events for productID to fn until the returned
// function is called. The product's room is joined for the first
// subscriber and left after the last one unsubscribes. Once unsubscribe
// returns, fn receives no further events.
func (c *Connection) Subscribe(ctx context.Context, productID string, fn func(models.BidStreamEvent)) (func(), error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	sub := &subscription{fn: fn}
	sub.active.Store(true)

	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	subs, joined := c.rooms[productID]
	if !joined {
		if err := c.transport.Join(productID); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to join room %s: %w", productID, err)
		}
	}
	c.rooms[productID] = append(subs, sub)
	count := len(c.rooms[productID])
	c.mu.Unlock()

	c.logger.Debug("subscribed", "product_id", productID, "subscribers", count)

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(productID, sub) })
	}, nil
}

func (c *Connection) unsubscribe(productID string, sub *subscription) {
	sub.active.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.rooms[productID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) > 0 {
		c.rooms[productID] = subs
		return
	}

	delete(c.rooms, productID)
	if c.state == stateConnected {
		if err := c.transport.Leave(productID); err != nil {
			c.logger.Warn("room_leave_failed", "product_id", productID, "error", err)
		}
	}
}

// OnReconnect registers fn to run after every transport reconnect, once
// all rooms have been rejoined. Consumers use it to refetch state that may
// have been missed during the gap. fn runs on the transport's read path
// and must not block.
func (c *Connection) OnReconnect(fn func()) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.onRejoin[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.onRejoin, id)
		c.mu.Unlock()
	}
}

// Connected reports whether the stream is currently usable
func (c *Connection) Connected() bool {
	c.mu.Lock()
	open := c.state == stateConnected
	c.mu.Unlock()
	return open && c.transport.Connected()
}

// Subscribers returns the number of live subscriptions for productID
func (c *Connection) Subscribers(productID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms[productID])
}

// Close drops every subscription and closes the transport
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state == stateConnected
	c.state = stateClosed
	for _, subs := range c.rooms {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
	c.rooms = make(map[string][]*subscription)
	c.mu.Unlock()

	if wasOpen {
		return c.transport.Close()
	}
	return nil
}

// HandleMessage implements TransportHandler
func (c *Connection) HandleMessage(room string, payload []byte) {
	var wire models.BidEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		c.logger.Warn("bid_event_decode_failed", "room", room, "error", err)
		return
	}
	ev := wire.ToStreamEvent()
	if ev.ProductID == "" {
		ev.ProductID = room
	}

	c.mu.Lock()
	subs := append([]*subscription(nil), c.rooms[ev.ProductID]...)
	c.mu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			s.fn(ev)
		}
	}
}

// HandleReconnect implements TransportHandler. Rooms are rejoined before
// the transport resumes reading, so membership survives the drop.
func (c *Connection) HandleReconnect() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	for _, id := range rooms {
		if err := c.transport.Join(id); err != nil {
			c.logger.Warn("room_rejoin_failed", "product_id", id, "error", err)
		}
	}
	ids := make([]uint64, 0, len(c.onRejoin))
	for id := range c.onRejoin {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.onRejoin[id])
	}
	c.mu.Unlock()

	c.logger.Info("stream_reconnected", "rooms", len(rooms))

	for _, fn := range listeners {
		fn()
	}
}
