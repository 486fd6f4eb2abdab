package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aaronwang/bidding-app/internal/bidstream"
	"github.com/aaronwang/bidding-app/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Manager manages all websocket connections and their rooms. Every change
// to membership and every broadcast goes through Run, so clients of one
// room see its events in publish order.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	// rooms is written only by Run; mu lets stats readers look in
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	membership chan membershipChange
	broadcast  chan *BroadcastMessage
	done       chan struct{}
}

// Client represents a websocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// rooms and closed are owned by the manager's Run loop
	rooms  map[string]struct{}
	closed bool
}

// NewClient wraps an upgraded connection
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:    id,
		Conn:  conn,
		Send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
}

// BroadcastMessage represents an event to send to everyone in a room
type BroadcastMessage struct {
	ItemID  string
	Payload []byte
}

type membershipChange struct {
	client *Client
	room   string
	join   bool
}

// NewManager creates a new websocket manager. m may be nil.
func NewManager(logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:     logger.With("component", "relay_manager"),
		metrics:    m,
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		membership: make(chan membershipChange),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the manager's main loop and returns when ctx is cancelled,
// after closing every client.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	clients := make(map[*Client]struct{})

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				m.removeClient(c)
			}
			return

		case c := <-m.register:
			clients[c] = struct{}{}
			if m.metrics != nil {
				m.metrics.RelayConnections.Inc()
			}
			m.logger.Debug("client_registered", "client_id", c.ID)

		case c := <-m.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				m.removeClient(c)
			}

		case ch := <-m.membership:
			if _, ok := clients[ch.client]; !ok {
				continue
			}
			if ch.join {
				m.joinRoom(ch.client, ch.room)
			} else {
				m.leaveRoom(ch.client, ch.room)
			}

		case msg := <-m.broadcast:
			for _, c := range m.broadcastToItem(msg.ItemID, msg.Payload) {
				delete(clients, c)
			}
		}
	}
}

// RegisterClient adds a client to the manager
func (m *Manager) RegisterClient(c *Client) bool {
	select {
	case m.register <- c:
		return true
	case <-m.done:
		return false
	}
}

// UnregisterClient removes a client and closes its send channel
func (m *Manager) UnregisterClient(c *Client) {
	select {
	case m.unregister <- c:
	case <-m.done:
	}
}

// Join adds c to room
func (m *Manager) Join(c *Client, room string) {
	select {
	case m.membership <- membershipChange{client: c, room: room, join: true}:
	case <-m.done:
	}
}

// Leave removes c from room
func (m *Manager) Leave(c *Client, room string) {
	select {
	case m.membership <- membershipChange{client: c, room: room}:
	case <-m.done:
	}
}

// Broadcast sends an event payload to every client in the item's room
func (m *Manager) Broadcast(itemID string, payload []byte) {
	select {
	case m.broadcast <- &BroadcastMessage{ItemID: itemID, Payload: payload}:
	case <-m.done:
	}
}

// GetSubscriberCount returns the number of clients in an item's room
func (m *Manager) GetSubscriberCount(itemID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[itemID])
}

func (m *Manager) joinRoom(c *Client, room string) {
	m.mu.Lock()
	members, ok := m.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		m.rooms[room] = members
	}
	members[c] = struct{}{}
	m.mu.Unlock()

	c.rooms[room] = struct{}{}
	m.enqueue(c, bidstream.Frame{Type: bidstream.FrameJoined, Room: room})
	m.logger.Debug("client_joined", "client_id", c.ID, "room", room)
}

func (m *Manager) leaveRoom(c *Client, room string) {
	m.mu.Lock()
	if members, ok := m.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	m.mu.Unlock()

	delete(c.rooms, room)
	m.enqueue(c, bidstream.Frame{Type: bidstream.FrameLeft, Room: room})
	m.logger.Debug("client_left", "client_id", c.ID, "room", room)
}

// removeClient drops c from every room and closes its send channel once
func (m *Manager) removeClient(c *Client) {
	if c.closed {
		return
	}
	c.closed = true

	m.mu.Lock()
	for room := range c.rooms {
		if members, ok := m.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(m.rooms, room)
			}
		}
	}
	m.mu.Unlock()

	close(c.Send)
	if m.metrics != nil {
		m.metrics.RelayConnections.Dec()
	}
	m.logger.Debug("client_unregistered", "client_id", c.ID, "rooms", len(c.rooms))
}

// broadcastToItem sends a bid frame to every client in the room. Clients
// whose buffer is full are disconnected and returned.
func (m *Manager) broadcastToItem(itemID string, payload []byte) []*Client {
	frame, err := json.Marshal(bidstream.Frame{Type: bidstream.FrameBid, Room: itemID, Data: payload})
	if err != nil {
		m.logger.Warn("frame_encode_failed", "room", itemID, "error", err)
		return nil
	}

	m.mu.RLock()
	members := make([]*Client, 0, len(m.rooms[itemID]))
	for c := range m.rooms[itemID] {
		members = append(members, c)
	}
	m.mu.RUnlock()

	var dropped []*Client
	for _, c := range members {
		select {
		case c.Send <- frame:
		default:
			m.logger.Warn("slow_client_dropped", "client_id", c.ID, "room", itemID)
			m.removeClient(c)
			dropped = append(dropped, c)
			if m.metrics != nil {
				m.metrics.RelayDropped.Inc()
			}
		}
	}

	if m.metrics != nil {
		m.metrics.RelayBroadcasts.Inc()
	}
	m.logger.Debug("broadcast", "room", itemID, "clients", len(members)-len(dropped))
	return dropped
}

// enqueue sends a control frame without blocking the loop
func (m *Manager) enqueue(c *Client, f bidstream.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// writePump pumps messages from the Send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles join and leave frames until the connection fails
func (c *Client) readPump(m *Manager) {
	defer m.UnregisterClient(c)

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("websocket_read_failed", "client_id", c.ID, "error", err)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var f bidstream.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Room == "" {
			m.logger.Debug("client_frame_ignored", "client_id", c.ID)
			continue
		}
		switch f.Type {
		case bidstream.FrameJoin:
			m.Join(c, f.Room)
		case bidstream.FrameLeave:
			m.Leave(c, f.Room)
		}
	}
}
