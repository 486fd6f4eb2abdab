package bidstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrOutboxFull is returned when frames are produced faster than the socket
// drains them
var ErrOutboxFull = errors.New("bid stream outbox full")

// WSConfig holds tunable parameters for a WSTransport.
type WSConfig struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the longest silence tolerated before the link is
	// considered dead. The relay pings every 54s.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the websocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults matched to the relay's ping interval.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HeartbeatTimeout: 65 * time.Second,
		WriteTimeout:     10 * time.Second,
		BackoffInitial:   250 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSTransport is a Transport over a single gorilla websocket. It redials
// with exponential backoff when the socket drops and tells its handler
// before reading from the new socket.
type WSTransport struct {
	cfg    WSConfig
	logger *slog.Logger

	connected atomic.Bool
	opened    atomic.Bool

	mu   sync.RWMutex
	conn *websocket.Conn

	handler TransportHandler
	outbox  chan []byte

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSTransport creates a transport. Open starts it. Unset or
// non-growing backoff parameters fall back to DefaultWSConfig's.
func NewWSTransport(cfg WSConfig, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWSConfig(cfg.URL)
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &WSTransport{
		cfg:    cfg,
		logger: logger.With("component", "ws_transport"),
		outbox: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// Open dials the relay and starts the read and write loops. ctx bounds
// only the first dial; the loops live until Close.
func (t *WSTransport) Open(ctx context.Context, h TransportHandler) error {
	if !t.opened.CompareAndSwap(false, true) {
		return errors.New("transport already opened")
	}
	t.handler = h

	if err := t.dial(ctx); err != nil {
		t.opened.Store(false)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(2)
	go t.readLoop(loopCtx)
	go t.writeLoop(loopCtx)
	return nil
}

// Join asks the relay to start sending events for room
func (t *WSTransport) Join(room string) error {
	return t.send(Frame{Type: FrameJoin, Room: room})
}

// Leave asks the relay to stop sending events for room
func (t *WSTransport) Leave(room string) error {
	return t.send(Frame{Type: FrameLeave, Room: room})
}

// Connected reports whether a socket is currently up
func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// Close stops the loops and closes the socket
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Lock()
		if t.conn != nil {
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.conn.Close()
		}
		t.mu.Unlock()
		t.connected.Store(false)
	})
	t.wg.Wait()
	return nil
}

func (t *WSTransport) send(f Frame) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	select {
	case t.outbox <- data:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (t *WSTransport) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:   t.cfg.ReadBufferSize,
		WriteBufferSize:  t.cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Headers)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.cfg.URL, err)
	}

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.HeartbeatTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled.
func (t *WSTransport) reconnect(ctx context.Context) bool {
	delay := t.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := t.dial(ctx); err != nil {
			delay = t.nextDelay(delay)
			t.logger.Warn("reconnect_failed", "error", err, "retry_in", delay.String())
			continue
		}
		if ctx.Err() != nil {
			t.current().Close()
			t.connected.Store(false)
			return false
		}
		return true
	}
}

// nextDelay grows delay by BackoffFactor within [BackoffInitial, BackoffMax]
func (t *WSTransport) nextDelay(delay time.Duration) time.Duration {
	next := time.Duration(math.Min(
		float64(delay)*t.cfg.BackoffFactor,
		float64(t.cfg.BackoffMax),
	))
	if next < t.cfg.BackoffInitial {
		next = t.cfg.BackoffInitial
	}
	return next
}

func (t *WSTransport) current() *websocket.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// readLoop reads frames and hands bid payloads to the handler. Silence
// longer than HeartbeatTimeout counts as a drop.
func (t *WSTransport) readLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		c := t.current()
		c.SetReadDeadline(time.Now().Add(t.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.connected.Store(false)
			t.logger.Warn("stream_read_failed", "error", err)
			c.Close()
			if !t.reconnect(ctx) {
				return
			}
			t.handler.HandleReconnect()
			continue
		}

		t.dispatch(msg)
	}
}

// writeLoop drains the outbox onto whichever socket is current. A frame
// lost to a dying socket is recovered by the rejoin after reconnect.
func (t *WSTransport) writeLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-t.outbox:
			c := t.current()
			c.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn("stream_write_failed", "error", err)
			}
		}
	}
}

func (t *WSTransport) dispatch(msg []byte) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.logger.Warn("frame_decode_failed", "error", err)
		return
	}

	switch f.Type {
	case FrameBid:
		t.handler.HandleMessage(f.Room, f.Data)
	case FrameError:
		t.logger.Warn("relay_error", "room", f.Room, "error", f.Error)
	default:
		t.logger.Debug("relay_frame", "type", f.Type, "room", f.Room)
	}
}
