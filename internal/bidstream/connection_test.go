package bidstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/bidding-app/internal/models"
)

type fakeTransport struct {
	mu      sync.Mutex
	handler TransportHandler
	log     []string // "join:p1", "leave:p1"
	opens   atomic.Int32
	gate    chan struct{}
	openErr error
	closed  bool
}

func (f *fakeTransport) Open(ctx context.Context, h TransportHandler) error {
	f.opens.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.handler = h
	return nil
}

func (f *fakeTransport) Join(room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "join:"+room)
	return nil
}

func (f *fakeTransport) Leave(room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "leave:"+room)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil && !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeTransport) deliver(t *testing.T, room, bidder string, amount int64, at time.Time) {
	t.Helper()
	payload, err := json.Marshal(models.BidEvent{
		EventID:   "e-" + bidder,
		ItemID:    room,
		UserID:    bidder,
		Amount:    decimal.NewFromInt(amount),
		Timestamp: at,
	})
	assert.NoError(t, err)
	f.handler.HandleMessage(room, payload)
}

var at0 = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

func TestConnection_ConcurrentConnectOpensOnce(t *testing.T) {
	ft := &fakeTransport{gate: make(chan struct{})}
	conn := NewConnection(ft, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- conn.Connect(context.Background())
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(ft.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		check.NoError(t, err)
	}
	check.Equal(t, int32(1), ft.opens.Load())
	check.True(t, conn.Connected())
}

func TestConnection_FailedOpenCanBeRetried(t *testing.T) {
	ft := &fakeTransport{openErr: errors.New("connection refused")}
	conn := NewConnection(ft, nil)

	_, err := conn.Subscribe(context.Background(), "p1", func(models.BidStreamEvent) {})
	check.Error(t, err)
	check.False(t, conn.Connected())

	ft.mu.Lock()
	ft.openErr = nil
	ft.mu.Unlock()

	unsub, err := conn.Subscribe(context.Background(), "p1", func(models.BidStreamEvent) {})
	check.NoError(t, err)
	unsub()
	check.Equal(t, int32(2), ft.opens.Load())
}

func TestConnection_RoomsAreReferenceCounted(t *testing.T) {
	ft := &fakeTransport{}
	conn := NewConnection(ft, nil)
	ctx := context.Background()

	u1, err := conn.Subscribe(ctx, "p1", func(models.BidStreamEvent) {})
	assert.NoError(t, err)
	u2, err := conn.Subscribe(ctx, "p1", func(models.BidStreamEvent) {})
	assert.NoError(t, err)
	u3, err := conn.Subscribe(ctx, "p2", func(models.BidStreamEvent) {})
	assert.NoError(t, err)

	check.Equal(t, []string{"join:p1", "join:p2"}, ft.entries())
	check.Equal(t, 2, conn.Subscribers("p1"))

	u1()
	u1()
	check.Equal(t, []string{"join:p1", "join:p2"}, ft.entries())

	u2()
	u3()
	check.Equal(t, []string{"join:p1", "join:p2", "leave:p1", "leave:p2"}, ft.entries())
	check.Equal(t, 0, conn.Subscribers("p1"))
}

func TestConnection_DeliversInOrderToEverySubscriber(t *testing.T) {
	ft := &fakeTransport{}
	conn := NewConnection(ft, nil)
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) func(models.BidStreamEvent) {
		return func(ev models.BidStreamEvent) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], ev.ProductID+"/"+ev.Amount.String())
		}
	}

	_, err := conn.Subscribe(ctx, "p1", record("a"))
	assert.NoError(t, err)
	_, err = conn.Subscribe(ctx, "p1", record("b"))
	assert.NoError(t, err)
	_, err = conn.Subscribe(ctx, "p2", record("c"))
	assert.NoError(t, err)

	ft.deliver(t, "p1", "u1", 65, at0)
	ft.deliver(t, "p2", "u1", 10, at0)
	ft.deliver(t, "p1", "u2", 60, at0)

	check.Equal(t, []string{"p1/65", "p1/60"}, got["a"])
	check.Equal(t, got["a"], got["b"])
	check.Equal(t, []string{"p2/10"}, got["c"])
}

func TestConnection_UnsubscribeBeforeAnyEvent(t *testing.T) {
	ft := &fakeTransport{}
	conn := NewConnection(ft, nil)

	called := false
	unsub, err := conn.Subscribe(context.Background(), "p1", func(models.BidStreamEvent) { called = true })
	assert.NoError(t, err)
	unsub()

	ft.deliver(t, "p1", "u1", 55, at0)

	check.False(t, called)
}

func TestConnection_RejoinsRoomsOnReconnect(t *testing.T) {
	ft := &fakeTransport{}
	conn := NewConnection(ft, nil)
	ctx := context.Background()

	_, err := conn.Subscribe(ctx, "p2", func(models.BidStreamEvent) {})
	assert.NoError(t, err)
	_, err = conn.Subscribe(ctx, "p1", func(models.BidStreamEvent) {})
	assert.NoError(t, err)
	gone, err := conn.Subscribe(ctx, "p3", func(models.BidStreamEvent) {})
	assert.NoError(t, err)
	gone()

	var seenAtRefresh []string
	remove := conn.OnReconnect(func() { seenAtRefresh = ft.entries() })

	ft.handler.HandleReconnect()

	want := []string{"join:p2", "join:p1", "join:p3", "leave:p3", "join:p1", "join:p2"}
	check.Equal(t, want, ft.entries())
	// Listeners run after every room was rejoined.
	check.Equal(t, want, seenAtRefresh)

	remove()
	seenAtRefresh = nil
	ft.handler.HandleReconnect()
	check.Equal(t, 0, len(seenAtRefresh))
}

func TestConnection_DropsUndecodablePayload(t *testing.T) {
	ft := &fakeTransport{}
	conn := NewConnection(ft, nil)

	calls := 0
	_, err := conn.Subscribe(context.Background(), "p1", func(models.BidStreamEvent) { calls++ })
	assert.NoError(t, err)

	ft.handler.HandleMessage("p1", []byte(`{"amount":`))
	ft.deliver(t, "p1", "u1", 55, at0)

	check.Equal(t, 1, calls)
}

func TestConnection_Close(t *testing.T) {
	ft := &fakeTransport{}
	conn := NewConnection(ft, nil)

	calls := 0
	_, err := conn.Subscribe(context.Background(), "p1", func(models.BidStreamEvent) { calls++ })
	assert.NoError(t, err)

	check.NoError(t, conn.Close())
	ft.deliver(t, "p1", "u1", 55, at0)

	check.Equal(t, 0, calls)
	check.True(t, ft.closed)
	_, err = conn.Subscribe(context.Background(), "p1", func(models.BidStreamEvent) {})
	check.True(t, errors.Is(err, ErrClosed))
}
