package bidstate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/aaronwang/bidding-app/internal/models"
)

type fakeFeed struct {
	mu     sync.Mutex
	subs   map[string]func(models.BidStreamEvent)
	joins  int
	leaves int
	err    error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string]func(models.BidStreamEvent))}
}

func (f *fakeFeed) Subscribe(_ context.Context, productID string, fn func(models.BidStreamEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.joins++
	f.subs[productID] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.leaves++
		delete(f.subs, productID)
	}, nil
}

func (f *fakeFeed) push(ev models.BidStreamEvent) {
	f.mu.Lock()
	fn := f.subs[ev.ProductID]
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type fakeHistory struct {
	mu    sync.Mutex
	bids  []models.Bid
	calls int
}

func (h *fakeHistory) Bids(context.Context, string) ([]models.Bid, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return append([]models.Bid(nil), h.bids...), nil
}

func (h *fakeHistory) set(bids ...models.Bid) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bids = bids
}

type fakeTotals struct {
	mu sync.Mutex
	n  int
}

func (f *fakeTotals) TotalBids(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n, nil
}

func (f *fakeTotals) set(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n = n
}

func TestStore_SharedStateAcrossWatchers(t *testing.T) {
	feed := newFakeFeed()
	store := NewStore(feed)
	ctx := context.Background()

	var a, b []State
	_, unwatchA, err := store.Watch(ctx, "p1", func(s State) { a = append(a, s) })
	assert.NoError(t, err)
	_, unwatchB, err := store.Watch(ctx, "p1", func(s State) { b = append(b, s) })
	assert.NoError(t, err)

	check.Equal(t, 1, feed.joins)

	feed.push(event("u1", 60, 0))
	feed.push(event("u2", 65, 1))
	feed.push(event("u2", 65, 1))

	check.Equal(t, 2, len(a))
	check.Equal(t, 2, len(b))
	last := a[len(a)-1]
	check.Equal(t, b[len(b)-1].TotalBids, last.TotalBids)
	check.Equal(t, b[len(b)-1].HighestBid.Amount.String(), last.HighestBid.Amount.String())
	check.Equal(t, 2, store.State("p1").TotalBids)

	unwatchA()
	unwatchA()
	check.Equal(t, 0, feed.leaves)
	unwatchB()
	check.Equal(t, 1, feed.leaves)
	check.Equal(t, 0, store.State("p1").TotalBids)
}

func TestStore_SeedDoesNotDoubleCountStreamedBid(t *testing.T) {
	feed := newFakeFeed()
	history := &fakeHistory{}
	history.set(event("u1", 55, 0).Bid)
	store := NewStore(feed, WithHistory(history))

	initial, unwatch, err := store.Watch(context.Background(), "p1", func(State) {})
	assert.NoError(t, err)
	defer unwatch()

	check.Equal(t, 1, initial.TotalBids)

	// The same bid arrives on the stream after the snapshot.
	feed.push(event("u1", 55, 0))
	feed.push(event("u2", 60, 1))

	st := store.State("p1")
	check.Equal(t, 2, st.TotalBids)
	check.Equal(t, "60", st.HighestBid.Amount.String())
}

func TestStore_RefreshPicksUpMissedBids(t *testing.T) {
	feed := newFakeFeed()
	history := &fakeHistory{}
	store := NewStore(feed, WithHistory(history))

	_, unwatch, err := store.Watch(context.Background(), "p1", func(State) {})
	assert.NoError(t, err)
	defer unwatch()

	feed.push(event("u1", 55, 0))
	// u2 bid while the stream was down; the server history has both.
	history.set(event("u1", 55, 0).Bid, event("u2", 70, 1).Bid)

	check.NoError(t, store.Refresh(context.Background()))

	st := store.State("p1")
	check.Equal(t, 2, st.TotalBids)
	check.Equal(t, "70", st.HighestBid.Amount.String())
	check.Equal(t, 2, history.calls)
}

func TestStore_SubscribeFailure(t *testing.T) {
	feed := newFakeFeed()
	feed.err = errors.New("dial refused")
	store := NewStore(feed)

	_, unwatch, err := store.Watch(context.Background(), "p1", func(State) {})

	check.Error(t, err)
	check.True(t, unwatch == nil)
	check.Equal(t, 0, store.State("p1").TotalBids)

	feed.err = nil
	_, unwatch, err = store.Watch(context.Background(), "p1", func(State) {})
	check.NoError(t, err)
	unwatch()
}

func TestStore_UnwatchInsideCallback(t *testing.T) {
	feed := newFakeFeed()
	store := NewStore(feed)

	calls := 0
	var unwatch func()
	_, unwatch, err := store.Watch(context.Background(), "p1", func(State) {
		calls++
		unwatch()
	})
	assert.NoError(t, err)

	feed.push(event("u1", 55, 0))
	feed.push(event("u2", 60, 1))

	check.Equal(t, 1, calls)
	check.Equal(t, 1, feed.leaves)
}

func TestStore_TotalsCoverTrimmedHistory(t *testing.T) {
	feed := newFakeFeed()
	history := &fakeHistory{}
	// The server kept only its two most recent bids out of 600.
	history.set(event("u1", 55, 0).Bid, event("u2", 60, 1).Bid)
	totals := &fakeTotals{n: 600}
	store := NewStore(feed, WithHistory(history), WithTotals(totals))

	initial, unwatch, err := store.Watch(context.Background(), "p1", func(State) {})
	assert.NoError(t, err)
	defer unwatch()

	check.Equal(t, 600, initial.TotalBids)
	check.Equal(t, "60", initial.HighestBid.Amount.String())

	feed.push(event("u2", 60, 1))
	feed.push(event("u3", 70, 2))
	check.Equal(t, 601, store.State("p1").TotalBids)

	// After a reconnect the server reports one more bid missed offline.
	history.set(event("u3", 70, 2).Bid, event("u1", 80, 3).Bid)
	totals.set(602)
	check.NoError(t, store.Refresh(context.Background()))

	st := store.State("p1")
	check.Equal(t, 602, st.TotalBids)
	check.Equal(t, "80", st.HighestBid.Amount.String())
}
