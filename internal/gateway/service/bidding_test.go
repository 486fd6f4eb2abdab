package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	redisStore "github.com/aaronwang/bidding-app/internal/gateway/redis"
	"github.com/aaronwang/bidding-app/internal/metrics"
	"github.com/aaronwang/bidding-app/internal/models"
)

// fakeStore applies the same rules as the acceptance script
type fakeStore struct {
	mu         sync.Mutex
	items      map[string]*models.Item
	history    map[string][][]byte
	published  []string
	scriptRuns int
	publishErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]*models.Item{}, history: map[string][][]byte{}}
}

func (f *fakeStore) PlaceBid(ctx context.Context, a redisStore.BidAttempt) (*redisStore.BidResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptRuns++

	item, ok := f.items[a.ItemID]
	if !ok || !item.IsAuction() {
		return &redisStore.BidResult{Outcome: redisStore.OutcomeNoAuction}, nil
	}
	if !a.Now.Before(*item.EndDate) {
		return &redisStore.BidResult{Outcome: redisStore.OutcomeEnded}, nil
	}
	if a.Now.Before(*item.StartDate) {
		return &redisStore.BidResult{Outcome: redisStore.OutcomeNotStarted}, nil
	}
	if a.Amount.LessThan(MinimumFor(item)) {
		return &redisStore.BidResult{Outcome: redisStore.OutcomeTooLow, CurrentBid: item.CurrentBid}, nil
	}

	prev := item.CurrentBid
	item.CurrentBid = a.Amount
	item.HighestBidderID = a.UserID
	item.TotalBids++

	var ev models.BidEvent
	if err := json.Unmarshal(a.Event, &ev); err != nil {
		return nil, err
	}
	ev.PreviousBid = prev
	encoded, _ := json.Marshal(ev)
	f.history[a.ItemID] = append(f.history[a.ItemID], encoded)
	return &redisStore.BidResult{Outcome: redisStore.OutcomeAccepted, CurrentBid: prev, Event: encoded}, nil
}

func (f *fakeStore) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemID]
	if !ok {
		return nil, redisStore.ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (f *fakeStore) History(ctx context.Context, itemID string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.history[itemID]...), nil
}

func (f *fakeStore) PutAuction(ctx context.Context, a models.Auction) error {
	if err := a.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[a.ProductID] = &models.Item{Auction: a}
	return nil
}

func (f *fakeStore) PublishBidEvent(ctx context.Context, itemID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, itemID)
	return nil
}

type fakeArchive struct {
	mu     sync.Mutex
	events []models.BidEvent
}

func (a *fakeArchive) Archive(ctx context.Context, ev models.BidEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

// byUser finds an archived event; archive publishes run concurrently, so
// arrival order is not acceptance order.
func (a *fakeArchive) byUser(userID string) (models.BidEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range a.events {
		if ev.UserID == userID {
			return ev, true
		}
	}
	return models.BidEvent{}, false
}

var (
	start = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	end   = start.Add(time.Hour)
)

func newService(t *testing.T) (*BiddingService, *fakeStore, *fakeArchive, *metrics.Metrics) {
	t.Helper()
	store := newFakeStore()
	archive := &fakeArchive{}
	m := metrics.New(prometheus.NewRegistry())
	svc := NewBiddingService(store, archive, m, nil)
	svc.now = func() time.Time { return start.Add(time.Minute) }

	s, e := start, end
	assert.NoError(t, svc.PutAuction(context.Background(), models.Auction{
		ProductID: "p1", StartDate: &s, EndDate: &e, BasePrice: decimal.NewFromInt(50),
	}))
	return svc, store, archive, m
}

func TestPlaceBid_Accepted(t *testing.T) {
	svc, store, archive, m := newService(t)
	ctx := context.Background()

	resp, err := svc.PlaceBid(ctx, "p1", "u1", decimal.NewFromInt(55))
	assert.NoError(t, err)
	check.True(t, resp.Success)
	check.True(t, resp.EventID != "")

	resp, err = svc.PlaceBid(ctx, "p1", "u2", decimal.NewFromInt(56))
	assert.NoError(t, err)
	check.True(t, resp.Success)
	svc.Wait()

	check.Equal(t, []string{"p1", "p1"}, store.published)
	check.Equal(t, 2, len(archive.events))
	second, ok := archive.byUser("u2")
	assert.True(t, ok)
	check.Equal(t, "56", second.Amount.String())
	check.Equal(t, "55", second.PreviousBid.String())
	first, ok := archive.byUser("u1")
	assert.True(t, ok)
	check.True(t, first.PreviousBid.IsZero())
	check.Equal(t, 2.0, testutil.ToFloat64(m.BidsAccepted))

	bids, err := svc.Bids(ctx, "p1")
	assert.NoError(t, err)
	check.Equal(t, 2, len(bids))
	check.Equal(t, "u2", bids[1].UserID)
}

func TestPlaceBid_BasePriceAndMinimumRaise(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.PlaceBid(ctx, "p1", "u1", decimal.NewFromInt(49))
	assert.NoError(t, err)
	check.False(t, resp.Success)
	check.Equal(t, models.ReasonTooLow, resp.Reason)

	resp, err = svc.PlaceBid(ctx, "p1", "u1", decimal.NewFromInt(100))
	assert.NoError(t, err)
	check.True(t, resp.Success)

	resp, err = svc.PlaceBid(ctx, "p1", "u2", decimal.RequireFromString("100.99"))
	assert.NoError(t, err)
	check.False(t, resp.Success)
	check.Equal(t, "100", resp.CurrentBid.String())

	resp, err = svc.PlaceBid(ctx, "p1", "u2", decimal.NewFromInt(101))
	assert.NoError(t, err)
	check.True(t, resp.Success)
}

func TestPlaceBid_CacheSkipsScript(t *testing.T) {
	svc, store, _, m := newService(t)
	ctx := context.Background()

	_, err := svc.PlaceBid(ctx, "p1", "u1", decimal.NewFromInt(100))
	assert.NoError(t, err)
	runs := store.scriptRuns

	resp, err := svc.PlaceBid(ctx, "p1", "u2", decimal.NewFromInt(90))
	assert.NoError(t, err)
	check.False(t, resp.Success)
	check.Equal(t, runs, store.scriptRuns)
	check.Equal(t, 1.0, testutil.ToFloat64(m.BidsRejected.WithLabelValues(models.ReasonTooLow)))
}

func TestPlaceBid_StaleCacheIsCorrected(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.PlaceBid(ctx, "p1", "u1", decimal.NewFromInt(100))
	assert.NoError(t, err)

	// The item was relisted behind the service's back.
	store.mu.Lock()
	store.items["p1"].CurrentBid = decimal.Zero
	store.items["p1"].TotalBids = 0
	store.mu.Unlock()

	resp, err := svc.PlaceBid(ctx, "p1", "u2", decimal.NewFromInt(60))
	assert.NoError(t, err)
	check.True(t, resp.Success)
}

func TestPlaceBid_Window(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	svc.now = func() time.Time { return start.Add(-time.Second) }
	resp, err := svc.PlaceBid(ctx, "p1", "u1", decimal.NewFromInt(60))
	assert.NoError(t, err)
	check.Equal(t, models.ReasonNotStarted, resp.Reason)

	svc.now = func() time.Time { return end }
	resp, err = svc.PlaceBid(ctx, "p1", "u1", decimal.NewFromInt(60))
	assert.NoError(t, err)
	check.Equal(t, models.ReasonEnded, resp.Reason)

	resp, err = svc.PlaceBid(ctx, "nope", "u1", decimal.NewFromInt(60))
	assert.NoError(t, err)
	check.Equal(t, models.ReasonNoAuction, resp.Reason)
}

func TestPlaceBid_InvalidAmount(t *testing.T) {
	svc, store, _, _ := newService(t)

	for _, raw := range []string{"0", "-5", "55.555"} {
		_, err := svc.PlaceBid(context.Background(), "p1", "u1", decimal.RequireFromString(raw))
		check.True(t, errors.Is(err, ErrInvalidAmount))
	}
	check.Equal(t, 0, store.scriptRuns)
}

func TestPlaceBid_PublishFailureKeepsBid(t *testing.T) {
	svc, store, _, m := newService(t)
	store.publishErr = errors.New("redis down")

	resp, err := svc.PlaceBid(context.Background(), "p1", "u1", decimal.NewFromInt(60))
	assert.NoError(t, err)
	check.True(t, resp.Success)
	svc.Wait()
	check.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("redis")))
}

func TestBids_SkipsInvalidEntries(t *testing.T) {
	svc, store, _, _ := newService(t)
	store.history["p1"] = [][]byte{[]byte(`{"user_id":"u1","amount":"55"}`), []byte(`{bad`)}

	bids, err := svc.Bids(context.Background(), "p1")
	assert.NoError(t, err)
	check.Equal(t, 1, len(bids))
}
