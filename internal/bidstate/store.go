package bidstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aaronwang/bidding-app/internal/models"
)

// Feed delivers live bid events for a product
type Feed interface {
	Subscribe(ctx context.Context, productID string, fn func(models.BidStreamEvent)) (func(), error)
}

// History returns the accepted bids known to the server for a product
type History interface {
	Bids(ctx context.Context, productID string) ([]models.Bid, error)
}

// Totals reports the server's count of accepted bids for a product. It
// covers bids a bounded History no longer returns.
type Totals interface {
	TotalBids(ctx context.Context, productID string) (int, error)
}

// Store shares one reducer per product across every watcher of that
// product, so two open views of the same auction always agree on the
// highest bid and bid count. The feed is subscribed once per product and
// released when the last watcher leaves.
type Store struct {
	feed    Feed
	history History
	totals  Totals
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	productID string

	// ready is closed once the feed subscription attempt finished
	ready chan struct{}
	err   error

	// notifyMu orders notifications; held while watcher callbacks run
	notifyMu sync.Mutex

	mu          sync.Mutex
	reducer     *Reducer
	watchers    []*watcher
	refs        int
	unsubscribe func()
}

type watcher struct {
	fn     func(State)
	active atomic.Bool
}

// Option configures a Store
type Option func(*Store)

// WithHistory seeds each product from h when it is first watched and on
// Refresh. Seeding goes through the same dedup fold as live events.
func WithHistory(h History) Option {
	return func(s *Store) { s.history = h }
}

// WithTotals makes every seed raise TotalBids to the server's count
func WithTotals(t Totals) Option {
	return func(s *Store) { s.totals = t }
}

// WithLogger sets the store's logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store reading live events from feed
func NewStore(feed Feed, opts ...Option) *Store {
	s := &Store{
		feed:    feed,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "bid_store")
	return s
}

// Watch registers fn for state changes of productID and returns the state
// at registration time. Callbacks for one product run one at a time, in
// fold order. A callback may arrive before Watch returns; TotalBids only
// grows, so callers keep whichever state has the higher count.
func (s *Store) Watch(ctx context.Context, productID string, fn func(State)) (State, func(), error) {
	w := &watcher{fn: fn}
	w.active.Store(true)

	s.mu.Lock()
	e, ok := s.entries[productID]
	if !ok {
		e = &entry{
			productID: productID,
			ready:     make(chan struct{}),
			reducer:   NewReducer(),
		}
		s.entries[productID] = e
	}
	e.mu.Lock()
	e.refs++
	e.watchers = append(e.watchers, w)
	e.mu.Unlock()
	s.mu.Unlock()

	if !ok {
		s.start(ctx, e)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		s.release(e, w)
		return State{}, nil, ctx.Err()
	}
	if e.err != nil {
		s.release(e, w)
		return State{}, nil, e.err
	}

	var once sync.Once
	unwatch := func() {
		once.Do(func() { s.release(e, w) })
	}
	return s.snapshot(e), unwatch, nil
}

// State returns the current state for productID, zero if nobody watches it
func (s *Store) State(productID string) State {
	s.mu.Lock()
	e, ok := s.entries[productID]
	s.mu.Unlock()
	if !ok {
		return State{}
	}
	return s.snapshot(e)
}

// Refresh re-seeds every watched product from history. It is meant to run
// after a stream reconnect, when events may have been missed. Errors are
// logged per product; the first one is returned.
func (s *Store) Refresh(ctx context.Context) error {
	if s.history == nil {
		return nil
	}

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var first error
	for _, e := range entries {
		if err := s.seed(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Apply folds one event into the product's state if it is watched. It is
// the feed callback; exported so other event sources can share the store.
func (s *Store) Apply(ev models.BidStreamEvent) {
	s.mu.Lock()
	e, ok := s.entries[ev.ProductID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.fold(e, []models.Bid{ev.Bid})
}

func (s *Store) start(ctx context.Context, e *entry) {
	defer close(e.ready)

	unsub, err := s.feed.Subscribe(ctx, e.productID, s.Apply)
	if err != nil {
		e.err = fmt.Errorf("failed to subscribe to product %s: %w", e.productID, err)
		s.mu.Lock()
		if s.entries[e.productID] == e {
			delete(s.entries, e.productID)
		}
		s.mu.Unlock()
		return
	}

	e.mu.Lock()
	orphaned := e.refs == 0
	if !orphaned {
		e.unsubscribe = unsub
	}
	e.mu.Unlock()
	if orphaned {
		unsub()
		return
	}

	// Subscribe before seeding so nothing falls between the snapshot and
	// the first live event; overlap is absorbed by the dedup fold.
	if s.history != nil {
		if err := s.seed(ctx, e); err != nil {
			s.logger.Warn("history_seed_failed", "product_id", e.productID, "error", err)
		}
	}
}

func (s *Store) seed(ctx context.Context, e *entry) error {
	// The total is read first: a bid accepted in between then shows up
	// in the history or on the stream and is counted once.
	total := -1
	if s.totals != nil {
		n, err := s.totals.TotalBids(ctx, e.productID)
		if err != nil {
			s.logger.Warn("bid_total_failed", "product_id", e.productID, "error", err)
		} else {
			total = n
		}
	}

	bids, err := s.history.Bids(ctx, e.productID)
	if err != nil {
		return fmt.Errorf("failed to load bid history for %s: %w", e.productID, err)
	}
	s.foldAtLeast(e, bids, total)
	s.logger.Debug("history_seeded", "product_id", e.productID, "bids", len(bids))
	return nil
}

func (s *Store) fold(e *entry, bids []models.Bid) {
	s.foldAtLeast(e, bids, -1)
}

// foldAtLeast folds bids and then raises the count to total, if set
func (s *Store) foldAtLeast(e *entry, bids []models.Bid, total int) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	changed := false
	for _, b := range bids {
		if e.reducer.Fold(b) {
			changed = true
		}
	}
	if total >= 0 && e.reducer.AtLeast(total) {
		changed = true
	}
	st := e.reducer.State()
	watchers := append([]*watcher(nil), e.watchers...)
	e.mu.Unlock()

	if !changed {
		return
	}
	for _, w := range watchers {
		if w.active.Load() {
			w.fn(st)
		}
	}
}

func (s *Store) snapshot(e *entry) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reducer.State()
}

func (s *Store) release(e *entry, w *watcher) {
	w.active.Store(false)

	s.mu.Lock()
	e.mu.Lock()
	for i, cur := range e.watchers {
		if cur == w {
			e.watchers = append(e.watchers[:i:i], e.watchers[i+1:]...)
			break
		}
	}
	e.refs--
	last := e.refs == 0
	unsub := e.unsubscribe
	if last {
		e.unsubscribe = nil
		if s.entries[e.productID] == e {
			delete(s.entries, e.productID)
		}
	}
	e.mu.Unlock()
	s.mu.Unlock()

	if last && unsub != nil {
		unsub()
	}
}
