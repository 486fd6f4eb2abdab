// Package session binds one open auction view to the shared bid store, the
// auction clock and a bid input controller, and exposes the combined
// readout the UI renders.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/bidinput"
	"github.com/aaronwang/bidding-app/internal/bidstate"
	"github.com/aaronwang/bidding-app/internal/clock"
	"github.com/aaronwang/bidding-app/internal/models"
)

// ErrNotAuction is returned by Open for products without a bidding window
var ErrNotAuction = errors.New("product is not an auction")

// Watcher is the part of bidstate.Store a view needs
type Watcher interface {
	Watch(ctx context.Context, productID string, fn func(bidstate.State)) (bidstate.State, func(), error)
}

// Deps are the shared collaborators of every view
type Deps struct {
	Store  Watcher
	Placer bidinput.Placer
	Gate   *auth.Gate
	Clock  clock.Clock
	// Connected reports the stream state; nil means always connected
	Connected func() bool
	Logger    *slog.Logger
}

// Readout is everything a view renders
type Readout struct {
	Phase             models.Phase
	HighestBidAmount  decimal.Decimal
	HighestBidderID   string
	TotalBids         int
	DraftAmount       string
	MinimumAcceptable decimal.Decimal
	CanSubmit         bool
	Submitting        bool
	Connected         bool
}

// View is one open auction screen
type View struct {
	auction   models.Auction
	connected func() bool
	clock     clock.Clock
	logger    *slog.Logger
	onChange  func(Readout)

	ctrl    *bidinput.Controller
	unwatch func()

	mu     sync.Mutex
	alarm  *clock.Alarm
	state  bidstate.State
	closed bool

	closeOnce sync.Once
}

// Open starts watching a's bids and phase. onChange, if set, receives a
// fresh readout after every change and may be called from other
// goroutines. The view must be closed.
func Open(ctx context.Context, deps Deps, a models.Auction, onChange func(Readout)) (*View, error) {
	if !a.IsAuction() {
		return nil, ErrNotAuction
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := deps.Clock
	if c == nil {
		c = clock.System
	}
	v := &View{
		auction:   a,
		connected: deps.Connected,
		clock:     c,
		logger:    logger.With("component", "auction_view", "product_id", a.ProductID),
		onChange:  onChange,
	}

	v.ctrl = bidinput.New(bidinput.Config{
		Auction:  a,
		Placer:   deps.Placer,
		Gate:     deps.Gate,
		Phase:    v.phase,
		State:    v.bidState,
		Logger:   logger,
		OnChange: v.notify,
	})

	st, unwatch, err := deps.Store.Watch(ctx, a.ProductID, v.onState)
	if err != nil {
		return nil, fmt.Errorf("failed to watch product %s: %w", a.ProductID, err)
	}
	v.unwatch = unwatch
	v.keep(st)

	alarm := clock.NewAlarm(c, *a.StartDate, *a.EndDate, func(p models.Phase) {
		v.logger.Info("auction_phase_changed", "phase", string(p))
		v.notify()
	})
	v.mu.Lock()
	v.alarm = alarm
	v.mu.Unlock()

	v.logger.Debug("view_opened", "phase", string(alarm.Phase()), "total_bids", st.TotalBids)
	return v, nil
}

// Auction returns the product the view shows
func (v *View) Auction() models.Auction {
	return v.auction
}

// Readout returns the current combined state
func (v *View) Readout() Readout {
	st := v.bidState()
	phase := v.phase()

	r := Readout{
		Phase:             phase,
		TotalBids:         st.TotalBids,
		DraftAmount:       v.ctrl.Draft(),
		MinimumAcceptable: v.ctrl.MinimumAcceptable(st),
		CanSubmit:         v.ctrl.CanSubmit(st, phase),
		Submitting:        v.ctrl.Submitting(),
		Connected:         v.connected == nil || v.connected(),
	}
	if st.HighestBid != nil {
		r.HighestBidAmount = st.HighestBid.Amount
		r.HighestBidderID = st.HighestBid.BidderID
	}
	return r
}

// SetDraftAmount updates the typed amount; invalid input is ignored and
// reported as false.
func (v *View) SetDraftAmount(raw string) bool {
	return v.ctrl.SetDraftAmount(raw)
}

// Submit places the draft as a bid
func (v *View) Submit(ctx context.Context) (bidinput.Outcome, error) {
	return v.ctrl.SubmitDraft(ctx)
}

// Close stops watching the product and the clock. Changes after Close are
// not reported.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		alarm := v.alarm
		v.mu.Unlock()

		alarm.Stop()
		v.unwatch()
		v.logger.Debug("view_closed")
	})
}

func (v *View) onState(st bidstate.State) {
	if v.keep(st) {
		v.notify()
	}
}

// keep stores st unless a state with more bids was already seen. Watch may
// deliver a callback before it returns its own snapshot.
func (v *View) keep(st bidstate.State) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st.TotalBids < v.state.TotalBids {
		return false
	}
	v.state = st
	return true
}

func (v *View) bidState() bidstate.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *View) phase() models.Phase {
	v.mu.Lock()
	alarm := v.alarm
	v.mu.Unlock()
	if alarm == nil {
		return clock.DerivePhase(v.clock.Now(), *v.auction.StartDate, *v.auction.EndDate)
	}
	return alarm.Phase()
}

func (v *View) notify() {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed || v.onChange == nil {
		return
	}
	v.onChange(v.Readout())
}
