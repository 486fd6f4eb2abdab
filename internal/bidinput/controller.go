// Package bidinput owns the bidder's draft amount and the place-bid action:
// minimum raise, phase and login checks, and one submission at a time.
package bidinput

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/bidstate"
	"github.com/aaronwang/bidding-app/internal/models"
)

// Local rejections. They are wrapped in a *models.BidError of kind
// validation and never reach the network.
var (
	ErrNotLive       = errors.New("auction is not live")
	ErrBelowMinimum  = errors.New("bid is below the minimum acceptable amount")
	ErrInvalidAmount = errors.New("bid amount is not a valid number")
)

// MinimumRaise is the smallest step over the current highest bid
var MinimumRaise = decimal.NewFromInt(1)

// Outcome describes a Submit call that did not fail
type Outcome int

const (
	// OutcomePlaced means the server accepted the bid. The highest bid
	// changes only when the stream delivers it.
	OutcomePlaced Outcome = iota
	// OutcomeBusy means another submission was in flight; nothing was sent.
	OutcomeBusy
	// OutcomeAuthRequired means a login prompt was raised; nothing was sent.
	OutcomeAuthRequired
)

func (o Outcome) String() string {
	switch o {
	case OutcomePlaced:
		return "placed"
	case OutcomeBusy:
		return "busy"
	case OutcomeAuthRequired:
		return "auth_required"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Placer issues the place-bid RPC
type Placer interface {
	PlaceBid(ctx context.Context, productID string, amount decimal.Decimal) error
}

// Config wires a Controller to its collaborators
type Config struct {
	Auction models.Auction
	Placer  Placer
	Gate    *auth.Gate
	// Phase returns the auction's current phase
	Phase func() models.Phase
	// State returns the product's current bid state
	State  func() bidstate.State
	Logger *slog.Logger
	// OnChange is called after the draft or the in-flight flag changes
	OnChange func()
}

// Controller is one bidder's input for one auction view
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	draft      string
	submitting bool
}

// New creates a controller with an empty draft
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		logger: logger.With("component", "bid_input", "product_id", cfg.Auction.ProductID),
	}
}

// SetDraftAmount replaces the draft if raw is a valid partial amount and
// reports whether it did. Invalid input keeps the previous draft.
func (c *Controller) SetDraftAmount(raw string) bool {
	if !ValidDraft(raw) {
		return false
	}
	c.mu.Lock()
	c.draft = raw
	c.mu.Unlock()
	c.changed()
	return true
}

// Draft returns the current draft
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Submitting reports whether a bid is in flight
func (c *Controller) Submitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitting
}

// MinimumAcceptable is the highest bid plus one unit, or the base price
// when nobody has bid yet.
func (c *Controller) MinimumAcceptable(st bidstate.State) decimal.Decimal {
	return MinimumAcceptable(c.cfg.Auction, st)
}

// MinimumAcceptable computes the lowest amount the client will send
func MinimumAcceptable(a models.Auction, st bidstate.State) decimal.Decimal {
	if st.HighestBid != nil {
		return st.HighestBid.Amount.Add(MinimumRaise)
	}
	return a.BasePrice
}

// CanSubmit reports whether SubmitDraft would reach the network, ignoring
// login state.
func (c *Controller) CanSubmit(st bidstate.State, phase models.Phase) bool {
	c.mu.Lock()
	draft, busy := c.draft, c.submitting
	c.mu.Unlock()

	if busy || phase != models.PhaseLive {
		return false
	}
	amount, ok := ParseDraft(draft)
	return ok && amount.GreaterThanOrEqual(c.MinimumAcceptable(st))
}

// SubmitDraft submits the current draft
func (c *Controller) SubmitDraft(ctx context.Context) (Outcome, error) {
	amount, ok := ParseDraft(c.Draft())
	if !ok {
		return c.Submit(ctx, decimal.Zero)
	}
	return c.Submit(ctx, amount)
}

// Submit places a bid of amount. At most one call is in flight per
// controller; a concurrent call returns OutcomeBusy. The draft is kept on
// every failure so the user can retry deliberately.
func (c *Controller) Submit(ctx context.Context, amount decimal.Decimal) (Outcome, error) {
	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return OutcomeBusy, nil
	}

	if err := c.check(amount); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	user, ok := c.cfg.Gate.CurrentUser()
	if !ok {
		c.mu.Unlock()
		auth.EnsureAuthenticated(c.cfg.Gate, func(auth.User) struct{} {
			if _, err := c.Submit(context.Background(), amount); err != nil {
				c.logger.Warn("resumed_bid_failed", "amount", amount.String(), "error", err)
			}
			return struct{}{}
		})
		c.logger.Info("bid_needs_login", "amount", amount.String())
		return OutcomeAuthRequired, nil
	}

	c.submitting = true
	c.mu.Unlock()
	c.changed()

	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
		c.changed()
	}()

	c.logger.Info("bid_submitted", "amount", amount.String(), "bidder_id", user.ID)
	if err := c.cfg.Placer.PlaceBid(ctx, c.cfg.Auction.ProductID, amount); err != nil {
		err = classify(err)
		c.logger.Warn("bid_failed", "amount", amount.String(), "kind", string(models.KindOf(err)), "error", err)
		return 0, err
	}

	c.logger.Info("bid_accepted", "amount", amount.String())
	return OutcomePlaced, nil
}

// check applies the local preconditions; mu must be held
func (c *Controller) check(amount decimal.Decimal) error {
	if c.cfg.Phase == nil || c.cfg.Phase() != models.PhaseLive {
		return &models.BidError{Kind: models.KindValidation, Err: ErrNotLive}
	}
	if !amount.IsPositive() {
		return &models.BidError{Kind: models.KindValidation, Err: ErrInvalidAmount}
	}

	var st bidstate.State
	if c.cfg.State != nil {
		st = c.cfg.State()
	}
	minimum := c.MinimumAcceptable(st)
	if amount.LessThan(minimum) {
		return &models.BidError{
			Kind:    models.KindValidation,
			Message: fmt.Sprintf("minimum bid is %s", minimum.StringFixed(2)),
			Err:     ErrBelowMinimum,
		}
	}
	return nil
}

func (c *Controller) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}

// classify keeps BidErrors as they are and treats anything else from the
// placer as a network failure.
func classify(err error) error {
	var be *models.BidError
	if errors.As(err, &be) {
		return err
	}
	return &models.BidError{Kind: models.KindNetwork, Err: err}
}
