package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle state of an auction as seen by the local clock
type Phase string

// Phase constants
const (
	PhaseNotStarted Phase = "not-started"
	PhaseLive       Phase = "live"
	PhaseEnded      Phase = "ended"
)

// ErrInvalidWindow is returned when an auction ends before it starts
var ErrInvalidWindow = errors.New("auction start date is after end date")

// Auction is the catalog's view of an auctioned product. Nil dates mean the
// product is sold at a fixed price and has no bidding.
type Auction struct {
	ProductID string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	StartDate *time.Time      `json:"start_date,omitempty"`
	EndDate   *time.Time      `json:"end_date,omitempty"`
	BasePrice decimal.Decimal `json:"base_price"`
}

// IsAuction reports whether both window timestamps are set
func (a Auction) IsAuction() bool {
	return a.StartDate != nil && a.EndDate != nil
}

// Validate checks the window invariant start <= end
func (a Auction) Validate() error {
	if a.StartDate != nil && a.EndDate != nil && a.StartDate.After(*a.EndDate) {
		return ErrInvalidWindow
	}
	return nil
}

// Item is the gateway's snapshot of an auction with its current leader
type Item struct {
	Auction
	CurrentBid      decimal.Decimal `json:"current_bid"`
	HighestBidderID string          `json:"highest_bidder_id,omitempty"`
	TotalBids       int             `json:"total_bids"`
}
