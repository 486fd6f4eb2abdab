package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a single accepted bid as seen by a bidding client
type Bid struct {
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
	At       time.Time       `json:"at"`
}

// Outranks reports whether b should replace other as the highest bid.
// Higher amounts win; equal amounts go to the earlier bid.
func (b Bid) Outranks(other Bid) bool {
	switch b.Amount.Cmp(other.Amount) {
	case 1:
		return true
	case 0:
		return b.At.Before(other.At)
	default:
		return false
	}
}

// BidKey identifies a bid for deduplication: bidder, amount and instant
type BidKey struct {
	BidderID string
	Amount   string
	AtNanos  int64
}

// Key returns the dedup key. Amounts with trailing zeros (55 vs 55.00)
// produce the same key.
func (b Bid) Key() BidKey {
	return BidKey{
		BidderID: b.BidderID,
		Amount:   b.Amount.String(),
		AtNanos:  b.At.UTC().UnixNano(),
	}
}

// BidStreamEvent is a bid pushed over the live stream for one product
type BidStreamEvent struct {
	ProductID string `json:"product_id"`
	Bid
}

// BidStatus constants
const (
	BidStatusAccepted = "accepted"
	BidStatusRejected = "rejected"
)

// BidRequest is the body of a place-bid call. The bidder comes from the
// bearer token, not the body.
type BidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BidResponse is the gateway's answer to a place-bid call
type BidResponse struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Reason     string          `json:"reason,omitempty"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	YourBid    decimal.Decimal `json:"your_bid"`
	IsHighest  bool            `json:"is_highest"`
	EventID    string          `json:"event_id,omitempty"`
}

// Rejection reasons carried in BidResponse.Reason
const (
	ReasonTooLow     = "too_low"
	ReasonNotStarted = "not_started"
	ReasonEnded      = "ended"
	ReasonNoAuction  = "no_auction"
)

// BidEvent represents an event that gets published when a bid is accepted.
// This is sent to:
// 1. Redis Pub/Sub (for real-time websocket broadcast)
// 2. NATS JetStream (for archival to PostgreSQL)
// 3. The item's Redis history list (for snapshot reads)
type BidEvent struct {
	EventID     string          `json:"event_id"`
	ItemID      string          `json:"item_id"`
	BidID       string          `json:"bid_id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	PreviousBid decimal.Decimal `json:"previous_bid"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ToStreamEvent converts the wire event into the client-side stream event
func (e BidEvent) ToStreamEvent() BidStreamEvent {
	return BidStreamEvent{
		ProductID: e.ItemID,
		Bid: Bid{
			BidderID: e.UserID,
			Amount:   e.Amount,
			At:       e.Timestamp,
		},
	}
}
