// Package bidstate folds live bid events into the per-product highest bid
// and bid count shown to bidders.
package bidstate

import (
	"github.com/aaronwang/bidding-app/internal/models"
)

// State is the displayed summary of an auction's accepted bids
type State struct {
	HighestBid *models.Bid
	TotalBids  int
}

// Reducer accumulates distinct bids for one product. It is not safe for
// concurrent use; Store serializes access.
type Reducer struct {
	highest *models.Bid
	total   int
	seen    map[models.BidKey]struct{}

	// unseen counts bids the server reported but no fold delivered,
	// e.g. ones trimmed from a bounded history
	unseen int
}

// NewReducer returns an empty reducer
func NewReducer() *Reducer {
	return &Reducer{seen: make(map[models.BidKey]struct{})}
}

// Fold applies one bid. It returns false, leaving the state untouched, when
// the same (bidder, amount, instant) was already folded. Phase is not
// consulted: a bid the server accepted just before the end still counts.
func (r *Reducer) Fold(b models.Bid) bool {
	key := b.Key()
	if _, dup := r.seen[key]; dup {
		return false
	}
	r.seen[key] = struct{}{}
	r.total++

	if r.highest == nil || b.Outranks(*r.highest) {
		bid := b
		r.highest = &bid
	}
	return true
}

// AtLeast raises TotalBids to total when the server knows of more bids
// than were folded. It never lowers the count and reports whether it
// changed.
func (r *Reducer) AtLeast(total int) bool {
	if total <= r.total+r.unseen {
		return false
	}
	r.unseen = total - r.total
	return true
}

// State returns a copy of the current summary
func (r *Reducer) State() State {
	s := State{TotalBids: r.total + r.unseen}
	if r.highest != nil {
		bid := *r.highest
		s.HighestBid = &bid
	}
	return s
}

// Reduce folds events into a fresh reducer and returns the resulting state
func Reduce(events ...models.BidStreamEvent) State {
	r := NewReducer()
	for _, ev := range events {
		r.Fold(ev.Bid)
	}
	return r.State()
}
