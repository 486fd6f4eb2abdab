package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestBidKey_NormalizesAmountAndZone(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Bid{BidderID: "u1", Amount: decimal.RequireFromString("55.00"), At: at}
	b := Bid{BidderID: "u1", Amount: decimal.RequireFromString("55"), At: at.In(time.FixedZone("CET", 3600))}

	check.Equal(t, a.Key(), b.Key())
}

func TestBid_Outranks(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	low := Bid{BidderID: "a", Amount: decimal.NewFromInt(60), At: t0}
	high := Bid{BidderID: "b", Amount: decimal.NewFromInt(65), At: t0.Add(time.Second)}
	tieLater := Bid{BidderID: "c", Amount: decimal.NewFromInt(60), At: t0.Add(time.Second)}

	check.True(t, high.Outranks(low))
	check.False(t, low.Outranks(high))
	check.True(t, low.Outranks(tieLater))
	check.False(t, tieLater.Outranks(low))
}

func TestBidEvent_AcceptsNumericAmount(t *testing.T) {
	payload := `{"event_id":"e1","item_id":"p1","bid_id":"b1","user_id":"u1","amount":55,"previous_bid":"50","timestamp":"2026-03-01T12:00:00Z"}`

	var ev BidEvent
	check.NoError(t, json.Unmarshal([]byte(payload), &ev))

	se := ev.ToStreamEvent()
	check.Equal(t, "p1", se.ProductID)
	check.Equal(t, "u1", se.BidderID)
	check.Equal(t, "55", se.Amount.String())
}

func TestAuction_Validate(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(-time.Minute)

	check.True(t, errors.Is(Auction{StartDate: &start, EndDate: &end}.Validate(), ErrInvalidWindow))
	check.NoError(t, Auction{StartDate: &start, EndDate: &start}.Validate())
	check.False(t, Auction{StartDate: &start}.IsAuction())
}

func TestKindOf(t *testing.T) {
	err := &BidError{Kind: KindNetwork, Err: errors.New("connection reset")}
	wrapped := errors.Join(errors.New("submit"), err)

	check.Equal(t, KindNetwork, KindOf(wrapped))
	check.Equal(t, KindServer, KindOf(errors.New("boom")))
}
