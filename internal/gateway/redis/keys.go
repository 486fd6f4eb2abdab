// Package redis stores auction state in Redis and runs bid acceptance as a
// single Lua script.
package redis

import (
	"github.com/shopspring/decimal"
)

// ChannelPrefix is the Pub/Sub channel prefix for accepted bid events
const ChannelPrefix = "bid_events:"

func metaKey(itemID string) string          { return "item:" + itemID + ":meta" }
func currentBidKey(itemID string) string    { return "item:" + itemID + ":current_bid" }
func highestBidderKey(itemID string) string { return "item:" + itemID + ":highest_bidder" }
func totalBidsKey(itemID string) string     { return "item:" + itemID + ":total_bids" }
func historyKey(itemID string) string       { return "item:" + itemID + ":history" }

// ItemFromChannel extracts the item id from a Pub/Sub channel name.
// "bid_events:item123" -> "item123"
func ItemFromChannel(channel string) string {
	if len(channel) > len(ChannelPrefix) && channel[:len(ChannelPrefix)] == ChannelPrefix {
		return channel[len(ChannelPrefix):]
	}
	return ""
}

// ToCents converts an amount to integer cents
func ToCents(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(2)) {
		return 0, ErrTooPrecise
	}
	return d.Shift(2).IntPart(), nil
}

// FromCents converts integer cents back to an amount
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
