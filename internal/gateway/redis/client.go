package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/bidding-app/internal/models"
)

// ErrItemNotFound is returned for items that were never put in the catalog
var ErrItemNotFound = errors.New("item not found")

// ErrTooPrecise is returned for amounts with more than two fraction digits
var ErrTooPrecise = errors.New("amount has more than two decimal places")

// Outcome of the acceptance script
type Outcome int

// Outcome constants, as returned by the script's first reply element
const (
	OutcomeAccepted   Outcome = 1
	OutcomeTooLow     Outcome = 0
	OutcomeNoAuction  Outcome = -1
	OutcomeNotStarted Outcome = -2
	OutcomeEnded      Outcome = -3
)

// Reason maps an outcome to the rejection reason in BidResponse
func (o Outcome) Reason() string {
	switch o {
	case OutcomeTooLow:
		return models.ReasonTooLow
	case OutcomeNoAuction:
		return models.ReasonNoAuction
	case OutcomeNotStarted:
		return models.ReasonNotStarted
	case OutcomeEnded:
		return models.ReasonEnded
	default:
		return ""
	}
}

// Amounts are stored as integer cents so the script compares exactly.
var bidScript = redis.NewScript(`
	-- KEYS[1]: item:{id}:meta (start_ms, end_ms, base_cents, name)
	-- KEYS[2]: item:{id}:current_bid (cents)
	-- KEYS[3]: item:{id}:highest_bidder
	-- KEYS[4]: item:{id}:total_bids
	-- KEYS[5]: item:{id}:history (accepted events, oldest first)
	-- ARGV[1]: amount in cents
	-- ARGV[2]: bidder id
	-- ARGV[3]: now in unix ms
	-- ARGV[4]: event json without previous_bid
	-- ARGV[5]: history limit
	-- ARGV[6]: minimum raise in cents

	local meta = redis.call('HMGET', KEYS[1], 'start_ms', 'end_ms', 'base_cents')
	if not meta[1] or not meta[2] then
		return {-1, 0, ''}
	end

	local now = tonumber(ARGV[3])
	if now >= tonumber(meta[2]) then
		return {-3, 0, ''}
	end
	if now < tonumber(meta[1]) then
		return {-2, 0, ''}
	end

	local current = redis.call('GET', KEYS[2])
	local minimum
	if current then
		current = tonumber(current)
		minimum = current + tonumber(ARGV[6])
	else
		current = 0
		minimum = tonumber(meta[3] or '0')
	end

	local amount = tonumber(ARGV[1])
	if amount < minimum then
		return {0, current, ''}
	end

	redis.call('SET', KEYS[2], amount)
	redis.call('SET', KEYS[3], ARGV[2])
	redis.call('INCR', KEYS[4])

	local event = cjson.decode(ARGV[4])
	event['previous_bid'] = string.format('%d.%02d', math.floor(current / 100), current % 100)
	local encoded = cjson.encode(event)

	redis.call('RPUSH', KEYS[5], encoded)
	redis.call('LTRIM', KEYS[5], -tonumber(ARGV[5]), -1)

	return {1, current, encoded}
`)

// Client wraps the Redis client with bidding-specific operations
type Client struct {
	client       *redis.Client
	historyLimit int
	minRaise     int64
}

// NewClient connects to Redis. historyLimit caps the per-item history list.
func NewClient(addr, password string, db, historyLimit int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: rdb, historyLimit: historyLimit, minRaise: 100}, nil
}

// BidAttempt is one bid to run through the acceptance script
type BidAttempt struct {
	ItemID string
	UserID string
	Amount decimal.Decimal
	Now    time.Time
	// Event is the JSON of the event to record if the bid is accepted;
	// previous_bid is filled in by the script.
	Event []byte
}

// BidResult is what the script decided
type BidResult struct {
	Outcome Outcome
	// CurrentBid is the highest bid before this attempt
	CurrentBid decimal.Decimal
	// Event is the recorded event JSON, set only when accepted
	Event []byte
}

// PlaceBid atomically applies the window, minimum raise and history rules
func (c *Client) PlaceBid(ctx context.Context, a BidAttempt) (*BidResult, error) {
	cents, err := ToCents(a.Amount)
	if err != nil {
		return nil, err
	}

	keys := []string{
		metaKey(a.ItemID),
		currentBidKey(a.ItemID),
		highestBidderKey(a.ItemID),
		totalBidsKey(a.ItemID),
		historyKey(a.ItemID),
	}
	raw, err := bidScript.Run(ctx, c.client, keys,
		cents, a.UserID, a.Now.UnixMilli(), string(a.Event), c.historyLimit, c.minRaise,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute bid script: %w", err)
	}
	return parseScriptResult(raw)
}

func parseScriptResult(raw interface{}) (*BidResult, error) {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return nil, fmt.Errorf("unexpected script result format: %v", raw)
	}
	code, ok1 := reply[0].(int64)
	prev, ok2 := reply[1].(int64)
	event, ok3 := reply[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected script result types: %v", raw)
	}

	res := &BidResult{Outcome: Outcome(code), CurrentBid: FromCents(prev)}
	if res.Outcome == OutcomeAccepted {
		res.Event = []byte(event)
	}
	return res, nil
}

// PutAuction stores the auction window and base price. Clearing either
// date turns the item into a fixed-price product.
func (c *Client) PutAuction(ctx context.Context, a models.Auction) error {
	if err := a.Validate(); err != nil {
		return err
	}
	base, err := ToCents(a.BasePrice)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"name":       a.Name,
		"base_cents": base,
	}
	pipe := c.client.TxPipeline()
	if a.IsAuction() {
		fields["start_ms"] = a.StartDate.UnixMilli()
		fields["end_ms"] = a.EndDate.UnixMilli()
	} else {
		pipe.HDel(ctx, metaKey(a.ProductID), "start_ms", "end_ms")
	}
	pipe.HSet(ctx, metaKey(a.ProductID), fields)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store auction: %w", err)
	}
	return nil
}

// GetItem returns the item's auction plus its current leader
func (c *Client) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	pipe := c.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, metaKey(itemID))
	bidCmd := pipe.Get(ctx, currentBidKey(itemID))
	bidderCmd := pipe.Get(ctx, highestBidderKey(itemID))
	totalCmd := pipe.Get(ctx, totalBidsKey(itemID))

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, ErrItemNotFound
	}

	item, err := itemFromMeta(itemID, meta)
	if err != nil {
		return nil, err
	}
	if cents, err := bidCmd.Int64(); err == nil {
		item.CurrentBid = FromCents(cents)
	}
	item.HighestBidderID = bidderCmd.Val()
	if n, err := totalCmd.Int(); err == nil {
		item.TotalBids = n
	}
	return item, nil
}

func itemFromMeta(itemID string, meta map[string]string) (*models.Item, error) {
	item := &models.Item{Auction: models.Auction{ProductID: itemID, Name: meta["name"]}}

	if raw, ok := meta["base_cents"]; ok {
		cents, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid base price for %s: %w", itemID, err)
		}
		item.BasePrice = FromCents(cents)
	}

	startRaw, hasStart := meta["start_ms"]
	endRaw, hasEnd := meta["end_ms"]
	if hasStart && hasEnd {
		startMs, err1 := strconv.ParseInt(startRaw, 10, 64)
		endMs, err2 := strconv.ParseInt(endRaw, 10, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid auction window for %s", itemID)
		}
		start, end := time.UnixMilli(startMs).UTC(), time.UnixMilli(endMs).UTC()
		item.StartDate, item.EndDate = &start, &end
	}
	return item, nil
}

// History returns the item's accepted events, oldest first
func (c *Client) History(ctx context.Context, itemID string) ([][]byte, error) {
	vals, err := c.client.LRange(ctx, historyKey(itemID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bid history: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// PublishBidEvent publishes an accepted event to the item's Pub/Sub
// channel, where the relay picks it up.
func (c *Client) PublishBidEvent(ctx context.Context, itemID string, payload []byte) error {
	if err := c.client.Publish(ctx, ChannelPrefix+itemID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish bid event: %w", err)
	}
	return nil
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}
