// Package service holds the gateway's bidding workflow: validation, the
// cached minimum pre-filter, the atomic Redis acceptance and event fan-out.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	redisStore "github.com/aaronwang/bidding-app/internal/gateway/redis"
	"github.com/aaronwang/bidding-app/internal/metrics"
	"github.com/aaronwang/bidding-app/internal/models"
)

// ErrInvalidAmount is returned for non-positive amounts or amounts finer
// than cents
var ErrInvalidAmount = errors.New("bid amount must be positive with at most two decimal places")

// MinimumRaise is the smallest step over the current highest bid
var MinimumRaise = decimal.NewFromInt(1)

// Store is the auction state backend
type Store interface {
	PlaceBid(ctx context.Context, a redisStore.BidAttempt) (*redisStore.BidResult, error)
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
	History(ctx context.Context, itemID string) ([][]byte, error)
	PutAuction(ctx context.Context, a models.Auction) error
	PublishBidEvent(ctx context.Context, itemID string, payload []byte) error
}

// Archive persists accepted events out of band
type Archive interface {
	Archive(ctx context.Context, ev models.BidEvent) error
}

// BiddingService handles the business logic for bidding operations
type BiddingService struct {
	store   Store
	archive Archive
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// minimumCache holds the last known minimum acceptable amount per item
	// (itemID -> decimal.Decimal)
	minimumCache sync.Map

	pending sync.WaitGroup
}

// NewBiddingService creates a new bidding service. archive may be nil.
func NewBiddingService(store Store, archive Archive, m *metrics.Metrics, logger *slog.Logger) *BiddingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BiddingService{
		store:   store,
		archive: archive,
		metrics: m,
		logger:  logger.With("component", "bidding_service"),
		now:     time.Now,
	}
}

// PlaceBid handles the complete bid placement workflow:
//  1. validate the amount
//  2. pre-filter with the cached minimum, verified against Redis
//  3. run the atomic acceptance script
//  4. publish accepted events to Pub/Sub (live stream) and JetStream (archive)
func (s *BiddingService) PlaceBid(ctx context.Context, itemID, userID string, amount decimal.Decimal) (*models.BidResponse, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := redisStore.ToCents(amount); err != nil {
		return nil, ErrInvalidAmount
	}

	if resp, err := s.preFilter(ctx, itemID, amount); err != nil || resp != nil {
		return resp, err
	}

	ev := models.BidEvent{
		EventID:   uuid.New().String(),
		ItemID:    itemID,
		BidID:     uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Timestamp: s.now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bid event: %w", err)
	}

	start := time.Now()
	result, err := s.store.PlaceBid(ctx, redisStore.BidAttempt{
		ItemID: itemID,
		UserID: userID,
		Amount: amount,
		Now:    ev.Timestamp,
		Event:  payload,
	})
	if s.metrics != nil {
		s.metrics.BidLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to place bid: %w", err)
	}

	if result.Outcome != redisStore.OutcomeAccepted {
		if result.Outcome == redisStore.OutcomeTooLow && result.CurrentBid.IsPositive() {
			s.minimumCache.Store(itemID, result.CurrentBid.Add(MinimumRaise))
		}
		return s.reject(itemID, result.Outcome, result.CurrentBid, amount), nil
	}

	s.minimumCache.Store(itemID, amount.Add(MinimumRaise))
	if s.metrics != nil {
		s.metrics.BidsAccepted.Inc()
	}
	ev.PreviousBid = result.CurrentBid
	s.logger.Info("bid_accepted",
		"item_id", itemID, "user_id", userID,
		"amount", amount.String(), "previous_bid", ev.PreviousBid.String(),
		"event_id", ev.EventID,
	)

	s.fanOut(ctx, ev, result.Event)

	return &models.BidResponse{
		Success:    true,
		Message:    "Bid placed successfully!",
		CurrentBid: amount,
		YourBid:    amount,
		IsHighest:  true,
		EventID:    ev.EventID,
	}, nil
}

// preFilter rejects bids under the cached minimum without running the
// script. A stale cache is corrected from Redis before deciding.
func (s *BiddingService) preFilter(ctx context.Context, itemID string, amount decimal.Decimal) (*models.BidResponse, error) {
	cached, ok := s.minimumCache.Load(itemID)
	if !ok || !amount.LessThan(cached.(decimal.Decimal)) {
		return nil, nil
	}

	item, err := s.store.GetItem(ctx, itemID)
	if errors.Is(err, redisStore.ErrItemNotFound) {
		s.minimumCache.Delete(itemID)
		return s.reject(itemID, redisStore.OutcomeNoAuction, decimal.Zero, amount), nil
	}
	if err != nil {
		s.logger.Warn("cache_filter_lookup_failed", "item_id", itemID, "error", err)
		return nil, nil
	}

	minimum := MinimumFor(item)
	if !minimum.Equal(cached.(decimal.Decimal)) {
		s.logger.Debug("cache_sync", "item_id", itemID,
			"cached", cached.(decimal.Decimal).String(), "actual", minimum.String())
		s.minimumCache.Store(itemID, minimum)
	}
	if amount.LessThan(minimum) {
		return s.reject(itemID, redisStore.OutcomeTooLow, item.CurrentBid, amount), nil
	}
	return nil, nil
}

func (s *BiddingService) reject(itemID string, outcome redisStore.Outcome, current, amount decimal.Decimal) *models.BidResponse {
	reason := outcome.Reason()
	if s.metrics != nil {
		s.metrics.RecordRejected(reason)
	}
	s.logger.Info("bid_rejected", "item_id", itemID, "reason", reason, "amount", amount.String())

	var msg string
	switch outcome {
	case redisStore.OutcomeTooLow:
		msg = fmt.Sprintf("Bid too low. Current highest bid is $%s", current.StringFixed(2))
	case redisStore.OutcomeNotStarted:
		msg = "Auction has not started"
	case redisStore.OutcomeEnded:
		msg = "Auction has ended"
	default:
		msg = "Item is not up for auction"
	}
	return &models.BidResponse{
		Success:    false,
		Message:    msg,
		Reason:     reason,
		CurrentBid: current,
		YourBid:    amount,
	}
}

// fanOut publishes to Pub/Sub inline, so per-item stream order follows
// acceptance order, and archives in the background. Neither failure fails
// the bid.
func (s *BiddingService) fanOut(ctx context.Context, ev models.BidEvent, payload []byte) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.store.PublishBidEvent(pubCtx, ev.ItemID, payload); err != nil {
		s.logger.Warn("stream_publish_failed", "item_id", ev.ItemID, "event_id", ev.EventID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordPublishError("redis")
		}
	}

	if s.archive == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		archCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.archive.Archive(archCtx, ev); err != nil {
			s.logger.Warn("archive_publish_failed", "item_id", ev.ItemID, "event_id", ev.EventID, "error", err)
			if s.metrics != nil {
				s.metrics.RecordPublishError("jetstream")
			}
		}
	}()
}

// GetItem returns the item's auction and current leader
func (s *BiddingService) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// Bids returns the item's accepted events, oldest first. Undecodable
// entries are skipped.
func (s *BiddingService) Bids(ctx context.Context, itemID string) ([]models.BidEvent, error) {
	raw, err := s.store.History(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bid history: %w", err)
	}
	events := make([]models.BidEvent, 0, len(raw))
	for _, r := range raw {
		var ev models.BidEvent
		if err := json.Unmarshal(r, &ev); err != nil {
			s.logger.Warn("history_entry_invalid", "item_id", itemID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// PutAuction creates or replaces the item's auction window and base price
func (s *BiddingService) PutAuction(ctx context.Context, a models.Auction) error {
	if err := s.store.PutAuction(ctx, a); err != nil {
		return err
	}
	s.minimumCache.Delete(a.ProductID)
	s.logger.Info("auction_stored", "item_id", a.ProductID, "is_auction", a.IsAuction())
	return nil
}

// Wait blocks until background archive publishes finished
func (s *BiddingService) Wait() {
	s.pending.Wait()
}

// MinimumFor is the lowest acceptable bid for item: highest plus one, or
// the base price before the first bid.
func MinimumFor(item *models.Item) decimal.Decimal {
	if item.TotalBids > 0 {
		return item.CurrentBid.Add(MinimumRaise)
	}
	return item.BasePrice
}
