// Package consumer drains the BID_EVENTS stream into the archive store.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/bidding-app/internal/archive"
	"github.com/aaronwang/bidding-app/internal/metrics"
	"github.com/aaronwang/bidding-app/internal/models"
)

// Store persists one bid event and reports whether it was new
type Store interface {
	SaveBidEvent(ctx context.Context, ev *models.BidEvent) (bool, error)
}

// action is what to tell JetStream about a message
type action int

const (
	actionAck action = iota
	actionNak
	actionTerm
)

// Consumer is a durable JetStream consumer writing events to a Store
type Consumer struct {
	js      jetstream.JetStream
	store   Store
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewConsumer creates the JetStream context over nc. m may be nil.
func NewConsumer(nc *nats.Conn, store Store, name string, m *metrics.Metrics, logger *slog.Logger) (*Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return newConsumer(js, store, name, m, logger), nil
}

func newConsumer(js jetstream.JetStream, store Store, name string, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if name == "" {
		name = archive.DurableName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		js:      js,
		store:   store,
		name:    name,
		logger:  logger.With("component", "archive_consumer", "durable", name),
		metrics: m,
	}
}

// Start ensures the stream and durable consumer exist and processes
// messages until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := archive.EnsureStream(ctx, c.js); err != nil {
		return err
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, archive.StreamName, jetstream.ConsumerConfig{
		Durable:       c.name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: archive.SubjectPrefix + "*",
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	c.logger.Info("consumer_started", "stream", archive.StreamName)
	<-ctx.Done()
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	var err error
	switch c.process(ctx, msg.Data()) {
	case actionAck:
		err = msg.Ack()
	case actionNak:
		err = msg.NakWithDelay(2 * time.Second)
	case actionTerm:
		err = msg.Term()
	}
	if err != nil {
		c.logger.Warn("ack_failed", "subject", msg.Subject(), "error", err)
	}
}

// process decodes and stores one payload. Malformed payloads will never
// succeed and are terminated; store failures are retried.
func (c *Consumer) process(ctx context.Context, data []byte) action {
	ev, err := decode(data)
	if err != nil {
		c.logger.Warn("event_malformed", "error", err)
		c.recordError("decode")
		return actionTerm
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	inserted, err := c.store.SaveBidEvent(dbCtx, ev)
	if err != nil {
		c.logger.Error("event_persist_failed", "event_id", ev.EventID, "error", err)
		c.recordError("store")
		return actionNak
	}

	if !inserted {
		c.logger.Debug("event_duplicate", "event_id", ev.EventID)
		return actionAck
	}
	if c.metrics != nil {
		c.metrics.EventsArchived.Inc()
	}
	c.logger.Info("event_persisted",
		"event_id", ev.EventID, "item_id", ev.ItemID,
		"user_id", ev.UserID, "amount", ev.Amount.String(),
	)
	return actionAck
}

func (c *Consumer) recordError(kind string) {
	if c.metrics != nil {
		c.metrics.RecordArchiveError(kind)
	}
}

var errIncomplete = errors.New("event is missing required fields")

func decode(data []byte) (*models.BidEvent, error) {
	var ev models.BidEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if ev.BidID == "" || ev.ItemID == "" || ev.UserID == "" || ev.Timestamp.IsZero() {
		return nil, errIncomplete
	}
	return &ev, nil
}
