// Package archive connects the gateway's accepted bid events to the
// PostgreSQL archive through a JetStream work queue.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/bidding-app/internal/models"
)

// Stream layout shared by the gateway and the archiver
const (
	StreamName    = "BID_EVENTS"
	SubjectPrefix = "bid.events."
	DurableName   = "bid-archiver"
)

// Subject returns the JetStream subject for an item's events
func Subject(itemID string) string {
	return SubjectPrefix + itemID
}

// StreamConfig is the BID_EVENTS stream definition
func StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Stream for bid events archival",
		Subjects:    []string{SubjectPrefix + "*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
	}
}

// EnsureStream creates or updates the BID_EVENTS stream
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, StreamConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	return stream, nil
}

// Publisher sends accepted events to the archive stream
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPublisher creates the JetStream context over nc and makes sure the
// stream exists.
func NewPublisher(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := EnsureStream(ctx, js); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "archive_publisher")
	logger.Info("jetstream_stream_ready", "stream", StreamName)
	return &Publisher{js: js, logger: logger}, nil
}

// Archive publishes ev and waits for the server's ack. The event id is the
// JetStream message id, so a retried publish is stored once.
func (p *Publisher) Archive(ctx context.Context, ev models.BidEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := p.js.Publish(ctx, Subject(ev.ItemID), data, jetstream.WithMsgID(ev.EventID))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	p.logger.Debug("event_archived", "subject", Subject(ev.ItemID), "seq", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}
