// Package database is the PostgreSQL archive of accepted bids.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/bidding-app/internal/models"
)

// PostgresClient wraps the PostgreSQL database connection
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(ctx context.Context, connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresClient{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id VARCHAR(255) PRIMARY KEY,
	current_bid DECIMAL(12, 2) NOT NULL DEFAULT 0,
	highest_bidder_id VARCHAR(255),
	total_bids INTEGER NOT NULL DEFAULT 0,
	last_bid_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS bids (
	id VARCHAR(255) PRIMARY KEY,
	event_id VARCHAR(255) NOT NULL,
	auction_id VARCHAR(255) NOT NULL REFERENCES auctions(id) ON DELETE CASCADE,
	user_id VARCHAR(255) NOT NULL,
	amount DECIMAL(12, 2) NOT NULL,
	previous_bid DECIMAL(12, 2) NOT NULL DEFAULT 0,
	status VARCHAR(50) NOT NULL DEFAULT 'accepted',
	placed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_bids_auction_id ON bids(auction_id);
CREATE INDEX IF NOT EXISTS idx_bids_user_id ON bids(user_id);
CREATE INDEX IF NOT EXISTS idx_bids_placed_at ON bids(placed_at);
`

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveBidEvent records the bid and moves the auction's leader forward in
// one transaction. Redelivered events are detected by bid id and reported
// as not inserted.
func (c *PostgresClient) SaveBidEvent(ctx context.Context, ev *models.BidEvent) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auctions (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, ev.ItemID); err != nil {
		return false, fmt.Errorf("failed to ensure auction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO bids (id, event_id, auction_id, user_id, amount, previous_bid, status, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, ev.BidID, ev.EventID, ev.ItemID, ev.UserID, ev.Amount, ev.PreviousBid, models.BidStatusAccepted, ev.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to insert bid: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	// Events can arrive out of order; the leader only moves up.
	if _, err := tx.ExecContext(ctx, `
		UPDATE auctions
		SET total_bids = total_bids + 1,
		    current_bid = CASE WHEN $2 > current_bid THEN $2 ELSE current_bid END,
		    highest_bidder_id = CASE WHEN $2 > current_bid THEN $3 ELSE highest_bidder_id END,
		    last_bid_at = GREATEST(COALESCE(last_bid_at, $4), $4),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, ev.ItemID, ev.Amount, ev.UserID, ev.Timestamp); err != nil {
		return false, fmt.Errorf("failed to update auction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// AuctionSummary is the archived leader of one auction
type AuctionSummary struct {
	ID              string
	CurrentBid      decimal.Decimal
	HighestBidderID string
	TotalBids       int
}

// GetAuction returns the archived summary of an auction
func (c *PostgresClient) GetAuction(ctx context.Context, id string) (*AuctionSummary, error) {
	var s AuctionSummary
	var bidder sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT id, current_bid, highest_bidder_id, total_bids FROM auctions WHERE id = $1
	`, id).Scan(&s.ID, &s.CurrentBid, &bidder, &s.TotalBids)
	if err != nil {
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	s.HighestBidderID = bidder.String
	return &s, nil
}

// GetBidHistory returns up to limit archived bids for an auction, newest
// first
func (c *PostgresClient) GetBidHistory(ctx context.Context, auctionID string, limit int) ([]models.BidEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, event_id, auction_id, user_id, amount, previous_bid, placed_at
		FROM bids
		WHERE auction_id = $1
		ORDER BY placed_at DESC
		LIMIT $2
	`, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []models.BidEvent
	for rows.Next() {
		var ev models.BidEvent
		if err := rows.Scan(&ev.BidID, &ev.EventID, &ev.ItemID, &ev.UserID, &ev.Amount, &ev.PreviousBid, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bids: %w", err)
	}
	return bids, nil
}

// Ping checks the connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}
