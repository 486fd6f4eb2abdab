// Package bidapi is the client for the gateway's place-bid RPC and the
// auction snapshot endpoints.
package bidapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aaronwang/bidding-app/internal/models"
)

// TokenSource provides the bearer token for authenticated calls
type TokenSource interface {
	Token() string
}

// Client talks to the bid gateway
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every call, including an in-flight bid. A client set
// by WithHTTPClient is copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// NewClient creates a client for the gateway at baseURL
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PlaceBid submits one bid. It is never retried here: a repeated bid is a
// repeated financial action. Failures are *models.BidError.
func (c *Client) PlaceBid(ctx context.Context, productID string, amount decimal.Decimal) error {
	body, err := json.Marshal(models.BidRequest{Amount: amount})
	if err != nil {
		return &models.BidError{Kind: models.KindValidation, Message: "failed to encode bid", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.itemURL(productID, "bid"), bytes.NewReader(body))
	if err != nil {
		return &models.BidError{Kind: models.KindNetwork, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.BidError{Kind: models.KindNetwork, Message: "bid request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var br models.BidResponse
		if err := json.NewDecoder(resp.Body).Decode(&br); err == nil && !br.Success {
			return &models.BidError{Kind: models.KindValidation, Message: br.Message}
		}
		return nil
	}

	return statusError(resp)
}

// Auction returns the gateway's snapshot of the product's auction
func (c *Client) Auction(ctx context.Context, productID string) (models.Item, error) {
	var item models.Item
	if err := c.getJSON(ctx, c.itemURL(productID, ""), &item); err != nil {
		return models.Item{}, err
	}
	return item, nil
}

// TotalBids returns the server's bid count for the product, which outlasts
// the bounded history. It satisfies bidstate.Totals.
func (c *Client) TotalBids(ctx context.Context, productID string) (int, error) {
	item, err := c.Auction(ctx, productID)
	if err != nil {
		return 0, err
	}
	return item.TotalBids, nil
}

// Bids returns the accepted bid history for the product. It satisfies
// bidstate.History.
func (c *Client) Bids(ctx context.Context, productID string) ([]models.Bid, error) {
	var events []models.BidEvent
	if err := c.getJSON(ctx, c.itemURL(productID, "bids"), &events); err != nil {
		return nil, err
	}
	bids := make([]models.Bid, 0, len(events))
	for _, ev := range events {
		bids = append(bids, ev.ToStreamEvent().Bid)
	}
	return bids, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &models.BidError{Kind: models.KindNetwork, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.BidError{Kind: models.KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.BidError{Kind: models.KindServer, Message: "failed to decode response", Err: err}
	}
	return nil
}

func (c *Client) itemURL(productID, suffix string) string {
	u := c.baseURL + "/api/v1/items/" + url.PathEscape(productID)
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

// statusError maps a non-success response to a BidError
func statusError(resp *http.Response) error {
	msg := readMessage(resp.Body)

	var kind models.ErrorKind
	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		kind = models.KindValidation
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = models.KindUnauthorized
	default:
		kind = models.KindServer
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return &models.BidError{Kind: kind, Message: msg}
}

// readMessage pulls a human readable message out of an error body
func readMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
