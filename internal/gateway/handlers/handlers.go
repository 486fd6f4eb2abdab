// Package handlers exposes the gateway's HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/bidding-app/internal/auth"
	redisStore "github.com/aaronwang/bidding-app/internal/gateway/redis"
	"github.com/aaronwang/bidding-app/internal/gateway/service"
	"github.com/aaronwang/bidding-app/internal/models"
)

// Bidding is the service the handlers call
type Bidding interface {
	PlaceBid(ctx context.Context, itemID, userID string, amount decimal.Decimal) (*models.BidResponse, error)
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
	Bids(ctx context.Context, itemID string) ([]models.BidEvent, error)
	PutAuction(ctx context.Context, a models.Auction) error
}

// Handler contains HTTP request handlers
type Handler struct {
	bidding  Bidding
	verifier *auth.Verifier
	logger   *slog.Logger
	metrics  http.Handler
}

// NewHandler creates a new HTTP handler
func NewHandler(bidding Bidding, verifier *auth.Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bidding:  bidding,
		verifier: verifier,
		logger:   logger.With("component", "gateway_http"),
		metrics:  promhttp.Handler(),
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", h.metrics).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/items/{id}", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}/bids", h.GetBids).Methods(http.MethodGet)

	protected := requireAuth(h.verifier)
	api.Handle("/items/{id}", protected(http.HandlerFunc(h.PutItem))).Methods(http.MethodPut)
	api.Handle("/items/{id}/bid", protected(http.HandlerFunc(h.PlaceBid))).Methods(http.MethodPost)

	router.Use(loggingMiddleware(h.logger))
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "bid-gateway",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// GetItem returns the item's auction and current bid
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]

	item, err := h.bidding.GetItem(r.Context(), itemID)
	if errors.Is(err, redisStore.ErrItemNotFound) {
		respondError(w, http.StatusNotFound, "Item not found")
		return
	}
	if err != nil {
		h.logger.Error("get_item_failed", "item_id", itemID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to retrieve item")
		return
	}

	respondJSON(w, http.StatusOK, item)
}

// GetBids returns the item's accepted bids, oldest first
func (h *Handler) GetBids(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]

	bids, err := h.bidding.Bids(r.Context(), itemID)
	if err != nil {
		h.logger.Error("get_bids_failed", "item_id", itemID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to retrieve bids")
		return
	}

	respondJSON(w, http.StatusOK, bids)
}

// PutItem stores the item's auction window and base price
func (h *Handler) PutItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]

	var a models.Auction
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	a.ProductID = itemID

	err := h.bidding.PutAuction(r.Context(), a)
	switch {
	case errors.Is(err, models.ErrInvalidWindow), errors.Is(err, redisStore.ErrTooPrecise):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("put_item_failed", "item_id", itemID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to store item")
		return
	}

	respondJSON(w, http.StatusOK, a)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]

	var bidReq models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&bidReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	response, err := h.bidding.PlaceBid(r.Context(), itemID, UserID(r.Context()), bidReq.Amount)
	if errors.Is(err, service.ErrInvalidAmount) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("place_bid_failed", "item_id", itemID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to place bid")
		return
	}

	respondJSON(w, statusFor(response), response)
}

// statusFor maps a bid decision to its HTTP status
func statusFor(resp *models.BidResponse) int {
	if resp.Success {
		return http.StatusCreated
	}
	switch resp.Reason {
	case models.ReasonTooLow:
		return http.StatusUnprocessableEntity
	case models.ReasonNotStarted, models.ReasonEnded:
		return http.StatusConflict
	case models.ReasonNoAuction:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
