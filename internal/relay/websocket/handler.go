// Package websocket serves the bid stream: clients join and leave item
// rooms over one socket and receive each accepted bid for those rooms.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aaronwang/bidding-app/internal/bidstream"
)

// Handler handles websocket connections
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a new websocket handler. An empty allowedOrigins
// accepts any origin.
func NewHandler(manager *Manager, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		manager: manager,
		logger:  logger.With("component", "relay_http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return len(allowed) == 0 || allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// SetupRoutes configures websocket routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/ws", h.HandleWebSocket)
	// Single-room endpoint kept for clients that predate join frames
	router.HandleFunc("/ws/items/{id}", h.HandleItemWebSocket)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/stats/items/{id}", h.GetStats).Methods(http.MethodGet)

	return router
}

// HandleWebSocket upgrades a connection that joins rooms with frames
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// HandleItemWebSocket upgrades a connection already joined to one item
func (h *Handler) HandleItemWebSocket(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	if itemID == "" {
		http.Error(w, "Item ID is required", http.StatusBadRequest)
		return
	}
	h.serve(w, r, itemID)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket_upgrade_failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String(), conn)
	welcome, _ := json.Marshal(bidstream.Frame{Type: bidstream.FrameConnected, ClientID: client.ID, Room: room})
	client.Send <- welcome

	if !h.manager.RegisterClient(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h.manager)

	if room != "" {
		h.manager.Join(client, room)
	}
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "healthy", "service": "bid-relay"})
}

// GetStats returns the number of clients in an item's room
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	respondJSON(w, map[string]interface{}{
		"itemId":      itemID,
		"subscribers": h.manager.GetSubscriberCount(itemID),
	})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}
