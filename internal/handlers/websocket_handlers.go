package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/metrics"
)

const (
	wsSendBuffer   = 32
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// OrderEvent is pushed to both parties of an order after every committed change.
type OrderEvent struct {
	Type  string            `json:"type"`
	Order entities.P2POrder `json:"order"`
}

type wsClient struct {
	id     uuid.UUID
	userID int64
	conn   *websocket.Conn
	send   chan []byte
}

// OrderHub fans order events out to the WebSocket connections of the
// order's taker and merchant.
type OrderHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]map[uuid.UUID]*wsClient
}

func NewOrderHub(logger *slog.Logger) *OrderHub {
	return &OrderHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[int64]map[uuid.UUID]*wsClient),
	}
}

// RegisterRoutes mounts the order stream behind the given middlewares,
// which must include authentication.
func (h *OrderHub) RegisterRoutes(router *mux.Router, middlewares ...mux.MiddlewareFunc) {
	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(middlewares...)
	ws.HandleFunc("/orders", h.HandleConnection).Methods(http.MethodGet)
}

// NotifyOrder delivers an event without blocking; a client whose buffer is
// full misses the event.
func (h *OrderHub) NotifyOrder(event string, order entities.P2POrder) {
	data, err := json.Marshal(OrderEvent{Type: event, Order: order})
	if err != nil {
		h.logger.Error("Error encoding order event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range []int64{order.TakerID, order.MerchantID} {
		for _, c := range h.clients[userID] {
			select {
			case c.send <- data:
			default:
				h.logger.Warn("Dropping order event for slow client", "client_id", c.id, "user_id", userID, "order_id", order.ID)
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *OrderHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, byID := range h.clients {
		n += len(byID)
	}
	return n
}

func (h *OrderHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Error upgrading connection", "error", err)
		return
	}

	c := &wsClient{id: uuid.New(), userID: userID, conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.register(c)
	h.logger.Info("New WebSocket connection", "client_id", c.id, "user_id", userID)

	go h.writePump(c)
	h.readPump(c)
}

func (h *OrderHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[uuid.UUID]*wsClient)
	}
	h.clients[c.userID][c.id] = c
	metrics.WebSocketClients.Inc()
}

func (h *OrderHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.userID][c.id]; !ok {
		return
	}
	delete(h.clients[c.userID], c.id)
	if len(h.clients[c.userID]) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// readPump keeps the connection alive and detects disconnects.
func (h *OrderHub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.logger.Debug("WebSocket connection closed", "client_id", c.id, "error", err)
			return
		}
	}
}

func (h *OrderHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("WebSocket write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
