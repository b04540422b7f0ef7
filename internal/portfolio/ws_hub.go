package portfolio

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/portfolio-ledger/internal/metrics"
)

// WSMessage is a ledger event sent to WebSocket clients.
type WSMessage struct {
	Type          string `json:"type"`
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	TxType        string `json:"tx_type,omitempty"`
	Ticker        string `json:"ticker,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Price         string `json:"price,omitempty"`
	Balance       string `json:"balance,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSHub manages WebSocket connections and fans ledger events out to
// clients. A client connecting with ?user_id=X only receives X's events.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn → user filter ("" = all)
	broadcast  chan WSMessage
	register   chan wsClient
	unregister chan *websocket.Conn
	stopped    chan struct{}
	mu         sync.RWMutex
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done, closing
// every connection. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "user", c.userID, "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, userID := range h.clients {
				if userID != "" && userID != msg.UserID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Broadcast queues a message for all interested clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		// Drop if buffer full to avoid blocking ledger mutations.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, userID: r.URL.Query().Get("user_id")}:
	case <-h.stopped:
		conn.Close()
		return
	}
	done := make(chan struct{})

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			close(done)
			select {
			case h.unregister <- conn:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl
	// may run concurrently with the hub's writes.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}
