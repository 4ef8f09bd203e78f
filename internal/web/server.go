package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dngpipe/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Event is one message pushed to websocket clients.
type Event struct {
	Type      string             `json:"type"` // "result" or "progress"
	Result    *pipeline.Result   `json:"result,omitempty"`
	Progress  *pipeline.Progress `json:"progress,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Hub fans pipeline events out to connected websocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int32
	log        *slog.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Run owns the client set until ctx is done, then closes every client.
// A hub runs once.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.count.Store(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("websocket client connected", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

// Publish queues ev for every client. Events are dropped while the send
// buffer is full.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("encode websocket event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// Feed publishes the results and tile progress of pipe until ctx is done.
func (h *Hub) Feed(ctx context.Context, pipe *pipeline.Pipeline) {
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()
	pipe.OnProgress(func(p pipeline.Progress) {
		h.Publish(Event{Type: "progress", Progress: &p})
	})
	defer pipe.OnProgress(nil)
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			h.Publish(Event{Type: "result", Result: &res})
		}
	}
}

// ServeHTTP upgrades the request and registers the connection. Incoming
// messages are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
