package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/firewatch/firewatch/internal/database"
)

// StreamEvent is one record-change notification pushed to subscribers
type StreamEvent struct {
	AgencyUUID string   `json:"agency_uuid"`
	RecordType string   `json:"record_type"`
	UUIDs      []string `json:"uuids"`
	At         string   `json:"at"`
}

// streamClient is one connected subscriber
type streamClient struct {
	conn       *websocket.Conn
	send       chan StreamEvent
	agencyUUID string // empty subscribes to all agencies
}

// StreamHandler fans record-change events out to WebSocket subscribers.
// Events are fire-and-forget: a slow subscriber drops events rather than
// backpressuring the sync path.
type StreamHandler struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*streamClient]bool
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler() *StreamHandler {
	return &StreamHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*streamClient]bool),
	}
}

// SetupRoutes sets up the stream routes
func (h *StreamHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/records", h.handleSubscribe)
}

// handleSubscribe handles GET /ws/records?agency={uuid}
func (h *StreamHandler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("StreamHandler: failed to upgrade WebSocket: %v", err)
		return
	}

	client := &streamClient{
		conn:       conn,
		send:       make(chan StreamEvent, 32),
		agencyUUID: r.URL.Query().Get("agency"),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

// NotifyChanged is the sync service's change listener
func (h *StreamHandler) NotifyChanged(agency *database.Agency, recordType string, uuids []string) {
	event := StreamEvent{
		AgencyUUID: agency.UUID,
		RecordType: recordType,
		UUIDs:      uuids,
		At:         time.Now().UTC().Format(time.RFC3339),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.agencyUUID != "" && client.agencyUUID != agency.UUID {
			continue
		}
		select {
		case client.send <- event:
		default:
			// Subscriber too slow, drop the event
		}
	}
}

func (h *StreamHandler) writeLoop(client *streamClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteJSON(event); err != nil {
				h.remove(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readLoop drains control frames and detects disconnects
func (h *StreamHandler) readLoop(client *streamClient) {
	defer h.remove(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) remove(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}

// ClientCount returns the number of connected subscribers
func (h *StreamHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
