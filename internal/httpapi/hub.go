package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vhofman/voicedash/internal/dashboard"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled at the router; the push channel is read-only.
		return true
	},
}

// hubClient is one connected browser tab.
type hubClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans controller updates out to every connected browser tab. Tabs are
// passive observers: they receive state pushes and may only ping.
type Hub struct {
	logger *log.Logger

	// validate authorizes the ws handshake; set by the router.
	validate func(token string) bool

	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*hubClient]bool
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*hubClient]bool),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("hub: client %s connected, total: %d", client.id, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("hub: client %s disconnected, total: %d", client.id, total)

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow consumer, drop this push rather than block.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastUpdate serializes a controller update for every connected tab.
func (h *Hub) BroadcastUpdate(u dashboard.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Printf("hub: failed to marshal update: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Printf("hub: broadcast queue full, dropping %s update", u.Kind)
	}
}

// HandleWebSocket upgrades the HTTP connection to the push channel. Browsers
// cannot set headers on WebSocket requests, so the token rides in the query.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.validate != nil && !h.validate(r.URL.Query().Get("token")) {
		http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("hub: upgrade error: %v", err)
		return
	}

	client := &hubClient{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register <- client
	client.send <- []byte(`{"type":"connected"}`)

	go client.writePump()
	go client.readPump()
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Printf("hub: read error: %v", err)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case c.send <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
}

func (c *hubClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
