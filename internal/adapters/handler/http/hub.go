package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/logger"
	"forgeos.build/internal/core/ports"
)

// Message is the envelope pushed to connected dashboard clients.
type Message struct {
	Type    string      `json:"type"` // "status", "agent_update"
	Payload interface{} `json:"payload"`
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Inbound messages to be broadcast to clients.
	broadcast chan Message

	register   chan *Client
	unregister chan *Client

	mu sync.Mutex

	pubsub ports.StatusPubSub
}

func NewHub(pubsub ports.StatusPubSub) *Hub {
	return &Hub{
		broadcast:  make(chan Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		pubsub:     pubsub,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop the connection rather than block
					// the fan-out.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast publishes a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	h.broadcast <- msg
}

// StatusConsumer relays build status events from the pub/sub channel to
// every connected websocket client, and derives the request and stage
// metrics as a side effect.
func (h *Hub) StatusConsumer(ctx context.Context) {
	log := logger.Component("ws")

	events, err := h.pubsub.SubscribeStatus(ctx)
	if err != nil {
		log.Error("status subscription failed", "error", err)
		return
	}

	log.Info("status consumer started")

	stageStarts := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			log.Info("status consumer shutting down")
			return
		case event, ok := <-events:
			if !ok {
				log.Info("status channel closed")
				return
			}

			switch event.Type {
			case domain.EventStageStarted:
				stageStarts[event.RequestID+"/"+string(event.Stage)] = event.At
			case domain.EventStageFinished:
				key := event.RequestID + "/" + string(event.Stage)
				if started, ok := stageStarts[key]; ok {
					RecordStageDuration(string(event.Stage), event.At.Sub(started))
					delete(stageStarts, key)
				}
			case domain.EventRequestTerminal:
				RecordRequestTerminal(string(event.Status))
			}

			h.Broadcast(Message{
				Type:    "status",
				Payload: event,
			})
		}
	}
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			json.NewEncoder(w).Encode(message)

			// Flush any queued messages into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				json.NewEncoder(w).Encode(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Component("ws").Error("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan Message, 256)}
	client.hub.register <- client

	go client.writePump()
}
