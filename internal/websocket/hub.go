// Package websocket provides WebSocket connection management and message broadcasting.
package websocket

import (
	"context"
	"log"
	"strings"
	"sync"
)

// alertHistory is how many recent alerts a newly connected operator is sent.
const alertHistory = 16

// alertTopics are replayed to new clients so a guard trip raised while no
// console was open is still seen.
var alertTopics = map[string]bool{"safety": true, "calendar": true}

// TopicOf returns the topic of a message type: the part before the first
// dot, or the whole type.
func TopicOf(t MessageType) string {
	topic, _, _ := strings.Cut(string(t), ".")
	return topic
}

type outbound struct {
	topic string
	data  []byte
}

// Hub maintains the set of connected operator clients and fans pipeline
// messages out to the clients subscribed to their topic.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// recent alerts, oldest first
	alerts [][]byte

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			for _, alert := range h.alerts {
				select {
				case client.send <- alert:
				default:
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (total: %d)", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			if alertTopics[msg.topic] {
				h.alerts = append(h.alerts, msg.data)
				if len(h.alerts) > alertHistory {
					h.alerts = h.alerts[len(h.alerts)-alertHistory:]
				}
			}
			for client := range h.clients {
				if !client.wants(msg.topic) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an encoded message of the given topic for every
// subscribed client. A full queue drops the message.
func (h *Hub) Broadcast(topic string, data []byte) {
	select {
	case h.broadcast <- outbound{topic: topic, data: data}:
	default:
		log.Printf("Broadcast channel full, dropping %s message", topic)
	}
}

// SendTo queues a message for a single client if it is still registered.
// A full send buffer drops the message.
func (h *Hub) SendTo(client *Client, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[client] {
		return
	}
	select {
	case client.send <- message:
	default:
	}
}

// Subscribe limits the client to the given topics. No topics means every
// message.
func (h *Hub) Subscribe(client *Client, topics []string) {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			set[t] = true
		}
	}

	h.mu.Lock()
	client.topics = set
	h.mu.Unlock()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is one operator connection.
type Client struct {
	hub    *Hub
	send   chan []byte
	topics map[string]bool // guarded by hub.mu; empty means all
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, 256),
	}
}

// Send returns the send channel for the client.
func (c *Client) Send() chan []byte {
	return c.send
}

// wants reports whether the client subscribed to topic. Pongs and errors
// are sent with SendTo and bypass this.
func (c *Client) wants(topic string) bool {
	return len(c.topics) == 0 || c.topics[topic]
}
