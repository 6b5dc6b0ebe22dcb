package sse

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/batchd/internal/platform/logger"
)

type Event string

const (
	EventInstanceQueued   Event = "InstanceQueued"
	EventInstanceState    Event = "InstanceStateChanged"
	EventInstanceProgress Event = "InstanceProgress"
	EventInstanceMessage  Event = "InstanceMessage"
)

type Message struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
	Data    any    `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan Message
	done     chan struct{}
	closeOne sync.Once
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.closeOne.Do(func() { close(c.done) })
}

// Hub fans job lifecycle events out to connected SSE clients. Publish never
// blocks; a slow client drops events rather than stalling the engine.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(baseLog *logger.Logger) *Hub {
	return &Hub{
		log:           baseLog.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (h *Hub) NewClient(channels ...string) *Client {
	c := &Client{
		ID:       uuid.New(),
		Channels: make(map[string]bool, len(channels)),
		Outbound: make(chan Message, 32),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		c.Channels[ch] = true
	}
	h.Subscribe(c)
	return c
}

func (h *Hub) Subscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range c.Channels {
		if h.subscriptions[ch] == nil {
			h.subscriptions[ch] = make(map[*Client]bool)
		}
		h.subscriptions[ch][c] = true
	}
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range c.Channels {
		delete(h.subscriptions[ch], c)
		if len(h.subscriptions[ch]) == 0 {
			delete(h.subscriptions, ch)
		}
	}
	c.Close()
}

func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subscriptions[msg.Channel] {
		select {
		case c.Outbound <- msg:
		default:
			h.log.Debug("Dropping SSE event for slow client", "client_id", c.ID, "channel", msg.Channel)
		}
	}
}
