// Package wshub serves application events to dashboard clients over
// WebSocket. It implements ports.Broadcaster: Broadcast pushes a message
// immediately, QueueMessage batches messages and flushes them on a fixed
// interval. Both are best-effort; a slow client never blocks the core.
package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeCore/internal/ports"
)

const (
	defaultBatchInterval = 100 * time.Millisecond
	clientSendBuffer     = 256
	maxPendingBatch      = 4096
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = 54 * time.Second
)

type envelope struct {
	Topic     string                 `json:"topic"`
	Key       string                 `json:"key,omitempty"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

type subscribeRequest struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	mu     sync.Mutex
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) == 0 {
		// Clients with no explicit subscription get everything.
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// Hub is the WebSocket broadcast server.
type Hub struct {
	logger        ports.Logger
	addr          string
	batchInterval time.Duration
	upgrader      websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	pending []envelope
	running bool
	server  *http.Server
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a hub listening on addr. batchInterval <= 0 selects the
// default of 100ms.
func New(logger ports.Logger, addr string, batchInterval time.Duration) (*Hub, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for websocket hub")
	}
	if batchInterval <= 0 {
		batchInterval = defaultBatchInterval
	}
	return &Hub{
		logger:        logger,
		addr:          addr,
		batchInterval: batchInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// Start launches the HTTP listener and the batch flush loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	h.server = &http.Server{Addr: h.addr, Handler: mux}

	flushCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.flushLoop(flushCtx)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error(context.Background(), err, "WebSocket hub listener failed", map[string]interface{}{"addr": h.addr})
		}
	}()

	h.logger.Info(ctx, "WebSocket hub started", map[string]interface{}{"addr": h.addr})
	return nil
}

// Stop flushes nothing further, closes every client and shuts the
// listener down.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	server := h.server
	done := h.done
	h.mu.Unlock()

	<-done
	for _, c := range clients {
		close(c.send)
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("websocket hub shutdown: %w", err)
	}
	h.logger.Info(ctx, "WebSocket hub stopped", nil)
	return nil
}

// Broadcast pushes one message to subscribed clients immediately.
func (h *Hub) Broadcast(ctx context.Context, msg ports.Message) {
	h.deliver(envelope{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Type:      msg.Type,
		Data:      msg.Data,
		Timestamp: time.Now().UTC(),
	})
}

// QueueMessage adds a message to the batch flushed on the next interval.
// The queue is bounded; the oldest entry is dropped when full.
func (h *Hub) QueueMessage(ctx context.Context, msg ports.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	if len(h.pending) == maxPendingBatch {
		h.pending = h.pending[1:]
	}
	h.pending = append(h.pending, envelope{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Type:      msg.Type,
		Data:      msg.Data,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) flushLoop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *Hub) flush() {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, env := range batch {
		h.deliver(env)
	}
}

// deliver serializes once and fans out. A client with a full send buffer
// is dropped rather than waited on.
func (h *Hub) deliver(env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn(context.Background(), "Dropping unserializable broadcast message", map[string]interface{}{
			"topic": env.Topic, "type": env.Type, "error": err.Error(),
		})
		return
	}

	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		if !c.subscribed(env.Topic) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range stale {
		close(c.send)
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		topics: make(map[string]struct{}),
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info(r.Context(), "WebSocket client connected", map[string]interface{}{
		"remote": conn.RemoteAddr().String(), "clients": count,
	})

	go h.writePump(c)
	go h.readPump(c)
}

// readPump consumes subscription requests until the client goes away.
func (h *Hub) readPump(c *client) {
	defer h.dropClient(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		c.mu.Lock()
		switch req.Action {
		case "subscribe":
			for _, topic := range req.Topics {
				c.topics[topic] = struct{}{}
			}
		case "unsubscribe":
			for _, topic := range req.Topics {
				delete(c.topics, topic)
			}
		}
		c.mu.Unlock()
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		close(c.send)
	}
	c.conn.Close()
}
