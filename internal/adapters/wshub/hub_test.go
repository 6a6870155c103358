package wshub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeCore/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// fakeClient wires a client directly into the hub's table, standing in
// for an upgraded websocket connection.
func fakeClient(h *Hub, buffer int, topics ...string) *client {
	c := &client{
		send:   make(chan []byte, buffer),
		topics: make(map[string]struct{}),
	}
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func receive(t *testing.T, c *client) envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		var env envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return envelope{}
	}
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(nil, ":0", 0)
	assert.Error(t, err)
}

func TestBroadcast_DeliversImmediately(t *testing.T) {
	h, err := New(nopLogger{}, ":0", time.Hour)
	require.NoError(t, err)
	c := fakeClient(h, 4)

	h.Broadcast(context.Background(), ports.Message{
		Topic: "orders",
		Key:   "42",
		Type:  "order_update",
		Data:  map[string]interface{}{"order_id": float64(42)},
	})

	env := receive(t, c)
	assert.Equal(t, "orders", env.Topic)
	assert.Equal(t, "42", env.Key)
	assert.Equal(t, "order_update", env.Type)
	assert.Equal(t, float64(42), env.Data["order_id"])
	assert.False(t, env.Timestamp.IsZero())
}

func TestBroadcast_TopicFiltering(t *testing.T) {
	h, err := New(nopLogger{}, ":0", time.Hour)
	require.NoError(t, err)
	all := fakeClient(h, 4)                       // no explicit topics: receives everything
	ordersOnly := fakeClient(h, 4, "orders")      // subscribed topic
	marketOnly := fakeClient(h, 4, "market_data") // other topic

	h.Broadcast(context.Background(), ports.Message{Topic: "orders", Type: "order_update"})

	receive(t, all)
	receive(t, ordersOnly)
	select {
	case <-marketOnly.send:
		t.Fatal("client subscribed to another topic must not receive the message")
	default:
	}
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	h, err := New(nopLogger{}, ":0", time.Hour)
	require.NoError(t, err)
	slow := fakeClient(h, 1)

	h.Broadcast(context.Background(), ports.Message{Topic: "orders", Type: "a"})
	h.Broadcast(context.Background(), ports.Message{Topic: "orders", Type: "b"})

	h.mu.Lock()
	_, present := h.clients[slow]
	h.mu.Unlock()
	assert.False(t, present, "client with a full send buffer is removed")

	// The channel must be closed after the buffered message.
	receive(t, slow)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestQueueMessage_BatchedFlush(t *testing.T) {
	h, err := New(nopLogger{}, ":0", 10*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	defer func() { require.NoError(t, h.Stop(ctx)) }()

	c := fakeClient(h, 8)
	h.QueueMessage(ctx, ports.Message{Topic: "system", Type: "state_snapshot"})
	h.QueueMessage(ctx, ports.Message{Topic: "system", Type: "account_update"})

	first := receive(t, c)
	second := receive(t, c)
	assert.Equal(t, "state_snapshot", first.Type, "flush preserves queue order")
	assert.Equal(t, "account_update", second.Type)
}

func TestQueueMessage_IgnoredWhenStopped(t *testing.T) {
	h, err := New(nopLogger{}, ":0", time.Hour)
	require.NoError(t, err)

	h.QueueMessage(context.Background(), ports.Message{Topic: "system", Type: "x"})
	h.mu.Lock()
	pending := len(h.pending)
	h.mu.Unlock()
	assert.Zero(t, pending)
}

func TestQueueMessage_BoundedPending(t *testing.T) {
	h, err := New(nopLogger{}, ":0", time.Hour)
	require.NoError(t, err)
	h.mu.Lock()
	h.running = true // queue without the flush loop
	h.mu.Unlock()

	for i := 0; i < maxPendingBatch+10; i++ {
		h.QueueMessage(context.Background(), ports.Message{Topic: "system", Type: "x"})
	}
	h.mu.Lock()
	pending := len(h.pending)
	h.mu.Unlock()
	assert.Equal(t, maxPendingBatch, pending)
}
