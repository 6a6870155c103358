package marketdata

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
)

type mockLogger struct{}

func (mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockBroadcaster struct {
	mu       sync.Mutex
	messages []ports.Message
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, msg ports.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *mockBroadcaster) QueueMessage(ctx context.Context, msg ports.Message) {
	m.Broadcast(ctx, msg)
}

func (m *mockBroadcaster) byType(msgType string) []ports.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.Message
	for _, msg := range m.messages {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func newTestProcessor(t *testing.T) (*Processor, *mockBroadcaster) {
	t.Helper()
	broadcaster := &mockBroadcaster{}
	p, err := NewProcessor(mockLogger{}, broadcaster, 100)
	require.NoError(t, err)
	return p, broadcaster
}

func TestNewProcessor_RequiresDependencies(t *testing.T) {
	_, err := NewProcessor(nil, &mockBroadcaster{}, 0)
	assert.Error(t, err)
	_, err = NewProcessor(mockLogger{}, nil, 0)
	assert.Error(t, err)
}

func TestProcessor_OnBarBroadcasts(t *testing.T) {
	p, broadcaster := newTestProcessor(t)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	p.OnBar(ctx, barAt("ETHUSDT", 5, 100.0, 10))
	p.OnBar(ctx, barAt("ETHUSDT", 0, 101.0, 10))

	msgs := broadcaster.byType("bar_5s")
	require.Len(t, msgs, 2)
	assert.Equal(t, "market_data", msgs[0].Topic)
	assert.Equal(t, "ETHUSDT", msgs[0].Key)

	first := msgs[0].Data
	_, hasMetrics := first["metrics"]
	assert.False(t, hasMetrics, "one bar is not enough for metrics")

	second := msgs[1].Data
	_, hasMetrics = second["metrics"]
	assert.True(t, hasMetrics)
}

func TestProcessor_OnBarIgnoredWhenStopped(t *testing.T) {
	p, broadcaster := newTestProcessor(t)
	ctx := context.Background()

	p.OnBar(ctx, barAt("ETHUSDT", 0, 100.0, 10))
	assert.Empty(t, broadcaster.byType("bar_5s"))
	assert.Equal(t, int64(0), p.Status().BarsProcessed)
}

func TestProcessor_SubscriberCallbacks(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	var received []domain.Bar
	p.Subscribe("ETHUSDT", "strategy", func(bar domain.Bar) {
		received = append(received, bar)
	})
	p.Subscribe("BTCUSDT", "strategy", func(bar domain.Bar) {
		t.Error("callback for a different symbol must not fire")
	})

	p.OnBar(ctx, barAt("ETHUSDT", 0, 100.0, 10))
	require.Len(t, received, 1)
	assert.Equal(t, 100.0, received[0].Close)

	p.Unsubscribe("ETHUSDT", "strategy")
	p.OnBar(ctx, barAt("ETHUSDT", 0, 101.0, 10))
	assert.Len(t, received, 1)
}

func TestProcessor_Accessors(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	assert.Nil(t, p.Recent("ETHUSDT", 5))
	assert.Nil(t, p.Aggregate("ETHUSDT", 60))
	assert.Nil(t, p.Metrics("ETHUSDT"))

	p.OnBar(ctx, barAt("ETHUSDT", 5, 100.0, 10))
	p.OnBar(ctx, barAt("ETHUSDT", 0, 101.0, 10))

	require.Len(t, p.Recent("ETHUSDT", 10), 2)
	require.NotNil(t, p.Aggregate("ETHUSDT", 60))
	require.NotNil(t, p.Metrics("ETHUSDT"))
	assert.Equal(t, 101.0, p.Metrics("ETHUSDT").CurrentPrice)
}

func TestProcessor_Status(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()
	p.Start(ctx)

	p.OnBar(ctx, barAt("ETHUSDT", 0, 100.0, 10))
	p.OnBar(ctx, barAt("BTCUSDT", 0, 40000.0, 5))
	p.OnBar(ctx, barAt("ETHUSDT", 0, 100.5, 10))

	status := p.Status()
	assert.True(t, status.Running)
	assert.ElementsMatch(t, []string{"ETHUSDT", "BTCUSDT"}, status.Symbols)
	assert.Equal(t, int64(3), status.BarsProcessed)

	p.Stop(ctx)
	assert.False(t, p.Status().Running)
}
