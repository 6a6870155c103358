package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
	"tradeCore/internal/resilience"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockBroker fails Connect a configured number of times, then succeeds.
type mockBroker struct {
	mu              sync.Mutex
	connectFailures int
	connectCalls    int
	disconnectCalls int
	positionCalls   int
	accountCalls    int
	connected       bool
}

func (m *mockBroker) Connect(ctx context.Context, host string, port, clientID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectCalls <= m.connectFailures {
		return errors.New("gateway refused session")
	}
	m.connected = true
	return nil
}

func (m *mockBroker) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
	m.connected = false
	return nil
}

func (m *mockBroker) SetHandlers(h ports.BrokerHandlers) {}
func (m *mockBroker) NextOrderID() int64                 { return 1 }

func (m *mockBroker) PlaceOrder(ctx context.Context, orderID int64, ticket ports.OrderTicket) error {
	return nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, orderID int64) error { return nil }

func (m *mockBroker) RequestMarketData(ctx context.Context, symbol string, onQuote func(ports.Quote)) (int64, error) {
	return 1, nil
}

func (m *mockBroker) RequestRealtimeBars(ctx context.Context, symbol string, onBar func(domain.Bar)) (int64, error) {
	return 2, nil
}

func (m *mockBroker) CancelMarketData(ctx context.Context, reqID int64) error { return nil }

func (m *mockBroker) RequestPositions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionCalls++
	return nil
}

func (m *mockBroker) RequestAccountSummary(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountCalls++
	return nil
}

func (m *mockBroker) Status() ports.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ports.ConnectionStatus{Connected: m.connected}
}

func (m *mockBroker) stats() (connects, disconnects, positions, accounts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls, m.disconnectCalls, m.positionCalls, m.accountCalls
}

type mockSnapshots struct{}

func (mockSnapshots) PendingOrderIDs() []int64 { return []int64{101, 102} }

func (mockSnapshots) FullState() map[string]interface{} {
	return map[string]interface{}{"system_state": "DISCONNECTED"}
}

func (mockSnapshots) ActiveSubscriptions() []string { return []string{"ETHUSDT"} }

func fastRetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Base:         2.0,
	}
}

func newTestService(t *testing.T, broker *mockBroker, maxAttempts int) (*Service, *resilience.Registry) {
	t.Helper()
	registry := resilience.NewRegistry(nopLogger{})
	svc, err := NewService(nopLogger{}, broker, registry, mockSnapshots{}, Options{
		Host:           "127.0.0.1",
		Port:           7497,
		ClientID:       1,
		MaxAttempts:    maxAttempts,
		HealthInterval: time.Hour, // keep the health loop out of the way
		RetryPolicy:    fastRetryPolicy(),
	})
	require.NoError(t, err)
	return svc, registry
}

func recordsOfType(registry *resilience.Registry, errType string) []resilience.Record {
	var out []resilience.Record
	for _, rec := range registry.Recent(100, resilience.Severity("")) {
		if rec.Type == errType {
			out = append(out, rec)
		}
	}
	return out
}

func waitForIdle(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for svc.State() != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("service stuck in state %s", svc.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewService_RequiresDependencies(t *testing.T) {
	registry := resilience.NewRegistry(nopLogger{})
	_, err := NewService(nil, &mockBroker{}, registry, mockSnapshots{}, Options{})
	assert.Error(t, err)
	_, err = NewService(nopLogger{}, nil, registry, mockSnapshots{}, Options{})
	assert.Error(t, err)
	_, err = NewService(nopLogger{}, &mockBroker{}, nil, mockSnapshots{}, Options{})
	assert.Error(t, err)
	_, err = NewService(nopLogger{}, &mockBroker{}, registry, nil, Options{})
	assert.Error(t, err)
}

func TestTriggerRecovery_SucceedsAfterFailures(t *testing.T) {
	oldSettle := settleDelay
	settleDelay = time.Millisecond
	defer func() { settleDelay = oldSettle }()

	broker := &mockBroker{connectFailures: 2}
	svc, registry := newTestService(t, broker, 5)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	require.NoError(t, svc.TriggerRecovery(ctx, "stream error"))
	waitForIdle(t, svc)

	connects, disconnects, positions, accounts := broker.stats()
	assert.Equal(t, 3, connects, "two failures then success")
	assert.Equal(t, 3, disconnects, "disconnect precedes every attempt")
	assert.Equal(t, 1, positions)
	assert.Equal(t, 1, accounts)
	assert.True(t, broker.Status().Connected)

	status := svc.Status()
	assert.Equal(t, 3, status.Attempt)
	assert.False(t, status.LastCompleted.IsZero())

	assert.NotEmpty(t, recordsOfType(registry, "CONNECTION_LOST"))
	assert.Len(t, recordsOfType(registry, "RECONNECT_ATTEMPT_FAILED"), 2)
}

func TestTriggerRecovery_ExhaustionFails(t *testing.T) {
	oldSettle := settleDelay
	settleDelay = time.Millisecond
	defer func() { settleDelay = oldSettle }()

	broker := &mockBroker{connectFailures: 100}
	svc, registry := newTestService(t, broker, 3)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	var outcomes []bool
	svc.onOutcome = func(success bool) { outcomes = append(outcomes, success) }

	require.NoError(t, svc.TriggerRecovery(ctx, "stream error"))
	waitForIdle(t, svc)

	connects, _, positions, _ := broker.stats()
	assert.Equal(t, 3, connects)
	assert.Equal(t, 0, positions, "no restoration after a failed reconnect")
	assert.Equal(t, []bool{false}, outcomes)
	assert.NotEmpty(t, recordsOfType(registry, "RECOVERY_FAILED"))
}

func TestTriggerRecovery_RejectedWhileRunning(t *testing.T) {
	oldSettle := settleDelay
	settleDelay = 200 * time.Millisecond // hold the run in flight
	defer func() { settleDelay = oldSettle }()

	broker := &mockBroker{}
	svc, _ := newTestService(t, broker, 5)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	require.NoError(t, svc.TriggerRecovery(ctx, "first"))
	err := svc.TriggerRecovery(ctx, "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrRecoveryInProgress)

	waitForIdle(t, svc)
}

func TestTriggerRecovery_RequiresRunningService(t *testing.T) {
	svc, _ := newTestService(t, &mockBroker{}, 5)
	err := svc.TriggerRecovery(context.Background(), "early")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestRecoveryCallbacks_RunInOrderAndFailuresDoNotAbort(t *testing.T) {
	oldSettle := settleDelay
	settleDelay = time.Millisecond
	defer func() { settleDelay = oldSettle }()

	broker := &mockBroker{}
	svc, registry := newTestService(t, broker, 5)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	svc.RegisterRecoveryCallback("first", func(ctx context.Context, rc *Context) error {
		record("first")
		assert.Equal(t, []int64{101, 102}, rc.PendingOrderIDs)
		assert.Equal(t, []string{"ETHUSDT"}, rc.Subscriptions)
		return nil
	})
	svc.RegisterRecoveryCallback("second", func(ctx context.Context, rc *Context) error {
		record("second")
		return errors.New("restore blew up")
	})
	svc.RegisterRecoveryCallback("third", func(ctx context.Context, rc *Context) error {
		record("third")
		return nil
	})

	svc.Start(ctx)
	defer svc.Stop(ctx)
	require.NoError(t, svc.TriggerRecovery(ctx, "stream error"))
	waitForIdle(t, svc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.NotEmpty(t, recordsOfType(registry, "RECOVERY_CALLBACK_FAILED"))
}

func TestRegisterRecoveryCallback_IdempotentByName(t *testing.T) {
	svc, _ := newTestService(t, &mockBroker{}, 5)
	svc.RegisterRecoveryCallback("orders", func(ctx context.Context, rc *Context) error { return nil })
	svc.RegisterRecoveryCallback("orders", func(ctx context.Context, rc *Context) error { return nil })
	svc.RegisterRecoveryCallback("state", func(ctx context.Context, rc *Context) error { return nil })

	assert.Equal(t, []string{"orders", "state"}, svc.Status().CallbackNames)
}

func TestHealthLoop_TriggersOnDisconnectedBroker(t *testing.T) {
	oldSettle := settleDelay
	settleDelay = time.Millisecond
	defer func() { settleDelay = oldSettle }()

	broker := &mockBroker{} // Status starts disconnected
	registry := resilience.NewRegistry(nopLogger{})
	svc, err := NewService(nopLogger{}, broker, registry, mockSnapshots{}, Options{
		MaxAttempts:    2,
		HealthInterval: 10 * time.Millisecond,
		RetryPolicy:    fastRetryPolicy(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	deadline := time.After(5 * time.Second)
	for {
		connects, _, _, _ := broker.stats()
		if connects > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("health loop never triggered recovery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
