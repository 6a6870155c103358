// Package engine orchestrates the trading core: it owns startup and
// shutdown sequencing, the order placement critical path, market-data
// subscriptions and the bridge from broker callbacks into application
// state.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeCore/internal/domain"
	"tradeCore/internal/marketdata"
	"tradeCore/internal/metrics"
	"tradeCore/internal/orders"
	"tradeCore/internal/ports"
	"tradeCore/internal/recovery"
	"tradeCore/internal/resilience"
	"tradeCore/internal/state"
)

const (
	defaultEventQueueSize  = 1024
	defaultLatencyBudget   = 50 * time.Millisecond
	maxLatencySamples      = 1000
	dispatchStopGrace      = 5 * time.Second
	connectionBreakerName  = "broker_connection"
	resubscribeCallbackKey = "resubscribe_market_data"
)

// OrderRequest is the application-facing order placement request.
type OrderRequest struct {
	Symbol      string
	Side        domain.OrderSide
	Type        domain.OrderType
	Quantity    int64
	LimitPrice  float64
	StopPrice   float64
	TimeInForce string
}

// OrderResult reports a successful placement.
type OrderResult struct {
	OrderID int64
	Status  domain.OrderStatus
	Latency time.Duration
}

// Performance summarizes order placement latencies.
type Performance struct {
	OrderCount int
	AvgLatency time.Duration
	MinLatency time.Duration
	MaxLatency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
}

// Status is the engine's composite runtime view.
type Status struct {
	Running       bool
	StartedAt     time.Time
	Uptime        time.Duration
	SystemState   domain.SystemState
	Connection    ports.ConnectionStatus
	Orders        orders.Status
	MarketData    marketdata.Status
	Recovery      recovery.Status
	Breaker       resilience.BreakerView
	Subscriptions []string
	Performance   Performance
}

// Options configures the engine.
type Options struct {
	Host          string
	Port          int
	ClientID      int
	LatencyBudget time.Duration

	EventQueueSize int

	BreakerThreshold int
	BreakerTimeout   time.Duration

	RecoveryMaxAttempts    int
	RecoveryHealthInterval time.Duration
	RetryPolicy            resilience.RetryPolicy
}

// Engine wires the subsystems together and bridges the broker's message
// loop into them through a single dispatch goroutine.
type Engine struct {
	logger      ports.Logger
	broadcaster ports.Broadcaster
	registry    *resilience.Registry
	metrics     *metrics.Metrics
	tracker     *orders.Tracker
	state       *state.Manager
	processor   *marketdata.Processor
	broker      ports.BrokerConnection
	recovery    *recovery.Service

	connBreaker   *resilience.CircuitBreaker
	latencyBudget time.Duration
	host          string
	port          int
	clientID      int

	mu            sync.Mutex
	running       bool
	startedAt     time.Time
	subscriptions map[string][]int64 // symbol -> broker request ids
	latencies     []time.Duration
	events        chan brokerEvent
	dispatchDone  chan struct{}
}

// New assembles the engine and its recovery service. The engine itself
// provides the recovery snapshot.
func New(logger ports.Logger, broadcaster ports.Broadcaster, registry *resilience.Registry, mets *metrics.Metrics, tracker *orders.Tracker, stateMgr *state.Manager, processor *marketdata.Processor, broker ports.BrokerConnection, opts Options) (*Engine, error) {
	if logger == nil || broadcaster == nil || registry == nil || mets == nil ||
		tracker == nil || stateMgr == nil || processor == nil || broker == nil {
		return nil, fmt.Errorf("missing required dependencies for engine")
	}
	if opts.LatencyBudget <= 0 {
		opts.LatencyBudget = defaultLatencyBudget
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = defaultEventQueueSize
	}

	e := &Engine{
		logger:        logger,
		broadcaster:   broadcaster,
		registry:      registry,
		metrics:       mets,
		tracker:       tracker,
		state:         stateMgr,
		processor:     processor,
		broker:        broker,
		latencyBudget: opts.LatencyBudget,
		host:          opts.Host,
		port:          opts.Port,
		clientID:      opts.ClientID,
		subscriptions: make(map[string][]int64),
		events:        make(chan brokerEvent, opts.EventQueueSize),
	}
	e.connBreaker = registry.Breaker(connectionBreakerName, opts.BreakerThreshold, opts.BreakerTimeout)

	rec, err := recovery.NewService(logger, broker, registry, e, recovery.Options{
		Host:           opts.Host,
		Port:           opts.Port,
		ClientID:       opts.ClientID,
		MaxAttempts:    opts.RecoveryMaxAttempts,
		HealthInterval: opts.RecoveryHealthInterval,
		RetryPolicy:    opts.RetryPolicy,
		OnOutcome: func(success bool) {
			outcome := "completed"
			if !success {
				outcome = "failed"
			}
			mets.RecoveriesTotal.WithLabelValues(outcome).Inc()
			mets.ConnectionStatus.Set(boolToGauge(broker.Status().Connected))
			e.publishBreakerState()
		},
	})
	if err != nil {
		return nil, err
	}
	e.recovery = rec
	e.recovery.RegisterRecoveryCallback(resubscribeCallbackKey, e.resubscribe)

	return e, nil
}

// Start brings the subsystems up in dependency order and connects to the
// broker. A startup failure leaves already-started subsystems running so
// the caller can Stop cleanly.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.startedAt = time.Now().UTC()
	e.dispatchDone = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info(ctx, "Trading engine starting", map[string]interface{}{
		"host": e.host, "port": e.port, "clientID": e.clientID,
	})

	go e.dispatch()

	e.processor.Start(ctx)
	e.tracker.Start(ctx)
	e.state.Start(ctx)
	e.recovery.Start(ctx)

	e.broker.SetHandlers(e.handlers())

	err := e.connBreaker.ExecuteCtx(ctx, func(ctx context.Context) error {
		return e.broker.Connect(ctx, e.host, e.port, e.clientID)
	})
	e.publishBreakerState()
	if err != nil {
		e.state.SetSystemState(ctx, domain.SystemError)
		e.metrics.ConnectionStatus.Set(0)
		return fmt.Errorf("engine startup connect: %w", err)
	}
	e.state.SetSystemState(ctx, domain.SystemConnected)
	e.metrics.ConnectionStatus.Set(1)

	if err := e.broker.RequestPositions(ctx); err != nil {
		e.logger.Warn(ctx, "Initial position request failed", map[string]interface{}{"error": err.Error()})
	}
	if err := e.broker.RequestAccountSummary(ctx); err != nil {
		e.logger.Warn(ctx, "Initial account summary request failed", map[string]interface{}{"error": err.Error()})
	}

	e.logger.Info(ctx, "Trading engine started", nil)
	return nil
}

// Stop shuts the subsystems down in reverse order.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	subs := make(map[string][]int64, len(e.subscriptions))
	for symbol, ids := range e.subscriptions {
		subs[symbol] = ids
	}
	e.subscriptions = make(map[string][]int64)
	dispatchDone := e.dispatchDone
	e.mu.Unlock()

	for symbol, ids := range subs {
		for _, id := range ids {
			if err := e.broker.CancelMarketData(ctx, id); err != nil {
				e.logger.Warn(ctx, "Subscription cancel failed during shutdown", map[string]interface{}{
					"symbol": symbol, "reqID": id, "error": err.Error(),
				})
			}
		}
	}

	e.recovery.Stop(ctx)
	e.state.SetSystemState(ctx, domain.SystemDisconnected)
	e.state.Stop(ctx)
	e.tracker.Stop(ctx)
	e.processor.Stop(ctx)

	if err := e.broker.Disconnect(ctx); err != nil {
		e.logger.Warn(ctx, "Broker disconnect failed during shutdown", map[string]interface{}{"error": err.Error()})
	}
	e.metrics.ConnectionStatus.Set(0)

	close(e.events)
	select {
	case <-dispatchDone:
	case <-time.After(dispatchStopGrace):
		e.logger.Warn(ctx, "Event dispatch did not drain before shutdown grace period", nil)
	}

	e.logger.Info(ctx, "Trading engine stopped", nil)
}

// PlaceOrder runs the placement critical path: validate, reserve the
// broker order id, register with the tracker, then submit. Registration
// happens before submission so a status callback racing the submit call
// always finds the order.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := validateRequest(req); err != nil {
		return OrderResult{}, err
	}
	if !e.broker.Status().Connected {
		return OrderResult{}, fmt.Errorf("cannot place order for %s: %w", req.Symbol, ports.ErrNotConnected)
	}

	orderID := e.broker.NextOrderID()
	if _, err := e.tracker.CreateOrder(ctx, orderID, req.Symbol, req.Side, req.Type, req.Quantity, req.LimitPrice, req.StopPrice); err != nil {
		return OrderResult{}, fmt.Errorf("register order %d: %w", orderID, err)
	}

	ticket := ports.OrderTicket{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
	}

	start := time.Now()
	err := e.broker.PlaceOrder(ctx, orderID, ticket)
	latency := time.Since(start)

	if err != nil {
		e.tracker.UpdateOrderStatus(ctx, orderID, "Error", 0, req.Quantity, 0, 0, err.Error())
		e.registry.Record("ORDER_PLACEMENT_FAILED", err.Error(), resilience.SeverityHigh, map[string]interface{}{
			"orderID": orderID, "symbol": req.Symbol,
		})
		return OrderResult{}, fmt.Errorf("submit order %d: %w", orderID, ports.ErrOrderPlacementFailed)
	}

	e.tracker.SetPlacementLatency(orderID, latency)
	e.recordLatency(latency)
	e.metrics.OrdersPlaced.WithLabelValues(req.Symbol, string(req.Side)).Inc()
	e.metrics.OrderLatency.Observe(latency.Seconds())

	if latency > e.latencyBudget {
		e.logger.Warn(ctx, "Order placement exceeded latency budget", map[string]interface{}{
			"orderID": orderID,
			"latency": latency.String(),
			"budget":  e.latencyBudget.String(),
		})
	}

	e.logger.Info(ctx, "Order placed", map[string]interface{}{
		"orderID": orderID,
		"symbol":  req.Symbol,
		"side":    req.Side,
		"type":    req.Type,
		"qty":     req.Quantity,
		"latency": latency.String(),
	})
	return OrderResult{OrderID: orderID, Status: domain.OrderStatusSubmitted, Latency: latency}, nil
}

// CancelOrder records the cancel intent with the tracker and forwards it
// to the broker.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) error {
	if !e.tracker.RequestCancel(ctx, orderID) {
		return fmt.Errorf("cancel order %d: %w", orderID, ports.ErrOrderNotFound)
	}
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, ports.ErrOrderCancelFailed)
	}
	return nil
}

// Subscribe opens the market data streams for a symbol: top-of-book
// quotes and realtime 5-second bars.
func (e *Engine) Subscribe(ctx context.Context, symbol string) error {
	if symbol == "" {
		return fmt.Errorf("subscribe: empty symbol: %w", ports.ErrInvalidRequest)
	}
	e.mu.Lock()
	if _, exists := e.subscriptions[symbol]; exists {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	quoteID, err := e.broker.RequestMarketData(ctx, symbol, func(q ports.Quote) {
		e.broadcaster.QueueMessage(context.Background(), ports.Message{
			Topic: "market_data",
			Key:   q.Symbol,
			Type:  "quote",
			Data: map[string]interface{}{
				"symbol": q.Symbol, "bid": q.Bid, "ask": q.Ask,
				"last": q.Last, "volume": q.Volume, "timestamp": q.Timestamp,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe market data for %s: %w", symbol, err)
	}

	barID, err := e.broker.RequestRealtimeBars(ctx, symbol, func(bar domain.Bar) {
		e.enqueue(brokerEvent{kind: eventBar, bar: &bar})
	})
	if err != nil {
		if cancelErr := e.broker.CancelMarketData(ctx, quoteID); cancelErr != nil {
			e.logger.Warn(ctx, "Quote stream cancel after failed bar subscription", map[string]interface{}{
				"symbol": symbol, "error": cancelErr.Error(),
			})
		}
		return fmt.Errorf("subscribe realtime bars for %s: %w", symbol, err)
	}

	e.mu.Lock()
	e.subscriptions[symbol] = []int64{quoteID, barID}
	e.mu.Unlock()

	e.logger.Info(ctx, "Subscribed to market data", map[string]interface{}{"symbol": symbol})
	return nil
}

// Unsubscribe cancels the streams for a symbol.
func (e *Engine) Unsubscribe(ctx context.Context, symbol string) error {
	e.mu.Lock()
	ids, ok := e.subscriptions[symbol]
	delete(e.subscriptions, symbol)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", symbol, ports.ErrNotFound)
	}
	for _, id := range ids {
		if err := e.broker.CancelMarketData(ctx, id); err != nil {
			e.logger.Warn(ctx, "Subscription cancel failed", map[string]interface{}{
				"symbol": symbol, "reqID": id, "error": err.Error(),
			})
		}
	}
	e.logger.Info(ctx, "Unsubscribed from market data", map[string]interface{}{"symbol": symbol})
	return nil
}

// resubscribe restores the market data streams captured in the recovery
// snapshot.
func (e *Engine) resubscribe(ctx context.Context, rc *recovery.Context) error {
	e.mu.Lock()
	e.subscriptions = make(map[string][]int64)
	e.mu.Unlock()

	var firstErr error
	for _, symbol := range rc.Subscriptions {
		if err := e.Subscribe(ctx, symbol); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Error(ctx, err, "Resubscribe after recovery failed", map[string]interface{}{"symbol": symbol})
		}
	}
	return firstErr
}

// RecordTradeResult folds a realized trade outcome into the session.
func (e *Engine) RecordTradeResult(ctx context.Context, pnl float64) {
	e.state.RecordTradeResult(ctx, pnl)
}

// PendingOrderIDs implements the recovery snapshot.
func (e *Engine) PendingOrderIDs() []int64 {
	return e.tracker.PendingOrderIDs()
}

// FullState implements the recovery snapshot.
func (e *Engine) FullState() map[string]interface{} {
	return e.state.FullState()
}

// ActiveSubscriptions implements the recovery snapshot.
func (e *Engine) ActiveSubscriptions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make([]string, 0, len(e.subscriptions))
	for symbol := range e.subscriptions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// publishBreakerState mirrors the connection breaker into its gauge
// (0 closed, 1 open, 2 half-open).
func (e *Engine) publishBreakerState() {
	var value float64
	switch e.connBreaker.State() {
	case resilience.BreakerOpen:
		value = 1
	case resilience.BreakerHalfOpen:
		value = 2
	}
	e.metrics.BreakerState.WithLabelValues(connectionBreakerName).Set(value)
}

func (e *Engine) recordLatency(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.latencies) == maxLatencySamples {
		copy(e.latencies, e.latencies[1:])
		e.latencies = e.latencies[:len(e.latencies)-1]
	}
	e.latencies = append(e.latencies, latency)
}

// Performance summarizes placement latencies over the retained samples.
func (e *Engine) Performance() Performance {
	e.mu.Lock()
	samples := make([]time.Duration, len(e.latencies))
	copy(samples, e.latencies)
	e.mu.Unlock()

	if len(samples) == 0 {
		return Performance{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return Performance{
		OrderCount: len(samples),
		AvgLatency: total / time.Duration(len(samples)),
		MinLatency: samples[0],
		MaxLatency: samples[len(samples)-1],
		P95Latency: percentile(samples, 0.95),
		P99Latency: percentile(samples, 0.99),
	}
}

// percentile picks the nearest-rank value from a sorted sample set.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Status reports the engine's composite runtime view.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startedAt)
	}
	return Status{
		Running:       running,
		StartedAt:     startedAt,
		Uptime:        uptime,
		SystemState:   e.state.SystemState(),
		Connection:    e.broker.Status(),
		Orders:        e.tracker.Status(),
		MarketData:    e.processor.Status(),
		Recovery:      e.recovery.Status(),
		Breaker:       e.connBreaker.View(),
		Subscriptions: e.ActiveSubscriptions(),
		Performance:   e.Performance(),
	}
}

func validateRequest(req OrderRequest) error {
	switch {
	case req.Symbol == "":
		return fmt.Errorf("order request missing symbol: %w", ports.ErrInvalidRequest)
	case req.Quantity <= 0:
		return fmt.Errorf("order request quantity must be positive: %w", ports.ErrInvalidRequest)
	case req.Side != domain.Buy && req.Side != domain.Sell:
		return fmt.Errorf("order request has invalid side %q: %w", req.Side, ports.ErrInvalidRequest)
	case (req.Type == domain.Limit || req.Type == domain.StopLimit) && req.LimitPrice <= 0:
		return fmt.Errorf("limit order requires a positive limit price: %w", ports.ErrInvalidRequest)
	case (req.Type == domain.Stop || req.Type == domain.StopLimit) && req.StopPrice <= 0:
		return fmt.Errorf("stop order requires a positive stop price: %w", ports.ErrInvalidRequest)
	}
	switch req.Type {
	case domain.Market, domain.Limit, domain.Stop, domain.StopLimit:
		return nil
	default:
		return fmt.Errorf("order request has invalid type %q: %w", req.Type, ports.ErrInvalidRequest)
	}
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
