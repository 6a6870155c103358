package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
	"tradeCore/internal/resilience"
)

const (
	eventQueueSize    = 256
	defaultMaxHistory = 10000
	stopGracePeriod   = 5 * time.Second
)

// rawStatusTable maps the broker's raw status vocabulary onto the
// canonical enum. Values not listed here fall back to ACKNOWLEDGED.
var rawStatusTable = map[string]domain.OrderStatus{
	"PendingSubmit": domain.OrderStatusPending,
	"PendingCancel": domain.OrderStatusPending,
	"PreSubmitted":  domain.OrderStatusSubmitted,
	"Submitted":     domain.OrderStatusSubmitted,
	"Filled":        domain.OrderStatusFilled,
	"Cancelled":     domain.OrderStatusCancelled,
	"Inactive":      domain.OrderStatusCancelled,
	"ApiCancelled":  domain.OrderStatusCancelled,
	"Rejected":      domain.OrderStatusRejected,
	"Error":         domain.OrderStatusError,
}

// EventCallback receives a snapshot of the order after a lifecycle event.
type EventCallback func(order domain.Order)

type queuedEvent struct {
	kind  string
	order domain.Order
	exec  *domain.Execution
}

// Statistics summarizes the tracker's order population.
type Statistics struct {
	TotalOrders          int
	ActiveOrders         int
	StatusBreakdown      map[domain.OrderStatus]int
	TotalExecutions      int
	OrdersWithExecutions int
}

// Status is the tracker's observable state.
type Status struct {
	Running        bool
	EventQueueSize int
	Statistics     Statistics
}

// Tracker owns the order table and the ordered event delivery queue.
// Every mutation enqueues a notification; a single consumer goroutine
// drains the queue so observers see events in creation order even though
// producers run concurrently.
type Tracker struct {
	logger      ports.Logger
	broadcaster ports.Broadcaster
	registry    *resilience.Registry
	maxHistory  int

	mu          sync.Mutex
	orders      map[int64]*domain.Order
	orderIDs    []int64 // Insertion order, used for bounded history trimming
	executions  map[int64][]domain.Execution
	seenExecIDs map[string]struct{}
	active      map[int64]struct{}
	callbacks   map[string]map[string]EventCallback
	running     bool
	queue       chan queuedEvent
	stopped     chan struct{}
}

// NewTracker creates a tracker. maxHistory bounds how many orders are
// retained; zero or negative selects the default.
func NewTracker(logger ports.Logger, broadcaster ports.Broadcaster, registry *resilience.Registry, maxHistory int) (*Tracker, error) {
	if logger == nil || broadcaster == nil || registry == nil {
		return nil, fmt.Errorf("missing required dependencies for order tracker")
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Tracker{
		logger:      logger,
		broadcaster: broadcaster,
		registry:    registry,
		maxHistory:  maxHistory,
		orders:      make(map[int64]*domain.Order),
		executions:  make(map[int64][]domain.Execution),
		seenExecIDs: make(map[string]struct{}),
		active:      make(map[int64]struct{}),
		callbacks:   make(map[string]map[string]EventCallback),
	}, nil
}

// Start launches the event consumer.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.queue = make(chan queuedEvent, eventQueueSize)
	t.stopped = make(chan struct{})
	go t.consume()
	t.logger.Info(ctx, "Order tracker started")
}

// Stop drains the consumer and waits for it within a grace period.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.queue)
	stopped := t.stopped
	t.mu.Unlock()

	select {
	case <-stopped:
	case <-time.After(stopGracePeriod):
		t.logger.Warn(ctx, "Timeout waiting for order event consumer to drain")
	}
	t.logger.Info(ctx, "Order tracker stopped")
}

func (t *Tracker) consume() {
	defer close(t.stopped)
	for ev := range t.queue {
		t.deliver(ev)
	}
}

// deliver forwards one event to the broadcaster and registered callbacks.
// Runs only on the consumer goroutine.
func (t *Tracker) deliver(ev queuedEvent) {
	ctx := context.Background()

	t.broadcaster.Broadcast(ctx, ports.Message{
		Topic: "orders",
		Key:   fmt.Sprintf("%d", ev.order.OrderID),
		Type:  ev.kind,
		Data: map[string]interface{}{
			"order_id":           ev.order.OrderID,
			"symbol":             ev.order.Symbol,
			"side":               ev.order.Side,
			"order_type":         ev.order.Type,
			"quantity":           ev.order.Quantity,
			"filled_quantity":    ev.order.FilledQuantity,
			"remaining_quantity": ev.order.RemainingQuantity,
			"avg_fill_price":     ev.order.AvgFillPrice,
			"status":             ev.order.Status,
			"commission":         ev.order.Commission,
			"last_update":        ev.order.LastUpdateTime,
		},
	})

	if ev.kind == domain.EventExecution && ev.exec != nil {
		t.broadcaster.Broadcast(ctx, ports.Message{
			Topic: "market_data",
			Key:   ev.exec.Symbol,
			Type:  "execution",
			Data: map[string]interface{}{
				"order_id":  ev.exec.OrderID,
				"exec_id":   ev.exec.ExecID,
				"symbol":    ev.exec.Symbol,
				"side":      ev.exec.Side,
				"quantity":  ev.exec.Quantity,
				"price":     ev.exec.Price,
				"timestamp": ev.exec.Timestamp,
			},
		})
	}

	t.mu.Lock()
	cbs := make([]EventCallback, 0, len(t.callbacks[ev.kind]))
	for _, cb := range t.callbacks[ev.kind] {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(ev.order)
	}
}

// enqueueLocked queues an event for delivery. Callers hold t.mu. A full
// queue drops the event rather than blocking the mutation path.
func (t *Tracker) enqueueLocked(kind string, order *domain.Order, exec *domain.Execution) {
	if !t.running {
		return
	}
	ev := queuedEvent{kind: kind, order: *order, exec: exec}
	select {
	case t.queue <- ev:
	default:
		t.registry.Record("ORDER_EVENT_DROPPED", "order event queue full", resilience.SeverityMedium,
			map[string]interface{}{"orderID": order.OrderID, "kind": kind})
	}
}

// CreateOrder registers a new order in PENDING. It fails only when the id
// already exists.
func (t *Tracker) CreateOrder(ctx context.Context, orderID int64, symbol string, side domain.OrderSide, orderType domain.OrderType, quantity int64, limitPrice, stopPrice float64) (domain.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.orders[orderID]; exists {
		return domain.Order{}, fmt.Errorf("order %d: %w", orderID, ports.ErrDuplicateOrder)
	}

	now := time.Now().UTC()
	order := &domain.Order{
		OrderID:           orderID,
		Symbol:            symbol,
		Side:              side,
		Type:              orderType,
		Quantity:          quantity,
		RemainingQuantity: quantity,
		LimitPrice:        limitPrice,
		StopPrice:         stopPrice,
		Status:            domain.OrderStatusPending,
		SubmitTime:        now,
		LastUpdateTime:    now,
		Events: []domain.OrderEvent{{
			EventID:   uuid.NewString(),
			OrderID:   orderID,
			Kind:      domain.EventOrderCreated,
			Timestamp: now,
			Status:    domain.OrderStatusPending,
			Message:   "Order created",
			Details: map[string]interface{}{
				"symbol":   symbol,
				"side":     side,
				"quantity": quantity,
			},
		}},
	}

	t.orders[orderID] = order
	t.orderIDs = append(t.orderIDs, orderID)
	t.active[orderID] = struct{}{}
	t.trimHistoryLocked()
	t.enqueueLocked(domain.EventOrderCreated, order, nil)

	return *order, nil
}

// UpdateOrderStatus applies a broker status callback. Unknown order ids
// are logged no-ops, never fatal. Returns the updated order snapshot and
// whether the order was found.
func (t *Tracker) UpdateOrderStatus(ctx context.Context, orderID int64, rawStatus string, filled, remaining int64, avgFillPrice, lastFillPrice float64, message string) (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok {
		t.logger.Warn(ctx, "Order not found for status update", map[string]interface{}{"orderID": orderID, "rawStatus": rawStatus})
		return domain.Order{}, false
	}

	newStatus, known := rawStatusTable[rawStatus]
	if !known {
		newStatus = domain.OrderStatusAcknowledged
	}
	// A partial fill overrides whatever the raw mapping says.
	if filled > 0 && filled < order.Quantity {
		newStatus = domain.OrderStatusPartiallyFilled
	}

	now := time.Now().UTC()
	order.Status = newStatus
	order.FilledQuantity = filled
	order.RemainingQuantity = remaining
	order.AvgFillPrice = avgFillPrice
	order.LastFillPrice = lastFillPrice
	order.LastUpdateTime = now

	if message == "" {
		message = fmt.Sprintf("Status changed to %s", newStatus)
	}
	order.Events = append(order.Events, domain.OrderEvent{
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		Kind:      domain.EventStatusUpdate,
		Timestamp: now,
		Status:    newStatus,
		Message:   message,
		Details: map[string]interface{}{
			"raw_status":     rawStatus,
			"filled":         filled,
			"remaining":      remaining,
			"avg_fill_price": avgFillPrice,
		},
	})

	if newStatus.IsTerminal() {
		delete(t.active, orderID)
	}
	t.enqueueLocked(domain.EventStatusUpdate, order, nil)

	return *order, true
}

// AddExecution appends one fill report and accumulates its commission on
// the order. Redelivered execution ids are idempotently ignored. Returns
// nil when the order is unknown or the execution is a duplicate.
func (t *Tracker) AddExecution(ctx context.Context, orderID int64, execID, symbol, side string, quantity int64, price, commission float64, cumulativeQty int64, averagePrice float64) *domain.Execution {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok {
		t.logger.Warn(ctx, "Order not found for execution report", map[string]interface{}{"orderID": orderID, "execID": execID})
		return nil
	}
	if _, dup := t.seenExecIDs[execID]; dup {
		t.logger.Warn(ctx, "Duplicate execution id ignored", map[string]interface{}{"orderID": orderID, "execID": execID})
		return nil
	}
	t.seenExecIDs[execID] = struct{}{}

	now := time.Now().UTC()
	exec := domain.Execution{
		OrderID:            orderID,
		ExecID:             execID,
		Symbol:             symbol,
		Side:               side,
		Quantity:           quantity,
		Price:              price,
		Commission:         commission,
		Timestamp:          now,
		CumulativeQuantity: cumulativeQty,
		AveragePrice:       averagePrice,
	}
	t.executions[orderID] = append(t.executions[orderID], exec)

	order.Commission += commission
	order.LastUpdateTime = now
	order.Events = append(order.Events, domain.OrderEvent{
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		Kind:      domain.EventExecution,
		Timestamp: now,
		Status:    order.Status,
		Message:   fmt.Sprintf("Executed %d @ %v", quantity, price),
		Details: map[string]interface{}{
			"exec_id":    execID,
			"quantity":   quantity,
			"price":      price,
			"commission": commission,
		},
	})

	t.enqueueLocked(domain.EventExecution, order, &exec)
	return &exec
}

// RequestCancel records a cancellation request. The status itself only
// changes when the broker's status callback arrives.
func (t *Tracker) RequestCancel(ctx context.Context, orderID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok {
		t.logger.Warn(ctx, "Order not found for cancel request", map[string]interface{}{"orderID": orderID})
		return false
	}

	now := time.Now().UTC()
	order.LastUpdateTime = now
	order.Events = append(order.Events, domain.OrderEvent{
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		Kind:      domain.EventCancelRequested,
		Timestamp: now,
		Status:    order.Status,
		Message:   "Cancellation requested",
		Details:   map[string]interface{}{},
	})
	t.enqueueLocked(domain.EventCancelRequested, order, nil)
	return true
}

// SetPlacementLatency records the measured wall time of the placement
// call for an order.
func (t *Tracker) SetPlacementLatency(orderID int64, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if order, ok := t.orders[orderID]; ok {
		order.PlacementLatency = latency
	}
}

// trimHistoryLocked drops the oldest terminal orders once the retained
// population exceeds maxHistory. Live orders are never dropped.
func (t *Tracker) trimHistoryLocked() {
	if len(t.orders) <= t.maxHistory {
		return
	}
	kept := t.orderIDs[:0]
	excess := len(t.orders) - t.maxHistory
	for _, id := range t.orderIDs {
		order := t.orders[id]
		if excess > 0 && order != nil && order.Status.IsTerminal() {
			for _, exec := range t.executions[id] {
				delete(t.seenExecIDs, exec.ExecID)
			}
			delete(t.orders, id)
			delete(t.executions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.orderIDs = kept
}

// RegisterCallback registers a named callback for an event kind.
// Registration is idempotent by (kind, name).
func (t *Tracker) RegisterCallback(kind, name string, cb EventCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.callbacks[kind] == nil {
		t.callbacks[kind] = make(map[string]EventCallback)
	}
	t.callbacks[kind][name] = cb
}

// UnregisterCallback removes a named callback.
func (t *Tracker) UnregisterCallback(kind, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cbs, ok := t.callbacks[kind]; ok {
		delete(cbs, name)
	}
}

// Order returns a snapshot of one order.
func (t *Tracker) Order(orderID int64) (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *order, true
}

// AllOrders returns snapshots of every retained order in creation order.
func (t *Tracker) AllOrders() []domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Order, 0, len(t.orderIDs))
	for _, id := range t.orderIDs {
		if order, ok := t.orders[id]; ok {
			out = append(out, *order)
		}
	}
	return out
}

// ActiveOrders returns snapshots of orders not yet in a terminal state.
func (t *Tracker) ActiveOrders() []domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Order, 0, len(t.active))
	for _, id := range t.orderIDs {
		if _, isActive := t.active[id]; !isActive {
			continue
		}
		if order, ok := t.orders[id]; ok {
			out = append(out, *order)
		}
	}
	return out
}

// PendingOrderIDs returns the ids of orders still in flight, used by the
// recovery snapshot.
func (t *Tracker) PendingOrderIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.active))
	for _, id := range t.orderIDs {
		if _, isActive := t.active[id]; isActive {
			out = append(out, id)
		}
	}
	return out
}

// Executions returns the fill reports recorded for one order.
func (t *Tracker) Executions(orderID int64) []domain.Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	execs := t.executions[orderID]
	out := make([]domain.Execution, len(execs))
	copy(out, execs)
	return out
}

// Events returns the lifecycle event log for one order.
func (t *Tracker) Events(orderID int64) []domain.OrderEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[orderID]
	if !ok {
		return nil
	}
	out := make([]domain.OrderEvent, len(order.Events))
	copy(out, order.Events)
	return out
}

// Statistics summarizes the tracked order population.
func (t *Tracker) Statistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	breakdown := make(map[domain.OrderStatus]int)
	for _, order := range t.orders {
		breakdown[order.Status]++
	}
	totalExecs := 0
	for _, execs := range t.executions {
		totalExecs += len(execs)
	}
	return Statistics{
		TotalOrders:          len(t.orders),
		ActiveOrders:         len(t.active),
		StatusBreakdown:      breakdown,
		TotalExecutions:      totalExecs,
		OrdersWithExecutions: len(t.executions),
	}
}

// Status reports the tracker's runtime state.
func (t *Tracker) Status() Status {
	stats := t.Statistics()
	t.mu.Lock()
	defer t.mu.Unlock()
	depth := 0
	if t.queue != nil {
		depth = len(t.queue)
	}
	return Status{
		Running:        t.running,
		EventQueueSize: depth,
		Statistics:     stats,
	}
}
