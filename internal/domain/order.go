package domain

import "time"

// Order event kinds as they appear in the append-only event log.
const (
	EventOrderCreated    = "ORDER_CREATED"
	EventStatusUpdate    = "STATUS_UPDATE"
	EventExecution       = "EXECUTION"
	EventCancelRequested = "CANCEL_REQUESTED"
)

// OrderEvent is an immutable record of one order lifecycle change.
type OrderEvent struct {
	EventID   string                 // Unique identifier for the event
	OrderID   int64                  // Order the event belongs to
	Kind      string                 // One of the Event* constants
	Timestamp time.Time              // When the event was recorded
	Status    OrderStatus            // Order status resulting from the event
	Message   string                 // Human-readable description
	Details   map[string]interface{} // Free-form detail payload
}

// Order tracks one order through its full lifecycle. Orders are created on
// placement, mutated only by the lifecycle tracker and never deleted while
// the history cap allows.
type Order struct {
	OrderID           int64
	Symbol            string
	Side              OrderSide
	Type              OrderType
	Quantity          int64 // Requested quantity
	FilledQuantity    int64
	RemainingQuantity int64
	LimitPrice        float64 // Zero unless LIMIT/STOP_LIMIT
	StopPrice         float64 // Zero unless STOP/STOP_LIMIT
	AvgFillPrice      float64
	LastFillPrice     float64
	Commission        float64 // Accumulated across executions
	Status            OrderStatus
	SubmitTime        time.Time
	LastUpdateTime    time.Time
	PlacementLatency  time.Duration // Measured wall time of the placement call
	Events            []OrderEvent  // Append-only lifecycle log
}

// Execution is one fill report for an order. ExecID must be unique per
// fill; the tracker uses it to drop broker redeliveries.
type Execution struct {
	OrderID            int64
	ExecID             string
	Symbol             string
	Side               string
	Quantity           int64
	Price              float64
	Commission         float64
	Timestamp          time.Time
	CumulativeQuantity int64
	AveragePrice       float64
}
