package ports

import (
	"context"
	"time"

	"tradeCore/internal/domain"
)

// ConnectionStatus describes the broker session as last reported.
type ConnectionStatus struct {
	Connected   bool
	Host        string
	Port        int
	ClientID    int
	NextOrderID int64 // Next order id the broker will assign, 0 if unknown
}

// OrderTicket is the broker-facing order representation built by the
// engine on the placement critical path.
type OrderTicket struct {
	Symbol      string
	Side        domain.OrderSide
	Type        domain.OrderType
	Quantity    int64
	LimitPrice  float64 // Required for LIMIT and STOP_LIMIT
	StopPrice   float64 // Required for STOP and STOP_LIMIT
	TimeInForce string  // e.g. "GTC"
}

// AccountUpdate carries one account summary callback payload.
type AccountUpdate struct {
	AccountType       string
	Currency          string
	CashBalance       float64
	TotalValue        float64
	BuyingPower       float64
	MaintenanceMargin float64
	AvailableFunds    float64
	RealizedPnL       float64
	UnrealizedPnL     float64
}

// Quote is a top-of-book market data tick.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    int64
	Timestamp time.Time
}

// BrokerHandlers are the callbacks the core implements. They are invoked
// from the broker connection's message loop; implementations must only
// enqueue and never mutate shared state directly.
type BrokerHandlers struct {
	OrderStatus    func(orderID int64, rawStatus string, filled, remaining int64, avgFillPrice, lastFillPrice float64, message string)
	Execution      func(exec domain.Execution)
	Position       func(symbol string, quantity, avgCost float64, account string)
	AccountSummary func(accountID string, update AccountUpdate)
	Error          func(code int, message string)
}

// BrokerConnection is the stateful session to the trading venue's API.
// It owns order routing and market-data delivery; the wire protocol behind
// it is an opaque client library.
type BrokerConnection interface {
	// Connect establishes the session. Idempotent when already connected.
	Connect(ctx context.Context, host string, port, clientID int) error

	// Disconnect tears the session down, joining the message loop with a
	// bounded wait.
	Disconnect(ctx context.Context) error

	// SetHandlers registers the core's callbacks. Must be called before
	// Connect.
	SetHandlers(h BrokerHandlers)

	// NextOrderID reserves and returns the next broker-assigned order id.
	NextOrderID() int64

	// PlaceOrder submits the ticket under the reserved order id.
	PlaceOrder(ctx context.Context, orderID int64, ticket OrderTicket) error

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, orderID int64) error

	// RequestMarketData subscribes to top-of-book ticks, returning the
	// request id used for cancellation.
	RequestMarketData(ctx context.Context, symbol string, onQuote func(Quote)) (int64, error)

	// RequestRealtimeBars subscribes to fixed-interval bars.
	RequestRealtimeBars(ctx context.Context, symbol string, onBar func(domain.Bar)) (int64, error)

	// CancelMarketData cancels a market data or realtime bar subscription.
	CancelMarketData(ctx context.Context, reqID int64) error

	// RequestPositions asks the broker to replay all positions through the
	// Position handler.
	RequestPositions(ctx context.Context) error

	// RequestAccountSummary asks the broker to replay account values
	// through the AccountSummary handler.
	RequestAccountSummary(ctx context.Context) error

	// Status reports the current connection state.
	Status() ConnectionStatus
}
