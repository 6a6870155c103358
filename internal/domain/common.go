package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType represents the execution type of an order.
type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus represents the canonical lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusError           OrderStatus = "ERROR"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusError:
		return true
	}
	return false
}

// TradingMode represents the mode a trading session runs in.
type TradingMode string

const (
	ModePaper      TradingMode = "PAPER"
	ModeLive       TradingMode = "LIVE"
	ModeSimulation TradingMode = "SIMULATION"
)

// SystemState represents the overall system connection state.
type SystemState string

const (
	SystemInitializing SystemState = "INITIALIZING"
	SystemConnected    SystemState = "CONNECTED"
	SystemDisconnected SystemState = "DISCONNECTED"
	SystemError        SystemState = "ERROR"
	SystemMaintenance  SystemState = "MAINTENANCE"
)
