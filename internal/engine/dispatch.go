package engine

import (
	"context"
	"strings"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
	"tradeCore/internal/resilience"
)

type eventKind int

const (
	eventOrderStatus eventKind = iota
	eventExecution
	eventPosition
	eventAccount
	eventBar
	eventBrokerError
)

type orderStatusPayload struct {
	orderID       int64
	rawStatus     string
	filled        int64
	remaining     int64
	avgFillPrice  float64
	lastFillPrice float64
	message       string
}

type positionPayload struct {
	symbol   string
	quantity float64
	avgCost  float64
	account  string
}

type accountPayload struct {
	accountID string
	update    ports.AccountUpdate
}

type brokerErrorPayload struct {
	code    int
	message string
}

// brokerEvent is one item on the bridge between the broker's message
// loop and the dispatch goroutine.
type brokerEvent struct {
	kind        eventKind
	orderStatus *orderStatusPayload
	execution   *domain.Execution
	position    *positionPayload
	account     *accountPayload
	bar         *domain.Bar
	brokerErr   *brokerErrorPayload
}

// handlers builds the callback set handed to the broker connection. Each
// callback only enqueues; all state mutation happens on the dispatch
// goroutine.
func (e *Engine) handlers() ports.BrokerHandlers {
	return ports.BrokerHandlers{
		OrderStatus: func(orderID int64, rawStatus string, filled, remaining int64, avgFillPrice, lastFillPrice float64, message string) {
			e.enqueue(brokerEvent{kind: eventOrderStatus, orderStatus: &orderStatusPayload{
				orderID:       orderID,
				rawStatus:     rawStatus,
				filled:        filled,
				remaining:     remaining,
				avgFillPrice:  avgFillPrice,
				lastFillPrice: lastFillPrice,
				message:       message,
			}})
		},
		Execution: func(exec domain.Execution) {
			e.enqueue(brokerEvent{kind: eventExecution, execution: &exec})
		},
		Position: func(symbol string, quantity, avgCost float64, account string) {
			e.enqueue(brokerEvent{kind: eventPosition, position: &positionPayload{
				symbol:   symbol,
				quantity: quantity,
				avgCost:  avgCost,
				account:  account,
			}})
		},
		AccountSummary: func(accountID string, update ports.AccountUpdate) {
			e.enqueue(brokerEvent{kind: eventAccount, account: &accountPayload{
				accountID: accountID,
				update:    update,
			}})
		},
		Error: func(code int, message string) {
			e.enqueue(brokerEvent{kind: eventBrokerError, brokerErr: &brokerErrorPayload{
				code:    code,
				message: message,
			}})
		},
	}
}

// enqueue is non-blocking. A full queue drops the event and records the
// drop; the broker's message loop must never stall on application work.
func (e *Engine) enqueue(ev brokerEvent) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	select {
	case e.events <- ev:
	default:
		e.registry.Record("BROKER_EVENT_DROPPED", "engine event queue full", resilience.SeverityHigh, map[string]interface{}{
			"kind": ev.kind,
		})
	}
	e.mu.Unlock()
}

// dispatch drains the event queue on a single goroutine, giving broker
// callbacks a strict arrival order into application state.
func (e *Engine) dispatch() {
	defer close(e.dispatchDone)
	ctx := context.Background()
	for ev := range e.events {
		switch ev.kind {
		case eventOrderStatus:
			e.handleOrderStatus(ctx, ev.orderStatus)
		case eventExecution:
			e.handleExecution(ctx, ev.execution)
		case eventPosition:
			e.handlePosition(ctx, ev.position)
		case eventAccount:
			e.handleAccount(ctx, ev.account)
		case eventBar:
			e.handleBar(ctx, ev.bar)
		case eventBrokerError:
			e.handleBrokerError(ctx, ev.brokerErr)
		}
	}
}

func (e *Engine) handleOrderStatus(ctx context.Context, p *orderStatusPayload) {
	order, ok := e.tracker.UpdateOrderStatus(ctx, p.orderID, p.rawStatus, p.filled, p.remaining, p.avgFillPrice, p.lastFillPrice, p.message)
	if !ok {
		return
	}
	if order.Status == domain.OrderStatusFilled {
		e.metrics.OrdersFilled.Inc()
	}
}

func (e *Engine) handleExecution(ctx context.Context, exec *domain.Execution) {
	e.tracker.AddExecution(ctx, exec.OrderID, exec.ExecID, exec.Symbol, exec.Side, exec.Quantity, exec.Price, exec.Commission, exec.CumulativeQuantity, exec.AveragePrice)
}

func (e *Engine) handlePosition(ctx context.Context, p *positionPayload) {
	// The position feed carries no mark price; use the latest bar close
	// when we have one, otherwise fall back to cost.
	currentPrice := p.avgCost
	if m := e.processor.Metrics(p.symbol); m != nil {
		currentPrice = m.CurrentPrice
	}
	e.state.UpdatePosition(ctx, p.symbol, p.quantity, p.avgCost, currentPrice, p.account)
}

func (e *Engine) handleAccount(ctx context.Context, p *accountPayload) {
	e.state.UpdateAccount(ctx, p.accountID, p.update)
}

func (e *Engine) handleBar(ctx context.Context, bar *domain.Bar) {
	e.metrics.BarsProcessed.WithLabelValues(bar.Symbol).Inc()
	e.processor.OnBar(ctx, *bar)
}

func (e *Engine) handleBrokerError(ctx context.Context, p *brokerErrorPayload) {
	severity := resilience.SeverityMedium
	if connectionLossMessage(p.message) {
		severity = resilience.SeverityHigh
	}
	e.registry.Record("BROKER_ERROR", p.message, severity, map[string]interface{}{"code": p.code})
	e.metrics.ErrorsRecorded.WithLabelValues(string(severity)).Inc()

	if !e.broker.Status().Connected {
		e.metrics.ConnectionStatus.Set(0)
		e.state.SetSystemState(ctx, domain.SystemDisconnected)
		if err := e.recovery.TriggerRecovery(ctx, p.message); err != nil {
			e.logger.Debug(ctx, "Recovery trigger after broker error skipped", map[string]interface{}{"error": err.Error()})
		}
	}
}

func connectionLossMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "connection") || strings.Contains(lower, "disconnect")
}
