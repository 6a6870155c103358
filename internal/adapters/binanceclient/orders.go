package binanceclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
)

// clientOrderIDPrefix tags orders placed by this process so user stream
// events can be routed back to the originating order id.
const clientOrderIDPrefix = "tc-"

// binanceStatusNames maps Binance order statuses onto the raw status
// names the order tracker normalizes.
var binanceStatusNames = map[futures.OrderStatusType]string{
	futures.OrderStatusTypeNew:             "Submitted",
	futures.OrderStatusTypePartiallyFilled: "Submitted",
	futures.OrderStatusTypeFilled:          "Filled",
	futures.OrderStatusTypeCanceled:        "Cancelled",
	futures.OrderStatusTypeExpired:         "Cancelled",
	futures.OrderStatusTypeRejected:        "Rejected",
}

// PlaceOrder submits the ticket under the reserved order id.
func (c *Client) PlaceOrder(ctx context.Context, orderID int64, ticket ports.OrderTicket) error {
	op := "PlaceOrder"
	if !c.Status().Connected {
		return fmt.Errorf("%s: %w", op, ports.ErrNotConnected)
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(ticket.Symbol).
		Side(futures.SideType(ticket.Side)).
		Quantity(strconv.FormatInt(ticket.Quantity, 10)).
		NewClientOrderID(clientOrderIDPrefix + strconv.FormatInt(orderID, 10))

	switch ticket.Type {
	case domain.Market:
		svc.Type(futures.OrderTypeMarket)
	case domain.Limit:
		svc.Type(futures.OrderTypeLimit).
			Price(strconv.FormatFloat(ticket.LimitPrice, 'f', -1, 64)).
			TimeInForce(timeInForce(ticket.TimeInForce))
	case domain.Stop:
		svc.Type(futures.OrderTypeStopMarket).
			StopPrice(strconv.FormatFloat(ticket.StopPrice, 'f', -1, 64))
	case domain.StopLimit:
		svc.Type(futures.OrderTypeStop).
			Price(strconv.FormatFloat(ticket.LimitPrice, 'f', -1, 64)).
			StopPrice(strconv.FormatFloat(ticket.StopPrice, 'f', -1, 64)).
			TimeInForce(timeInForce(ticket.TimeInForce))
	default:
		return fmt.Errorf("%s: unsupported order type %q: %w", op, ticket.Type, ports.ErrInvalidRequest)
	}

	c.mu.Lock()
	c.orderSymbols[orderID] = ticket.Symbol
	c.mu.Unlock()

	if _, err := svc.Do(ctx); err != nil {
		c.mu.Lock()
		delete(c.orderSymbols, orderID)
		c.mu.Unlock()
		return c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"orderID": orderID, "symbol": ticket.Symbol, "side": ticket.Side,
		"type": ticket.Type, "quantity": ticket.Quantity,
	})
	return nil
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	op := "CancelOrder"
	c.mu.Lock()
	symbol, ok := c.orderSymbols[orderID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: order %d: %w", op, orderID, ports.ErrOrderNotFound)
	}

	_, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderIDPrefix + strconv.FormatInt(orderID, 10)).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"orderID": orderID, "symbol": symbol})
	return nil
}

// RequestPositions replays every open position through the Position
// handler.
func (c *Client) RequestPositions(ctx context.Context) error {
	op := "RequestPositions"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	h := c.currentHandlers()
	if h.Position == nil {
		return nil
	}
	for _, pos := range positions {
		amt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
		h.Position(pos.Symbol, amt, entryPrice, "futures")
	}
	return nil
}

// RequestAccountSummary replays the account totals through the
// AccountSummary handler.
func (c *Client) RequestAccountSummary(ctx context.Context) error {
	op := "RequestAccountSummary"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	h := c.currentHandlers()
	if h.AccountSummary == nil {
		return nil
	}

	walletBalance, _ := strconv.ParseFloat(account.TotalWalletBalance, 64)
	marginBalance, _ := strconv.ParseFloat(account.TotalMarginBalance, 64)
	available, _ := strconv.ParseFloat(account.AvailableBalance, 64)
	maintMargin, _ := strconv.ParseFloat(account.TotalMaintMargin, 64)
	unrealized, _ := strconv.ParseFloat(account.TotalUnrealizedProfit, 64)

	h.AccountSummary("futures", ports.AccountUpdate{
		AccountType:       "MARGIN",
		Currency:          "USDT",
		CashBalance:       walletBalance,
		TotalValue:        marginBalance,
		BuyingPower:       available,
		MaintenanceMargin: maintMargin,
		AvailableFunds:    available,
		UnrealizedPnL:     unrealized,
	})
	return nil
}

// handleUserData routes user data stream events into the application
// callbacks.
func (c *Client) handleUserData(event *futures.WsUserDataEvent) {
	if event == nil {
		return
	}
	switch event.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		c.handleOrderTradeUpdate(&event.OrderTradeUpdate)
	case futures.UserDataEventTypeAccountUpdate:
		c.handleAccountUpdate(&event.AccountUpdate)
	}
}

func (c *Client) handleOrderTradeUpdate(o *futures.WsOrderTradeUpdate) {
	orderID, ok := parseClientOrderID(o.ClientOrderID)
	if !ok {
		// Not one of ours (manual trade or another client id).
		return
	}

	h := c.currentHandlers()
	origQty := parseQty(o.OriginalQty)
	cumQty := parseQty(o.AccumulatedFilledQty)
	avgPrice, _ := strconv.ParseFloat(o.AveragePrice, 64)
	lastPrice, _ := strconv.ParseFloat(o.LastFilledPrice, 64)

	if h.OrderStatus != nil {
		rawStatus, mapped := binanceStatusNames[o.Status]
		if !mapped {
			rawStatus = string(o.Status)
		}
		h.OrderStatus(orderID, rawStatus, cumQty, origQty-cumQty, avgPrice, lastPrice, "")
	}

	lastQty := parseQty(o.LastFilledQty)
	if h.Execution != nil && lastQty > 0 {
		commission, _ := strconv.ParseFloat(o.Commission, 64)
		h.Execution(domain.Execution{
			OrderID:            orderID,
			ExecID:             fmt.Sprintf("%s-%d", o.Symbol, o.TradeID),
			Symbol:             o.Symbol,
			Side:               string(o.Side),
			Quantity:           lastQty,
			Price:              lastPrice,
			Commission:         commission,
			Timestamp:          time.UnixMilli(o.TradeTime),
			CumulativeQuantity: cumQty,
			AveragePrice:       avgPrice,
		})
	}
}

func (c *Client) handleAccountUpdate(a *futures.WsAccountUpdate) {
	h := c.currentHandlers()
	if h.Position == nil {
		return
	}
	for _, pos := range a.Positions {
		amt, _ := strconv.ParseFloat(pos.Amount, 64)
		entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
		h.Position(pos.Symbol, amt, entryPrice, "futures")
	}
}

func parseClientOrderID(clientOrderID string) (int64, bool) {
	if !strings.HasPrefix(clientOrderID, clientOrderIDPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(clientOrderID[len(clientOrderIDPrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// parseQty truncates Binance decimal quantity strings to whole units.
func parseQty(s string) int64 {
	f, _ := strconv.ParseFloat(s, 64)
	return int64(f)
}

func timeInForce(tif string) futures.TimeInForceType {
	if tif == "" {
		return futures.TimeInForceTypeGTC
	}
	return futures.TimeInForceType(tif)
}
