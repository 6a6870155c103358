package binanceclient

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
)

// barInterval is the realtime bar width built from the trade stream.
const barInterval = 5 * time.Second

// RequestMarketData subscribes to the top-of-book stream for a symbol.
func (c *Client) RequestMarketData(ctx context.Context, symbol string, onQuote func(ports.Quote)) (int64, error) {
	op := "RequestMarketData"
	if !c.Status().Connected {
		return 0, fmt.Errorf("%s: %w", op, ports.ErrNotConnected)
	}

	handler := func(event *futures.WsBookTickerEvent) {
		if event == nil {
			return
		}
		bid, _ := strconv.ParseFloat(event.BestBidPrice, 64)
		ask, _ := strconv.ParseFloat(event.BestAskPrice, 64)
		onQuote(ports.Quote{
			Symbol:    event.Symbol,
			Bid:       bid,
			Ask:       ask,
			Last:      (bid + ask) / 2,
			Timestamp: time.Now().UTC(),
		})
	}

	_, stopCh, err := futures.WsBookTickerServe(symbol, handler, c.wsErrHandler(op+" "+symbol))
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	reqID := c.registerStream(stopCh)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "reqID": reqID})
	return reqID, nil
}

// RequestRealtimeBars subscribes to the aggregated trade stream and rolls
// it into fixed five-second bars.
func (c *Client) RequestRealtimeBars(ctx context.Context, symbol string, onBar func(domain.Bar)) (int64, error) {
	op := "RequestRealtimeBars"
	if !c.Status().Connected {
		return 0, fmt.Errorf("%s: %w", op, ports.ErrNotConnected)
	}

	builder := newBarBuilder(symbol, barInterval, onBar)
	handler := func(event *futures.WsAggTradeEvent) {
		if event == nil {
			return
		}
		price, err := strconv.ParseFloat(event.Price, 64)
		if err != nil {
			return
		}
		qty, _ := strconv.ParseFloat(event.Quantity, 64)
		builder.onTrade(time.UnixMilli(event.TradeTime), price, int64(qty))
	}

	_, stopCh, err := futures.WsAggTradeServe(symbol, handler, c.wsErrHandler(op+" "+symbol))
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	reqID := c.registerStream(stopCh)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "reqID": reqID})
	return reqID, nil
}

// CancelMarketData stops the stream behind a request id.
func (c *Client) CancelMarketData(ctx context.Context, reqID int64) error {
	op := "CancelMarketData"
	c.mu.Lock()
	stopCh, ok := c.streams[reqID]
	delete(c.streams, reqID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: request %d: %w", op, reqID, ports.ErrNotFound)
	}
	closeStop(stopCh)
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"reqID": reqID})
	return nil
}

func (c *Client) registerStream(stopCh chan struct{}) int64 {
	reqID := atomic.AddInt64(&c.nextReqID, 1)
	c.mu.Lock()
	c.streams[reqID] = stopCh
	c.mu.Unlock()
	return reqID
}

// barBuilder rolls a trade stream into fixed-width bars. Trades arrive on
// the stream's goroutine, so no locking is needed.
type barBuilder struct {
	symbol   string
	interval time.Duration
	emit     func(domain.Bar)

	bucket time.Time
	bar    domain.Bar
	// Volume-weighted running sum for the bar's WAP.
	weightedSum float64
	open        bool
}

func newBarBuilder(symbol string, interval time.Duration, emit func(domain.Bar)) *barBuilder {
	return &barBuilder{symbol: symbol, interval: interval, emit: emit}
}

func (b *barBuilder) onTrade(ts time.Time, price float64, qty int64) {
	bucket := ts.Truncate(b.interval)

	if b.open && !bucket.Equal(b.bucket) {
		b.flush()
	}

	if !b.open {
		b.bucket = bucket
		b.bar = domain.Bar{
			Symbol:    b.symbol,
			Timestamp: bucket,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		}
		b.weightedSum = 0
		b.open = true
	}

	if price > b.bar.High {
		b.bar.High = price
	}
	if price < b.bar.Low {
		b.bar.Low = price
	}
	b.bar.Close = price
	b.bar.Volume += qty
	b.bar.Count++
	b.weightedSum += price * float64(qty)
}

func (b *barBuilder) flush() {
	if !b.open {
		return
	}
	if b.bar.Volume > 0 {
		b.bar.WAP = b.weightedSum / float64(b.bar.Volume)
	} else {
		b.bar.WAP = b.bar.Close
	}
	b.emit(b.bar)
	b.open = false
}
