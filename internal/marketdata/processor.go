package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
)

// BarCallback receives every raw 5-second bar for a subscribed symbol.
type BarCallback func(domain.Bar)

// Status is the processor's observable state.
type Status struct {
	Running       bool
	Symbols       []string
	BarsProcessed int64
}

// Processor fans raw 5-second bars into per-symbol buffers, broadcasts
// them with derived metrics, and runs one aggregation goroutine per
// symbol that emits 1-minute bars (and a 5-minute bar every fifth tick).
type Processor struct {
	logger      ports.Logger
	broadcaster ports.Broadcaster
	bufferCap   int

	mu            sync.Mutex
	buffers       map[string]*Buffer
	subscribers   map[string]map[string]BarCallback
	aggCancels    map[string]context.CancelFunc
	running       bool
	rootCtx       context.Context
	rootCancel    context.CancelFunc
	wg            sync.WaitGroup
	barsProcessed int64
}

// NewProcessor creates a market-data processor. bufferCap <= 0 selects
// the buffer default.
func NewProcessor(logger ports.Logger, broadcaster ports.Broadcaster, bufferCap int) (*Processor, error) {
	if logger == nil || broadcaster == nil {
		return nil, fmt.Errorf("missing required dependencies for market data processor")
	}
	return &Processor{
		logger:      logger,
		broadcaster: broadcaster,
		bufferCap:   bufferCap,
		buffers:     make(map[string]*Buffer),
		subscribers: make(map[string]map[string]BarCallback),
		aggCancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Start enables bar processing.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.rootCtx, p.rootCancel = context.WithCancel(context.Background())
	p.logger.Info(ctx, "Market data processor started", nil)
}

// Stop cancels every aggregation goroutine and waits for them to exit.
func (p *Processor) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.rootCancel()
	p.aggCancels = make(map[string]context.CancelFunc)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info(ctx, "Market data processor stopped", nil)
}

// OnBar ingests one raw 5-second bar. The first bar for a symbol lazily
// creates its buffer and aggregation goroutine.
func (p *Processor) OnBar(ctx context.Context, bar domain.Bar) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	buf, ok := p.buffers[bar.Symbol]
	if !ok {
		buf = NewBuffer(bar.Symbol, p.bufferCap)
		p.buffers[bar.Symbol] = buf
		aggCtx, cancel := context.WithCancel(p.rootCtx)
		p.aggCancels[bar.Symbol] = cancel
		p.wg.Add(1)
		go p.aggregateLoop(aggCtx, bar.Symbol, buf)
	}
	p.barsProcessed++
	var callbacks []BarCallback
	for _, cb := range p.subscribers[bar.Symbol] {
		callbacks = append(callbacks, cb)
	}
	p.mu.Unlock()

	buf.Add(bar)

	payload := map[string]interface{}{
		"symbol":    bar.Symbol,
		"timestamp": bar.Timestamp,
		"open":      bar.Open,
		"high":      bar.High,
		"low":       bar.Low,
		"close":     bar.Close,
		"volume":    bar.Volume,
		"wap":       bar.WAP,
		"count":     bar.Count,
	}
	if m := buf.Metrics(); m != nil {
		payload["metrics"] = metricsAsMap(*m)
	}
	p.broadcaster.QueueMessage(ctx, ports.Message{
		Topic: "market_data",
		Key:   bar.Symbol,
		Type:  "bar_5s",
		Data:  payload,
	})

	for _, cb := range callbacks {
		cb(bar)
	}
}

// aggregateLoop emits a 1-minute aggregate per tick and a 5-minute
// aggregate every fifth tick.
func (p *Processor) aggregateLoop(ctx context.Context, symbol string, buf *Buffer) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var minutes int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			minutes++
			if agg := buf.Aggregate(60); agg != nil {
				p.broadcastAggregate(ctx, symbol, agg)
			}
			if minutes%5 == 0 {
				if agg := buf.Aggregate(300); agg != nil {
					p.broadcastAggregate(ctx, symbol, agg)
				}
			}
		}
	}
}

func (p *Processor) broadcastAggregate(ctx context.Context, symbol string, agg *domain.AggregatedBar) {
	p.broadcaster.QueueMessage(ctx, ports.Message{
		Topic: "market_data",
		Key:   symbol,
		Type:  "bar_" + agg.Period,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"period":      agg.Period,
			"timestamp":   agg.Timestamp,
			"open":        agg.Open,
			"high":        agg.High,
			"low":         agg.Low,
			"close":       agg.Close,
			"volume":      agg.Volume,
			"vwap":        agg.VWAP,
			"trade_count": agg.TradeCount,
		},
	})
}

// Subscribe registers a named per-symbol callback. Re-registering the
// same name replaces the previous callback.
func (p *Processor) Subscribe(symbol, name string, cb BarCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribers[symbol] == nil {
		p.subscribers[symbol] = make(map[string]BarCallback)
	}
	p.subscribers[symbol][name] = cb
}

// Unsubscribe removes a named per-symbol callback.
func (p *Processor) Unsubscribe(symbol, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, ok := p.subscribers[symbol]; ok {
		delete(subs, name)
		if len(subs) == 0 {
			delete(p.subscribers, symbol)
		}
	}
}

// Recent returns up to n recent 5-second bars for a symbol.
func (p *Processor) Recent(symbol string, n int) []domain.Bar {
	if buf := p.buffer(symbol); buf != nil {
		return buf.Recent(n)
	}
	return nil
}

// Aggregate rolls the trailing window for a symbol into one bar.
func (p *Processor) Aggregate(symbol string, windowSeconds int) *domain.AggregatedBar {
	if buf := p.buffer(symbol); buf != nil {
		return buf.Aggregate(windowSeconds)
	}
	return nil
}

// Metrics returns the derived market statistics for a symbol.
func (p *Processor) Metrics(symbol string) *domain.DataMetrics {
	if buf := p.buffer(symbol); buf != nil {
		return buf.Metrics()
	}
	return nil
}

func (p *Processor) buffer(symbol string) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffers[symbol]
}

// Status reports the processor's runtime state.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbols := make([]string, 0, len(p.buffers))
	for symbol := range p.buffers {
		symbols = append(symbols, symbol)
	}
	return Status{
		Running:       p.running,
		Symbols:       symbols,
		BarsProcessed: p.barsProcessed,
	}
}

func metricsAsMap(m domain.DataMetrics) map[string]interface{} {
	return map[string]interface{}{
		"current_price": m.CurrentPrice,
		"bid":           m.Bid,
		"ask":           m.Ask,
		"spread":        m.Spread,
		"volume_5s":     m.Volume5s,
		"volume_1m":     m.Volume1m,
		"volume_5m":     m.Volume5m,
		"volatility_1m": m.Volatility1m,
		"momentum":      m.Momentum,
		"timestamp":     m.Timestamp,
	}
}
