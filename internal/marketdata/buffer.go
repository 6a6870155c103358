package marketdata

import (
	"math"
	"sync"
	"time"

	"tradeCore/internal/domain"
)

const defaultBufferCapacity = 1000

// fixedSpread is a flat spread estimate used when no book data is
// available. Bid and ask sit half a cent either side of the last close.
const fixedSpread = 0.01

var periodLabels = map[int]string{
	60:   "1min",
	300:  "5min",
	900:  "15min",
	3600: "1hour",
}

// Buffer is a fixed-capacity FIFO of 5-second bars for one symbol. The
// oldest bar is evicted once capacity is reached.
type Buffer struct {
	symbol   string
	capacity int

	mu   sync.Mutex
	bars []domain.Bar
}

// NewBuffer creates a bar buffer. capacity <= 0 selects the default of
// 1000 bars (about 83 minutes of 5-second data).
func NewBuffer(symbol string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &Buffer{
		symbol:   symbol,
		capacity: capacity,
		bars:     make([]domain.Bar, 0, capacity),
	}
}

// Add appends a bar, evicting the oldest when full.
func (b *Buffer) Add(bar domain.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bars) == b.capacity {
		copy(b.bars, b.bars[1:])
		b.bars = b.bars[:len(b.bars)-1]
	}
	b.bars = append(b.bars, bar)
}

// Len reports the number of buffered bars.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bars)
}

// Recent returns up to n most recent bars, oldest first.
func (b *Buffer) Recent(n int) []domain.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.bars) == 0 {
		return nil
	}
	if n > len(b.bars) {
		n = len(b.bars)
	}
	out := make([]domain.Bar, n)
	copy(out, b.bars[len(b.bars)-n:])
	return out
}

// Aggregate rolls the bars of the trailing window into a single bar.
// Returns nil when the window holds no bars.
func (b *Buffer) Aggregate(windowSeconds int) *domain.AggregatedBar {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(windowSeconds) * time.Second)
	start := len(b.bars)
	for i := len(b.bars) - 1; i >= 0; i-- {
		if b.bars[i].Timestamp.Before(cutoff) {
			break
		}
		start = i
	}
	window := b.bars[start:]
	if len(window) == 0 {
		return nil
	}

	agg := domain.AggregatedBar{
		Symbol:    b.symbol,
		Period:    periodLabel(windowSeconds),
		Timestamp: window[len(window)-1].Timestamp,
		Open:      window[0].Open,
		High:      window[0].High,
		Low:       window[0].Low,
		Close:     window[len(window)-1].Close,
	}

	var weightedSum float64
	for _, bar := range window {
		if bar.High > agg.High {
			agg.High = bar.High
		}
		if bar.Low < agg.Low {
			agg.Low = bar.Low
		}
		agg.Volume += bar.Volume
		agg.TradeCount += bar.Count
		wap := bar.WAP
		if wap == 0 {
			wap = bar.Close
		}
		weightedSum += wap * float64(bar.Volume)
	}
	if agg.Volume > 0 {
		agg.VWAP = weightedSum / float64(agg.Volume)
	} else {
		agg.VWAP = agg.Close
	}

	return &agg
}

// Metrics derives market statistics from the buffered bars. Returns nil
// with fewer than two bars.
func (b *Buffer) Metrics() *domain.DataMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.bars) < 2 {
		return nil
	}
	last := b.bars[len(b.bars)-1]

	m := domain.DataMetrics{
		Symbol:       b.symbol,
		CurrentPrice: last.Close,
		Bid:          last.Close - fixedSpread/2,
		Ask:          last.Close + fixedSpread/2,
		Spread:       fixedSpread,
		Volume5s:     last.Volume,
		Volume1m:     b.volumeLocked(12),
		Volume5m:     b.volumeLocked(60),
		Volatility1m: b.volatilityLocked(12),
		Timestamp:    last.Timestamp,
	}

	// Momentum compares the latest close against the close one minute
	// ago (12 five-second bars back), as a percentage.
	if len(b.bars) > 12 {
		reference := b.bars[len(b.bars)-13].Close
		if reference != 0 {
			m.Momentum = (last.Close - reference) / reference * 100
		}
	}

	return &m
}

// volumeLocked sums volume over the trailing n bars. Caller holds b.mu.
func (b *Buffer) volumeLocked(n int) int64 {
	if n > len(b.bars) {
		n = len(b.bars)
	}
	var total int64
	for _, bar := range b.bars[len(b.bars)-n:] {
		total += bar.Volume
	}
	return total
}

// volatilityLocked computes the sample standard deviation of the closes
// of the trailing n bars. Caller holds b.mu.
func (b *Buffer) volatilityLocked(n int) float64 {
	if n > len(b.bars) {
		n = len(b.bars)
	}
	if n < 2 {
		return 0
	}
	window := b.bars[len(b.bars)-n:]

	var mean float64
	for _, bar := range window {
		mean += bar.Close
	}
	mean /= float64(n)

	var variance float64
	for _, bar := range window {
		d := bar.Close - mean
		variance += d * d
	}
	variance /= float64(n - 1)

	return math.Sqrt(variance)
}

func periodLabel(windowSeconds int) string {
	if label, ok := periodLabels[windowSeconds]; ok {
		return label
	}
	return "custom"
}
