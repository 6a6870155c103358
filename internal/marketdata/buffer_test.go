package marketdata

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeCore/internal/domain"
)

// barAt builds a 5-second bar whose timestamp lies ageSeconds in the past.
func barAt(symbol string, ageSeconds int, close float64, volume int64) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: time.Now().UTC().Add(-time.Duration(ageSeconds) * time.Second),
		Open:      close - 0.1,
		High:      close + 0.2,
		Low:       close - 0.2,
		Close:     close,
		Volume:    volume,
		WAP:       close,
		Count:     int(volume / 10),
	}
}

func TestBuffer_EvictsOldestAtCapacity(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 3)
	for i := 0; i < 5; i++ {
		bar := barAt("ETHUSDT", 0, float64(100+i), 10)
		bar.Count = i
		buf.Add(bar)
	}

	require.Equal(t, 3, buf.Len())
	recent := buf.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, 102.0, recent[0].Close)
	assert.Equal(t, 104.0, recent[2].Close)
}

func TestBuffer_RecentClampsAndOrders(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 10)
	buf.Add(barAt("ETHUSDT", 10, 100.0, 10))
	buf.Add(barAt("ETHUSDT", 5, 101.0, 10))

	recent := buf.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, 100.0, recent[0].Close, "oldest first")
	assert.Equal(t, 101.0, recent[1].Close)

	assert.Nil(t, buf.Recent(0))
}

func TestBuffer_Aggregate(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 100)
	closes := []float64{150.0, 150.1, 150.2, 150.3, 150.5}
	for i, c := range closes {
		bar := barAt("ETHUSDT", (len(closes)-1-i)*5, c, 100)
		bar.Open = c
		bar.High = c + 0.5
		bar.Low = c - 0.5
		buf.Add(bar)
	}

	agg := buf.Aggregate(60)
	require.NotNil(t, agg)
	assert.Equal(t, "1min", agg.Period)
	assert.Equal(t, 150.0, agg.Open)
	assert.Equal(t, 150.5, agg.Close)
	assert.Equal(t, 151.0, agg.High)
	assert.Equal(t, 149.5, agg.Low)
	assert.Equal(t, int64(500), agg.Volume)

	// Equal volumes make the VWAP the plain mean of the WAPs.
	wantVWAP := (150.0 + 150.1 + 150.2 + 150.3 + 150.5) / 5
	assert.InDelta(t, wantVWAP, agg.VWAP, 1e-9)
}

func TestBuffer_AggregateWindowExcludesOldBars(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 100)
	buf.Add(barAt("ETHUSDT", 300, 90.0, 50))
	buf.Add(barAt("ETHUSDT", 10, 100.0, 20))
	buf.Add(barAt("ETHUSDT", 5, 101.0, 20))

	agg := buf.Aggregate(60)
	require.NotNil(t, agg)
	assert.Equal(t, int64(40), agg.Volume, "bar outside the window must not count")
	assert.InDelta(t, 99.9, agg.Open, 1e-9)
}

func TestBuffer_AggregateZeroVolumeFallsBackToClose(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 100)
	bar := barAt("ETHUSDT", 0, 200.0, 0)
	bar.WAP = 0
	buf.Add(bar)

	agg := buf.Aggregate(60)
	require.NotNil(t, agg)
	assert.Equal(t, 200.0, agg.VWAP)
}

func TestBuffer_AggregateEmptyWindow(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 100)
	assert.Nil(t, buf.Aggregate(60))

	buf.Add(barAt("ETHUSDT", 600, 100.0, 10))
	assert.Nil(t, buf.Aggregate(60), "stale bars only")
}

func TestBuffer_AggregatePeriodLabels(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 100)
	buf.Add(barAt("ETHUSDT", 0, 100.0, 10))

	for window, label := range map[int]string{60: "1min", 300: "5min", 900: "15min", 3600: "1hour", 42: "custom"} {
		agg := buf.Aggregate(window)
		require.NotNil(t, agg)
		assert.Equal(t, label, agg.Period, fmt.Sprintf("window %ds", window))
	}
}

func TestBuffer_MetricsNeedsTwoBars(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 100)
	assert.Nil(t, buf.Metrics())
	buf.Add(barAt("ETHUSDT", 5, 100.0, 10))
	assert.Nil(t, buf.Metrics())
	buf.Add(barAt("ETHUSDT", 0, 101.0, 10))
	assert.NotNil(t, buf.Metrics())
}

func TestBuffer_Metrics(t *testing.T) {
	buf := NewBuffer("ETHUSDT", 100)
	// 13 bars so the momentum reference (12 bars back) exists.
	for i := 0; i < 13; i++ {
		buf.Add(barAt("ETHUSDT", (12-i)*5, 100.0+float64(i), 10))
	}

	m := buf.Metrics()
	require.NotNil(t, m)
	assert.Equal(t, "ETHUSDT", m.Symbol)
	assert.Equal(t, 112.0, m.CurrentPrice)
	assert.InDelta(t, 111.995, m.Bid, 1e-9)
	assert.InDelta(t, 112.005, m.Ask, 1e-9)
	assert.Equal(t, int64(10), m.Volume5s)
	assert.Equal(t, int64(120), m.Volume1m, "trailing 12 bars")
	assert.Equal(t, int64(130), m.Volume5m, "clamped to all 13 bars")

	// Closes 101..112: sample stddev of an arithmetic sequence with step 1.
	wantVol := math.Sqrt(13.0) // variance of 1..12 is 13
	assert.InDelta(t, wantVol, m.Volatility1m, 1e-9)

	// Latest close 112 against close 12 bars back (100).
	assert.InDelta(t, 12.0, m.Momentum, 1e-9)
}
