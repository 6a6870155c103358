package domain

import "time"

// Bar is a fixed-interval OHLCV price sample (5-second cadence from the
// broker's realtime bar feed). Bars are immutable once created.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	WAP       float64 // Weighted average price within the bar
	Count     int     // Number of trades within the bar
}

// AggregatedBar is derived by folding a trailing window of base bars.
type AggregatedBar struct {
	Symbol     string
	Period     string // "1min", "5min", "15min", "1hour" or "<n>s"
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	VWAP       float64
	TradeCount int
}

// DataMetrics is a derived real-time snapshot for one symbol. Bid/ask are
// estimated from the last close and a fixed spread constant; this
// subsystem has no live quote feed.
type DataMetrics struct {
	Symbol       string
	CurrentPrice float64
	Bid          float64
	Ask          float64
	Spread       float64
	Volume5s     int64
	Volume1m     int64
	Volume5m     int64
	Volatility1m float64 // Sample stddev of closes over the trailing minute
	Momentum     float64 // Percent change vs ~1 minute earlier
	Timestamp    time.Time
}
