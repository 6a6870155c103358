package domain

import "time"

// TradingSession aggregates the result of one process lifetime. It is
// created at startup, closed at shutdown and updated on every recorded
// trade result.
type TradingSession struct {
	SessionID      string
	StartTime      time.Time
	EndTime        time.Time // Zero value while the session is open
	Mode           TradingMode
	InitialBalance float64
	CurrentBalance float64
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	TotalPnL       float64
	MaxDrawdown    float64 // Largest observed percent drop from initial balance
}
