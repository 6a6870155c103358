package domain

import "time"

// Position is the live holding for one symbol. A position driven to zero
// quantity is removed from the live set, not retained with zero fields.
type Position struct {
	Symbol        string
	Quantity      float64 // Signed; negative for short
	AvgCost       float64
	CurrentPrice  float64
	MarketValue   float64 // Quantity * CurrentPrice
	UnrealizedPnL float64 // (CurrentPrice - AvgCost) * Quantity
	RealizedPnL   float64
	Account       string
	LastUpdate    time.Time
}

// Account holds the latest account summary values reported by the broker.
type Account struct {
	AccountID         string
	AccountType       string
	Currency          string
	CashBalance       float64
	TotalValue        float64
	BuyingPower       float64
	MaintenanceMargin float64
	AvailableFunds    float64
	RealizedPnL       float64
	UnrealizedPnL     float64
	LastUpdate        time.Time
}

// RiskMetrics is a derived snapshot recomputed whenever a position changes.
// The risk score is a bounded 0-100 heuristic, not a calibrated model.
type RiskMetrics struct {
	TotalExposure         float64 // Sum of absolute market values
	PositionCount         int
	LargestPositionSymbol string
	LargestPositionValue  float64
	TotalUnrealizedPnL    float64
	TotalRealizedPnL      float64
	MarginUsagePercent    float64
	RiskScore             float64
}
