package state

import "tradeCore/internal/domain"

// Broadcast payload builders. Keys follow the wire format consumed by
// downstream dashboard clients.

func positionAsMap(p domain.Position) map[string]interface{} {
	return map[string]interface{}{
		"symbol":         p.Symbol,
		"quantity":       p.Quantity,
		"avg_cost":       p.AvgCost,
		"current_price":  p.CurrentPrice,
		"market_value":   p.MarketValue,
		"unrealized_pnl": p.UnrealizedPnL,
		"realized_pnl":   p.RealizedPnL,
		"account":        p.Account,
		"last_update":    p.LastUpdate,
	}
}

func accountAsMap(a domain.Account) map[string]interface{} {
	return map[string]interface{}{
		"account_id":         a.AccountID,
		"account_type":       a.AccountType,
		"currency":           a.Currency,
		"cash_balance":       a.CashBalance,
		"total_value":        a.TotalValue,
		"buying_power":       a.BuyingPower,
		"maintenance_margin": a.MaintenanceMargin,
		"available_funds":    a.AvailableFunds,
		"realized_pnl":       a.RealizedPnL,
		"unrealized_pnl":     a.UnrealizedPnL,
		"last_update":        a.LastUpdate,
	}
}

func riskAsMap(r domain.RiskMetrics) map[string]interface{} {
	return map[string]interface{}{
		"total_exposure":          r.TotalExposure,
		"position_count":          r.PositionCount,
		"largest_position_symbol": r.LargestPositionSymbol,
		"largest_position_value":  r.LargestPositionValue,
		"total_unrealized_pnl":    r.TotalUnrealizedPnL,
		"total_realized_pnl":      r.TotalRealizedPnL,
		"margin_usage_percent":    r.MarginUsagePercent,
		"risk_score":              r.RiskScore,
	}
}

func sessionAsMap(s domain.TradingSession) map[string]interface{} {
	return map[string]interface{}{
		"session_id":      s.SessionID,
		"start_time":      s.StartTime,
		"end_time":        s.EndTime,
		"mode":            s.Mode,
		"initial_balance": s.InitialBalance,
		"current_balance": s.CurrentBalance,
		"total_trades":    s.TotalTrades,
		"winning_trades":  s.WinningTrades,
		"losing_trades":   s.LosingTrades,
		"total_pnl":       s.TotalPnL,
		"max_drawdown":    s.MaxDrawdown,
	}
}
