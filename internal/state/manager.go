package state

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeCore/internal/domain"
	"tradeCore/internal/ports"
)

const defaultSnapshotInterval = time.Minute

// Status is the manager's observable state.
type Status struct {
	Running          bool
	SystemState      domain.SystemState
	TradingMode      domain.TradingMode
	PositionCount    int
	AccountCount     int
	HasActiveSession bool
	RiskScore        float64
}

// Manager owns the position and account tables, the derived risk metrics
// and the trading session. All mutation goes through its public
// operations; the risk recomputation is atomic with the triggering
// position update.
type Manager struct {
	logger           ports.Logger
	broadcaster      ports.Broadcaster
	snapshotInterval time.Duration

	mu          sync.Mutex
	positions   map[string]*domain.Position
	accounts    map[string]*domain.Account
	risk        domain.RiskMetrics
	session     *domain.TradingSession
	systemState domain.SystemState
	mode        domain.TradingMode
	running     bool
	cancel      context.CancelFunc
	snapDone    chan struct{}
}

// NewManager creates a state manager. snapshotInterval <= 0 selects the
// default of one minute.
func NewManager(logger ports.Logger, broadcaster ports.Broadcaster, mode domain.TradingMode, snapshotInterval time.Duration) (*Manager, error) {
	if logger == nil || broadcaster == nil {
		return nil, fmt.Errorf("missing required dependencies for state manager")
	}
	if snapshotInterval <= 0 {
		snapshotInterval = defaultSnapshotInterval
	}
	if mode == "" {
		mode = domain.ModePaper
	}
	return &Manager{
		logger:           logger,
		broadcaster:      broadcaster,
		snapshotInterval: snapshotInterval,
		positions:        make(map[string]*domain.Position),
		accounts:         make(map[string]*domain.Account),
		systemState:      domain.SystemDisconnected,
		mode:             mode,
	}, nil
}

// Start opens a trading session and launches the periodic snapshot task.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.systemState = domain.SystemInitializing

	now := time.Now().UTC()
	m.session = &domain.TradingSession{
		SessionID: fmt.Sprintf("session_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8]),
		StartTime: now,
		Mode:      m.mode,
	}
	sessionID := m.session.SessionID

	snapCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.snapDone = make(chan struct{})
	go m.snapshotLoop(snapCtx)
	m.mu.Unlock()

	m.logger.Info(ctx, "State manager started", map[string]interface{}{"sessionID": sessionID})
}

// Stop closes the session and cancels the snapshot task.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	snapDone := m.snapDone

	var sessionView domain.TradingSession
	if m.session != nil {
		m.session.EndTime = time.Now().UTC()
		sessionView = *m.session
	}
	m.systemState = domain.SystemDisconnected
	m.mu.Unlock()

	<-snapDone

	m.broadcaster.Broadcast(ctx, ports.Message{
		Topic: "system",
		Key:   "SYSTEM",
		Type:  "session_ended",
		Data:  sessionAsMap(sessionView),
	})
	m.logger.Info(ctx, "State manager stopped", map[string]interface{}{"sessionID": sessionView.SessionID})
}

// SetSystemState updates the system state and broadcasts the change.
func (m *Manager) SetSystemState(ctx context.Context, state domain.SystemState) {
	m.mu.Lock()
	old := m.systemState
	m.systemState = state
	m.mu.Unlock()

	if old == state {
		return
	}
	m.logger.Info(ctx, "System state changed", map[string]interface{}{"from": old, "to": state})
	m.broadcaster.Broadcast(ctx, ports.Message{
		Topic: "system",
		Key:   "SYSTEM",
		Type:  "state_change",
		Data: map[string]interface{}{
			"old_state": old,
			"new_state": state,
			"timestamp": time.Now().UTC(),
		},
	})
}

// UpdatePosition upserts the position for a symbol, removing it entirely
// when quantity reaches zero. Risk metrics are recomputed under the same
// lock so no observer sees a position change without its recomputation.
func (m *Manager) UpdatePosition(ctx context.Context, symbol string, quantity, avgCost, currentPrice float64, account string) domain.Position {
	if account == "" {
		account = "default"
	}

	m.mu.Lock()
	var position domain.Position
	if quantity == 0 {
		if existing, ok := m.positions[symbol]; ok {
			position = *existing
			delete(m.positions, symbol)
			m.logger.Info(ctx, "Position closed", map[string]interface{}{"symbol": symbol})
		}
	} else {
		unrealized := (currentPrice - avgCost) * quantity
		position = domain.Position{
			Symbol:        symbol,
			Quantity:      quantity,
			AvgCost:       avgCost,
			CurrentPrice:  currentPrice,
			MarketValue:   quantity * currentPrice,
			UnrealizedPnL: unrealized,
			Account:       account,
			LastUpdate:    time.Now().UTC(),
		}
		m.positions[symbol] = &position
	}
	m.recomputeRiskLocked()
	m.mu.Unlock()

	payload := map[string]interface{}{"account": account, "positions": []map[string]interface{}{}}
	if quantity != 0 {
		payload["positions"] = []map[string]interface{}{positionAsMap(position)}
	}
	m.broadcaster.QueueMessage(ctx, ports.Message{
		Topic: "positions",
		Key:   account,
		Type:  "position_update",
		Data:  payload,
	})

	return position
}

// UpdateAccount upserts account data. The first total value observed
// seeds the session's initial balance; every update refreshes the current
// balance.
func (m *Manager) UpdateAccount(ctx context.Context, accountID string, update ports.AccountUpdate) domain.Account {
	m.mu.Lock()
	account := domain.Account{
		AccountID:         accountID,
		AccountType:       update.AccountType,
		Currency:          update.Currency,
		CashBalance:       update.CashBalance,
		TotalValue:        update.TotalValue,
		BuyingPower:       update.BuyingPower,
		MaintenanceMargin: update.MaintenanceMargin,
		AvailableFunds:    update.AvailableFunds,
		RealizedPnL:       update.RealizedPnL,
		UnrealizedPnL:     update.UnrealizedPnL,
		LastUpdate:        time.Now().UTC(),
	}
	if account.AccountType == "" {
		account.AccountType = "CASH"
	}
	if account.Currency == "" {
		account.Currency = "USD"
	}
	m.accounts[accountID] = &account

	if m.session != nil {
		if m.session.InitialBalance == 0 {
			m.session.InitialBalance = account.TotalValue
		}
		m.session.CurrentBalance = account.TotalValue
	}
	m.mu.Unlock()

	m.broadcaster.QueueMessage(ctx, ports.Message{
		Topic: "system",
		Key:   "ACCOUNT",
		Type:  "account_update",
		Data:  accountAsMap(account),
	})
	return account
}

// RecordTradeResult folds one trade outcome into the session counters and
// refreshes the max drawdown statistic.
func (m *Manager) RecordTradeResult(ctx context.Context, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	m.session.TotalTrades++
	m.session.TotalPnL += pnl
	if pnl > 0 {
		m.session.WinningTrades++
	} else {
		m.session.LosingTrades++
	}
	if m.session.InitialBalance > 0 {
		drawdown := (m.session.InitialBalance - m.session.CurrentBalance) / m.session.InitialBalance * 100
		if drawdown > m.session.MaxDrawdown {
			m.session.MaxDrawdown = drawdown
		}
	}
}

// recomputeRiskLocked rebuilds the risk metrics snapshot. Callers hold
// m.mu. The score weights are a heuristic, preserved as specified.
func (m *Manager) recomputeRiskLocked() {
	if len(m.positions) == 0 {
		m.risk = domain.RiskMetrics{}
		return
	}

	var totalExposure, totalUnrealized, totalRealized float64
	var largest *domain.Position
	for _, p := range m.positions {
		totalExposure += math.Abs(p.MarketValue)
		totalUnrealized += p.UnrealizedPnL
		totalRealized += p.RealizedPnL
		if largest == nil || math.Abs(p.MarketValue) > math.Abs(largest.MarketValue) {
			largest = p
		}
	}

	var totalAccountValue float64
	for _, a := range m.accounts {
		totalAccountValue += a.TotalValue
	}

	var marginUsage float64
	if totalAccountValue > 0 {
		marginUsage = totalExposure / totalAccountValue * 100
	}

	score := math.Min(float64(len(m.positions))*5, 30)
	score += math.Min(marginUsage/2, 40)
	if totalAccountValue > 0 {
		score += math.Min(math.Abs(totalUnrealized/totalAccountValue)*100, 30)
	}

	m.risk = domain.RiskMetrics{
		TotalExposure:         totalExposure,
		PositionCount:         len(m.positions),
		LargestPositionSymbol: largest.Symbol,
		LargestPositionValue:  largest.MarketValue,
		TotalUnrealizedPnL:    totalUnrealized,
		TotalRealizedPnL:      totalRealized,
		MarginUsagePercent:    marginUsage,
		RiskScore:             math.Min(score, 100),
	}
}

// snapshotLoop periodically queues a best-effort full-state broadcast.
func (m *Manager) snapshotLoop(ctx context.Context) {
	defer close(m.snapDone)
	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcaster.QueueMessage(ctx, ports.Message{
				Topic: "system",
				Key:   "SYSTEM",
				Type:  "state_snapshot",
				Data:  m.FullState(),
			})
		}
	}
}

// Position returns the live position for a symbol.
func (m *Manager) Position(symbol string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// AllPositions returns a snapshot of every live position.
func (m *Manager) AllPositions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Account returns the latest data for one account.
func (m *Manager) Account(accountID string) (domain.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return domain.Account{}, false
	}
	return *a, true
}

// RiskMetrics returns the last computed risk snapshot.
func (m *Manager) RiskMetrics() domain.RiskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.risk
}

// Session returns the current trading session.
func (m *Manager) Session() (domain.TradingSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.TradingSession{}, false
	}
	return *m.session, true
}

// SystemState returns the current system state.
func (m *Manager) SystemState() domain.SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemState
}

// FullState builds the complete state view used by the snapshot broadcast
// and the recovery context.
func (m *Manager) FullState() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make(map[string]interface{}, len(m.positions))
	for symbol, p := range m.positions {
		positions[symbol] = positionAsMap(*p)
	}
	accounts := make(map[string]interface{}, len(m.accounts))
	for id, a := range m.accounts {
		accounts[id] = accountAsMap(*a)
	}

	state := map[string]interface{}{
		"system_state": m.systemState,
		"trading_mode": m.mode,
		"positions":    positions,
		"accounts":     accounts,
		"risk_metrics": riskAsMap(m.risk),
		"timestamp":    time.Now().UTC(),
	}
	if m.session != nil {
		state["session"] = sessionAsMap(*m.session)
	}
	return state
}

// Status reports the manager's runtime state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:          m.running,
		SystemState:      m.systemState,
		TradingMode:      m.mode,
		PositionCount:    len(m.positions),
		AccountCount:     len(m.accounts),
		HasActiveSession: m.session != nil,
		RiskScore:        m.risk.RiskScore,
	}
}
