package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeCore/internal/ports"
	"tradeCore/internal/resilience"
)

// State is the recovery state machine's current phase.
type State string

const (
	StateIdle         State = "IDLE"
	StateRecovering   State = "RECOVERING"
	StateReconnecting State = "RECONNECTING"
	StateRestoring    State = "RESTORING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
)

const (
	defaultMaxAttempts    = 5
	defaultHealthInterval = 30 * time.Second

	stopGracePeriod = 10 * time.Second
)

// settleDelay gives the broker gateway time to tear down the old session
// before a reconnect attempt. Variable so tests can shorten it.
var settleDelay = 2 * time.Second

// Callback restores one piece of application state after a reconnect.
type Callback func(ctx context.Context, rc *Context) error

// SnapshotProvider captures the application state that must survive a
// reconnect.
type SnapshotProvider interface {
	PendingOrderIDs() []int64
	FullState() map[string]interface{}
	ActiveSubscriptions() []string
}

// Context carries the pre-disconnect snapshot through a recovery run.
type Context struct {
	TriggeredAt     time.Time
	Cause           string
	PendingOrderIDs []int64
	StateSnapshot   map[string]interface{}
	Subscriptions   []string
	Attempt         int
}

// Status is the service's observable state.
type Status struct {
	State         State
	Attempt       int
	MaxAttempts   int
	LastTriggered time.Time
	LastCompleted time.Time
	ErrorCount    int
	CallbackNames []string
}

// Service watches broker connectivity and drives the reconnect and
// state-restoration sequence when the session drops.
type Service struct {
	logger      ports.Logger
	broker      ports.BrokerConnection
	registry    *resilience.Registry
	snapshots   SnapshotProvider
	retryPolicy resilience.RetryPolicy

	host     string
	port     int
	clientID int

	maxAttempts    int
	healthInterval time.Duration
	onOutcome      func(success bool)

	mu            sync.Mutex
	state         State
	attempt       int
	lastTriggered time.Time
	lastCompleted time.Time
	errorCount    int
	callbacks     map[string]Callback
	callbackOrder []string
	running       bool
	loopCtx       context.Context
	cancel        context.CancelFunc
	healthDone    chan struct{}
	runDone       chan struct{}
}

// Options configures a recovery service.
type Options struct {
	Host           string
	Port           int
	ClientID       int
	MaxAttempts    int
	HealthInterval time.Duration
	RetryPolicy    resilience.RetryPolicy

	// OnOutcome, when set, is invoked at the end of each recovery run.
	OnOutcome func(success bool)
}

// NewService creates a recovery service. Zero option fields select
// defaults.
func NewService(logger ports.Logger, broker ports.BrokerConnection, registry *resilience.Registry, snapshots SnapshotProvider, opts Options) (*Service, error) {
	if logger == nil || broker == nil || registry == nil || snapshots == nil {
		return nil, fmt.Errorf("missing required dependencies for recovery service")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = resilience.DefaultRetryPolicy()
	}
	return &Service{
		logger:         logger,
		broker:         broker,
		registry:       registry,
		snapshots:      snapshots,
		retryPolicy:    opts.RetryPolicy,
		host:           opts.Host,
		port:           opts.Port,
		clientID:       opts.ClientID,
		maxAttempts:    opts.MaxAttempts,
		healthInterval: opts.HealthInterval,
		onOutcome:      opts.OnOutcome,
		state:          StateIdle,
		callbacks:      make(map[string]Callback),
	}, nil
}

// Start launches the health-check loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCtx = loopCtx
	s.cancel = cancel
	s.healthDone = make(chan struct{})
	s.mu.Unlock()

	go s.healthLoop(loopCtx)
	s.logger.Info(ctx, "Connection recovery service started", map[string]interface{}{
		"maxAttempts":    s.maxAttempts,
		"healthInterval": s.healthInterval.String(),
	})
}

// Stop cancels the health loop and waits (bounded) for an in-flight
// recovery run to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	healthDone := s.healthDone
	runDone := s.runDone
	s.mu.Unlock()

	<-healthDone
	if runDone != nil {
		select {
		case <-runDone:
		case <-time.After(stopGracePeriod):
			s.logger.Warn(ctx, "Recovery run did not finish before shutdown grace period", nil)
		}
	}
	s.logger.Info(ctx, "Connection recovery service stopped", nil)
}

// RegisterRecoveryCallback registers a named restoration step run after
// each successful reconnect. Registration is idempotent by name.
func (s *Service) RegisterRecoveryCallback(name string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.callbacks[name]; !exists {
		s.callbackOrder = append(s.callbackOrder, name)
	}
	s.callbacks[name] = cb
}

// TriggerRecovery starts a recovery run unless one is already in
// flight, in which case the trigger is ignored.
func (s *Service) TriggerRecovery(ctx context.Context, cause string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("recovery service not running: %w", ports.ErrInvalidRequest)
	}
	if s.state != StateIdle && s.state != StateCompleted && s.state != StateFailed {
		s.mu.Unlock()
		return fmt.Errorf("recovery already in progress: %w", ports.ErrRecoveryInProgress)
	}
	s.state = StateRecovering
	s.attempt = 0
	s.lastTriggered = time.Now().UTC()
	s.errorCount++
	s.runDone = make(chan struct{})
	runDone := s.runDone
	runCtx := s.loopCtx
	s.mu.Unlock()

	s.registry.Record("CONNECTION_LOST", cause, resilience.SeverityHigh, map[string]interface{}{
		"host": s.host,
		"port": s.port,
	})
	s.logger.Warn(ctx, "Connection recovery triggered", map[string]interface{}{"cause": cause})

	go func() {
		defer close(runDone)
		s.run(runCtx, cause)
	}()
	return nil
}

// run executes one full recovery sequence.
func (s *Service) run(ctx context.Context, cause string) {
	rc := &Context{
		TriggeredAt:     time.Now().UTC(),
		Cause:           cause,
		PendingOrderIDs: s.snapshots.PendingOrderIDs(),
		StateSnapshot:   s.snapshots.FullState(),
		Subscriptions:   s.snapshots.ActiveSubscriptions(),
	}
	s.logger.Info(ctx, "Recovery snapshot captured", map[string]interface{}{
		"pendingOrders": len(rc.PendingOrderIDs),
		"subscriptions": len(rc.Subscriptions),
	})

	if !s.reconnect(ctx, rc) {
		s.setState(StateFailed)
		s.registry.Record("RECOVERY_FAILED", fmt.Sprintf("reconnect exhausted after %d attempts", s.maxAttempts), resilience.SeverityCritical, map[string]interface{}{
			"cause": cause,
		})
		s.logger.Error(ctx, ports.ErrRecoveryExhausted, "Connection recovery failed", map[string]interface{}{
			"attempts": s.maxAttempts,
		})
		if s.onOutcome != nil {
			s.onOutcome(false)
		}
		s.setState(StateIdle)
		return
	}

	s.setState(StateRestoring)
	s.restore(ctx, rc)

	s.mu.Lock()
	s.state = StateCompleted
	s.lastCompleted = time.Now().UTC()
	s.mu.Unlock()
	s.logger.Info(ctx, "Connection recovery completed", map[string]interface{}{
		"attempts": rc.Attempt,
		"duration": time.Since(rc.TriggeredAt).String(),
	})
	if s.onOutcome != nil {
		s.onOutcome(true)
	}
	s.setState(StateIdle)
}

// reconnect cycles disconnect, settle, connect with exponential backoff
// until success or exhaustion.
func (s *Service) reconnect(ctx context.Context, rc *Context) bool {
	s.setState(StateReconnecting)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.mu.Lock()
		s.attempt = attempt
		s.mu.Unlock()
		rc.Attempt = attempt

		if attempt > 1 {
			delay := s.retryPolicy.Delay(attempt - 1)
			s.logger.Info(ctx, "Waiting before reconnect attempt", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			})
			if !sleepCtx(ctx, delay) {
				return false
			}
		}

		if err := s.broker.Disconnect(ctx); err != nil {
			s.logger.Warn(ctx, "Disconnect before reconnect failed", map[string]interface{}{"error": err.Error()})
		}
		if !sleepCtx(ctx, settleDelay) {
			return false
		}

		if err := s.broker.Connect(ctx, s.host, s.port, s.clientID); err != nil {
			s.registry.Record("RECONNECT_ATTEMPT_FAILED", err.Error(), resilience.SeverityMedium, map[string]interface{}{
				"attempt": attempt,
			})
			s.logger.Warn(ctx, "Reconnect attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		s.logger.Info(ctx, "Reconnected to broker", map[string]interface{}{"attempt": attempt})
		return true
	}
	return false
}

// restore runs every registered callback and refreshes positions and
// account data. Callback failures are logged but never abort the run.
func (s *Service) restore(ctx context.Context, rc *Context) {
	s.mu.Lock()
	names := make([]string, len(s.callbackOrder))
	copy(names, s.callbackOrder)
	callbacks := make(map[string]Callback, len(s.callbacks))
	for name, cb := range s.callbacks {
		callbacks[name] = cb
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := callbacks[name](ctx, rc); err != nil {
			s.registry.Record("RECOVERY_CALLBACK_FAILED", err.Error(), resilience.SeverityHigh, map[string]interface{}{
				"callback": name,
			})
			s.logger.Error(ctx, err, "Recovery callback failed", map[string]interface{}{"callback": name})
		}
	}

	if err := s.broker.RequestPositions(ctx); err != nil {
		s.logger.Warn(ctx, "Position refresh after recovery failed", map[string]interface{}{"error": err.Error()})
	}
	if err := s.broker.RequestAccountSummary(ctx); err != nil {
		s.logger.Warn(ctx, "Account refresh after recovery failed", map[string]interface{}{"error": err.Error()})
	}
}

// healthLoop auto-triggers recovery when the broker reports disconnected
// while the service is idle.
func (s *Service) healthLoop(ctx context.Context) {
	defer close(s.healthDone)
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := s.state == StateIdle
			s.mu.Unlock()
			if !idle {
				continue
			}
			if !s.broker.Status().Connected {
				if err := s.TriggerRecovery(ctx, "health check detected disconnected broker"); err != nil {
					s.logger.Debug(ctx, "Health-check recovery trigger skipped", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current recovery phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports the service's runtime state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.callbackOrder))
	copy(names, s.callbackOrder)
	return Status{
		State:         s.state,
		Attempt:       s.attempt,
		MaxAttempts:   s.maxAttempts,
		LastTriggered: s.lastTriggered,
		LastCompleted: s.lastCompleted,
		ErrorCount:    s.errorCount,
		CallbackNames: names,
	}
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
