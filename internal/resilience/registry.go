package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeCore/internal/ports"
)

// Severity classifies a recorded error.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Record is one deduplicated error occurrence.
type Record struct {
	Type      string
	Message   string
	Severity  Severity
	Context   map[string]interface{}
	Timestamp time.Time
	Count     int
}

// Summary aggregates registry statistics for observability.
type Summary struct {
	TotalErrors       int
	ErrorTypes        int
	SeverityBreakdown map[Severity]int
	TopErrors         []TypeCount
	CircuitBreakers   map[string]BreakerView
}

// TypeCount pairs an error type with its occurrence count.
type TypeCount struct {
	Type  string
	Count int
}

const (
	maxRecords  = 1000 // Total retained history; oldest trimmed first
	dedupWindow = 10   // Recent entries checked for exact (type, message) matches
)

// Registry is the central sink every error passes through before any
// escalation decision. It deduplicates recent repeats, keeps a bounded
// history and owns the named circuit breakers.
type Registry struct {
	logger ports.Logger

	mu       sync.Mutex
	records  []*Record
	counts   map[string]int
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty error registry.
func NewRegistry(logger ports.Logger) *Registry {
	return &Registry{
		logger:   logger,
		counts:   make(map[string]int),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Record stores one error occurrence, merging it into a recent identical
// entry when possible.
func (r *Registry) Record(errType, message string, severity Severity, errCtx map[string]interface{}) {
	r.mu.Lock()
	start := len(r.records) - dedupWindow
	if start < 0 {
		start = 0
	}
	for _, rec := range r.records[start:] {
		if rec.Type == errType && rec.Message == message {
			rec.Count++
			rec.Timestamp = time.Now().UTC()
			r.mu.Unlock()
			return
		}
	}

	r.records = append(r.records, &Record{
		Type:      errType,
		Message:   message,
		Severity:  severity,
		Context:   errCtx,
		Timestamp: time.Now().UTC(),
		Count:     1,
	})
	r.counts[errType]++
	if len(r.records) > maxRecords {
		r.records = r.records[len(r.records)-maxRecords:]
	}
	r.mu.Unlock()

	r.log(errType, message, severity)
}

func (r *Registry) log(errType, message string, severity Severity) {
	if r.logger == nil {
		return
	}
	ctx := context.Background()
	fields := map[string]interface{}{"errorType": errType, "severity": severity}
	switch severity {
	case SeverityCritical, SeverityHigh:
		r.logger.Error(ctx, nil, message, fields)
	case SeverityMedium:
		r.logger.Warn(ctx, message, fields)
	default:
		r.logger.Info(ctx, message, fields)
	}
}

// Breaker returns the circuit breaker for a named dependency, creating it
// lazily on first use.
func (r *Registry) Breaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, failureThreshold, recoveryTimeout)
		r.breakers[name] = cb
	}
	return cb
}

// ResetBreaker manually resets a named breaker if it exists.
func (r *Registry) ResetBreaker(name string) {
	r.mu.Lock()
	cb := r.breakers[name]
	r.mu.Unlock()
	if cb != nil {
		cb.Reset()
	}
}

// Recent returns up to count most recent records, optionally filtered by
// severity (empty severity means no filter).
func (r *Registry) Recent(count int, severity Severity) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []*Record
	if severity == "" {
		filtered = r.records
	} else {
		for _, rec := range r.records {
			if rec.Severity == severity {
				filtered = append(filtered, rec)
			}
		}
	}
	if count > 0 && len(filtered) > count {
		filtered = filtered[len(filtered)-count:]
	}
	out := make([]Record, len(filtered))
	for i, rec := range filtered {
		out[i] = *rec
	}
	return out
}

// Summary returns aggregate statistics including live breaker states.
func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	breakdown := map[Severity]int{
		SeverityLow:      0,
		SeverityMedium:   0,
		SeverityHigh:     0,
		SeverityCritical: 0,
	}
	for _, rec := range r.records {
		breakdown[rec.Severity]++
	}

	top := make([]TypeCount, 0, len(r.counts))
	for t, c := range r.counts {
		top = append(top, TypeCount{Type: t, Count: c})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Type < top[j].Type
	})
	if len(top) > 5 {
		top = top[:5]
	}

	breakers := make(map[string]BreakerView, len(r.breakers))
	for name, cb := range r.breakers {
		breakers[name] = cb.View()
	}

	return Summary{
		TotalErrors:       len(r.records),
		ErrorTypes:        len(r.counts),
		SeverityBreakdown: breakdown,
		TopErrors:         top,
		CircuitBreakers:   breakers,
	}
}

// Clear drops all recorded errors (breakers are kept).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
	r.counts = make(map[string]int)
}
