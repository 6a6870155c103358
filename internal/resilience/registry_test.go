package resilience

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RecordAndRecent(t *testing.T) {
	r := NewRegistry(nil)

	r.Record("CONNECTION_LOST", "socket closed", SeverityHigh, nil)
	r.Record("ORDER_REJECTED", "margin", SeverityMedium, map[string]interface{}{"orderID": 7})

	recent := r.Recent(10, "")
	require.Len(t, recent, 2)
	assert.Equal(t, "CONNECTION_LOST", recent[0].Type)
	assert.Equal(t, 1, recent[0].Count)

	high := r.Recent(10, SeverityHigh)
	require.Len(t, high, 1)
	assert.Equal(t, "CONNECTION_LOST", high[0].Type)
}

func TestRegistry_DedupWithinWindow(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < 5; i++ {
		r.Record("TIMEOUT", "request timed out", SeverityMedium, nil)
	}

	recent := r.Recent(10, "")
	require.Len(t, recent, 1)
	assert.Equal(t, 5, recent[0].Count)
}

func TestRegistry_DedupOnlyAgainstRecentEntries(t *testing.T) {
	r := NewRegistry(nil)

	r.Record("TIMEOUT", "request timed out", SeverityMedium, nil)
	// Push the first entry outside the dedup window.
	for i := 0; i < dedupWindow; i++ {
		r.Record("OTHER", fmt.Sprintf("msg %d", i), SeverityLow, nil)
	}
	r.Record("TIMEOUT", "request timed out", SeverityMedium, nil)

	var timeouts []Record
	for _, rec := range r.Recent(0, "") {
		if rec.Type == "TIMEOUT" {
			timeouts = append(timeouts, rec)
		}
	}
	assert.Len(t, timeouts, 2, "an old identical error starts a fresh record")
}

func TestRegistry_BoundedHistory(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < maxRecords+50; i++ {
		r.Record("E", fmt.Sprintf("unique %d", i), SeverityLow, nil)
	}

	recent := r.Recent(0, "")
	assert.Len(t, recent, maxRecords)
	assert.Equal(t, fmt.Sprintf("unique %d", maxRecords+49), recent[len(recent)-1].Message)
}

func TestRegistry_SummaryTopErrors(t *testing.T) {
	r := NewRegistry(nil)

	// Seven distinct types with distinct counts; only the top five shown.
	for i := 1; i <= 7; i++ {
		for j := 0; j < i; j++ {
			r.Record(fmt.Sprintf("TYPE_%d", i), fmt.Sprintf("msg %d %d", i, j), severityFor(i), nil)
		}
	}

	s := r.Summary()
	assert.Equal(t, 7, s.ErrorTypes)
	require.Len(t, s.TopErrors, 5)
	assert.Equal(t, "TYPE_7", s.TopErrors[0].Type)
	assert.Equal(t, 7, s.TopErrors[0].Count)
	assert.Equal(t, "TYPE_3", s.TopErrors[4].Type)
}

func severityFor(i int) Severity {
	if i%2 == 0 {
		return SeverityHigh
	}
	return SeverityLow
}

func TestRegistry_BreakerLifecycle(t *testing.T) {
	r := NewRegistry(nil)

	cb := r.Breaker("conn", 1, time.Hour)
	same := r.Breaker("conn", 99, time.Minute)
	assert.Same(t, cb, same, "breaker creation is lazy and keyed by name")

	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, BreakerOpen, cb.State())

	r.ResetBreaker("conn")
	assert.Equal(t, BreakerClosed, cb.State())

	// Resetting an unknown breaker is a no-op.
	r.ResetBreaker("missing")

	s := r.Summary()
	view, ok := s.CircuitBreakers["conn"]
	require.True(t, ok)
	assert.Equal(t, BreakerClosed, view.State)
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(nil)
	r.Record("E", "m", SeverityLow, nil)
	r.Breaker("conn", 1, time.Hour)

	r.Clear()

	s := r.Summary()
	assert.Equal(t, 0, s.TotalErrors)
	assert.Equal(t, 0, s.ErrorTypes)
	assert.Len(t, s.CircuitBreakers, 1, "breakers survive a clear")
}
