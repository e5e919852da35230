package authkit

import (
	"maps"
	"sync"
)

const (
	metricLoginSucceeded      = "auth.login.success"
	metricLoginFailed         = "auth.login.failure"
	metricLoginThrottled      = "auth.login.throttled"
	metricRefreshIssued       = "auth.refresh.issued"
	metricRefreshRotated      = "auth.refresh.rotated"
	metricRefreshRejected     = "auth.refresh.rejected"
	metricRefreshUnrecognized = "auth.refresh.unrecognized"
	metricRefreshMismatch     = "auth.refresh.mismatch"
	metricRefreshReplay       = "auth.refresh.replay"
	metricRefreshRevoked      = "auth.refresh.revoked"
	metricLogout              = "auth.logout"
	metricFederatedLogin      = "auth.federated.success"
	metricFederatedFailure    = "auth.federated.failure"
	metricBoundaryAccepted    = "auth.boundary.accepted"
	metricBoundaryDeclined    = "auth.boundary.declined"
)

// MetricsRecorder receives one call per auth event; events are the metric* names.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics keeps process-local event totals for /healthz.
type CounterMetrics struct {
	guard  sync.RWMutex
	totals map[string]int64
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{totals: map[string]int64{}}
}

func (counters *CounterMetrics) Increment(event string) {
	counters.guard.Lock()
	counters.totals[event]++
	counters.guard.Unlock()
}

// Count reports the total for event; unseen events are zero.
func (counters *CounterMetrics) Count(event string) int64 {
	counters.guard.RLock()
	defer counters.guard.RUnlock()
	return counters.totals[event]
}

// Snapshot copies every total so callers can serialise it without holding the lock.
func (counters *CounterMetrics) Snapshot() map[string]int64 {
	counters.guard.RLock()
	defer counters.guard.RUnlock()
	return maps.Clone(counters.totals)
}
