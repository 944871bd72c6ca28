package authcore

import "sync/atomic"

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricMFARequired
	MetricEnrollmentRequired
	MetricChallengeIssued
	MetricTOTPSuccess
	MetricTOTPFailure
	MetricEmailOTPSuccess
	MetricEmailOTPFailure
	MetricBackupCodeSuccess
	MetricBackupCodeFailure
	MetricPasskeySuccess
	MetricPasskeyFailure
	MetricVerifyRateLimited
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricLogout
	MetricPermissionAllowed
	MetricPermissionDenied
	MetricPermissionSoftAllowed
	MetricImpersonationDenied
	MetricSetupInitiated
	MetricSetupCompleted
	MetricSetupFailed
	MetricSetupExpired
	MetricBackupCodesRegenerated
	MetricMFAEnabled
	MetricMFADisabled
	MetricDeviceRemoved
	MetricPolicyCreated
	MetricPolicyUpdated
	MetricPolicyDeleted
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds the engine's in-process counters. A nil or disabled Metrics
// accepts increments and reports zeros, so call sites never branch.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// NewMetrics builds the counter set.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Enabled reports whether counters are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies the counters. Not atomic across counters; individual values
// are consistent.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	if m == nil || !m.enabled {
		return s
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
