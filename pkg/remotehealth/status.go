// Package remotehealth tracks per-remote request outcomes and derives
// the healthy/available predicates used by remote selection.
package remotehealth

import (
	"sync"
	"time"
)

const (
	// UnhealthyStreak is the consecutive failure count after which a
	// remote is marked unhealthy.
	UnhealthyStreak = 5

	// DefaultQuotaResetWindow is how long a quota-exceeded remote stays
	// excluded from selection.
	DefaultQuotaResetWindow = 24 * time.Hour

	// DefaultRecoveryWindow is how old the last error must be before
	// auto-recovery marks a remote healthy again.
	DefaultRecoveryWindow = 10 * time.Minute
)

// Status tracks one remote's request history.
type Status struct {
	mu sync.Mutex

	name       string
	total      int64
	successful int64
	failed     int64

	errorStreak int
	healthy     bool

	quotaExceeded bool
	quotaResetAt  time.Time

	lastUsed    time.Time
	lastErrorAt time.Time
	lastError   string

	quotaResetWindow time.Duration
}

// NewStatus creates a Status for the named remote, healthy and unused.
func NewStatus(name string) *Status {
	return &Status{
		name:             name,
		healthy:          true,
		quotaResetWindow: DefaultQuotaResetWindow,
	}
}

// Name returns the remote name.
func (s *Status) Name() string {
	return s.name
}

// MarkSuccess records a successful request and clears the error streak.
func (s *Status) MarkSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.successful++
	s.errorStreak = 0
	s.healthy = true
	s.lastUsed = time.Now()
}

// MarkFailure records a failed request. A quota failure additionally
// excludes the remote until the reset window elapses.
func (s *Status) MarkFailure(errText string, isQuota bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.failed++
	s.errorStreak++
	s.lastError = errText
	s.lastErrorAt = time.Now()

	if s.errorStreak >= UnhealthyStreak {
		s.healthy = false
	}
	if isQuota {
		s.quotaExceeded = true
		s.quotaResetAt = time.Now().Add(s.quotaResetWindow)
	}
}

// Available reports whether the remote can be selected. An expired quota
// window is cleared as a side effect of the read.
func (s *Status) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quotaExceeded {
		if time.Now().Before(s.quotaResetAt) {
			return false
		}
		s.quotaExceeded = false
	}
	return s.healthy
}

// Healthy reports the error-streak predicate alone.
func (s *Status) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// QuotaExceeded reports whether the quota window is currently active.
func (s *Status) QuotaExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaExceeded && time.Now().Before(s.quotaResetAt)
}

// Total returns the total request count.
func (s *Status) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// SuccessRate returns the success percentage, 100 for unused remotes.
func (s *Status) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 100
	}
	return float64(s.successful) / float64(s.total) * 100
}

// TryRecover marks the remote healthy again when its last error is older
// than window. Returns true when a recovery happened.
func (s *Status) TryRecover(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.healthy {
		return false
	}
	if time.Since(s.lastErrorAt) < window {
		return false
	}
	s.healthy = true
	s.errorStreak = 0
	return true
}

// Snapshot is a point-in-time copy for health reporting.
type Snapshot struct {
	Name          string    `json:"name"`
	Total         int64     `json:"total_requests"`
	Successful    int64     `json:"successful"`
	Failed        int64     `json:"failed"`
	SuccessRate   float64   `json:"success_rate"`
	Healthy       bool      `json:"healthy"`
	Available     bool      `json:"available"`
	QuotaExceeded bool      `json:"quota_exceeded"`
	QuotaResetAt  time.Time `json:"quota_reset_at,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// SnapshotNow captures the current state.
func (s *Status) SnapshotNow() Snapshot {
	available := s.Available()

	s.mu.Lock()
	defer s.mu.Unlock()

	rate := float64(100)
	if s.total > 0 {
		rate = float64(s.successful) / float64(s.total) * 100
	}
	return Snapshot{
		Name:          s.name,
		Total:         s.total,
		Successful:    s.successful,
		Failed:        s.failed,
		SuccessRate:   rate,
		Healthy:       s.healthy,
		Available:     available,
		QuotaExceeded: s.quotaExceeded,
		QuotaResetAt:  s.quotaResetAt,
		LastUsed:      s.lastUsed,
		LastError:     s.lastError,
	}
}
