// Package stats tracks the keeper's in-process runtime counters.
package stats

import (
	"sync/atomic"
	"time"
)

// Stats holds runtime counters for the lifetime of the process.
// All methods are safe for concurrent use.
type Stats struct {
	startedAt time.Time

	checksPerformed          atomic.Uint64
	recommendationsSubmitted atomic.Uint64
	depositsDetected         atomic.Uint64
	rebalancesTriggered      atomic.Uint64
	errors                   atomic.Uint64

	lastCheckAt      atomic.Int64
	lastSubmissionAt atomic.Int64
	lastDepositAt    atomic.Int64
	lastRebalanceAt  atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	ChecksPerformed          uint64    `json:"checks_performed"`
	RecommendationsSubmitted uint64    `json:"recommendations_submitted"`
	DepositsDetected         uint64    `json:"deposits_detected"`
	RebalancesTriggered      uint64    `json:"rebalances_triggered"`
	Errors                   uint64    `json:"errors"`
	StartedAt                time.Time `json:"started_at"`
	LastCheckAt              time.Time `json:"last_check_at,omitempty"`
	LastSubmissionAt         time.Time `json:"last_submission_at,omitempty"`
	LastDepositAt            time.Time `json:"last_deposit_at,omitempty"`
	LastRebalanceAt          time.Time `json:"last_rebalance_at,omitempty"`
}

// Uptime returns the time elapsed between StartedAt and now.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// New creates Stats started at the given time.
func New(startedAt time.Time) *Stats {
	return &Stats{startedAt: startedAt}
}

// RecordCheck counts a completed tick.
func (s *Stats) RecordCheck(at time.Time) {
	s.checksPerformed.Add(1)
	s.lastCheckAt.Store(at.UnixNano())
}

// RecordSubmission counts an executed recommendation.
func (s *Stats) RecordSubmission(at time.Time) {
	s.recommendationsSubmitted.Add(1)
	s.lastSubmissionAt.Store(at.UnixNano())
}

// RecordDeposit counts a detected deposit.
func (s *Stats) RecordDeposit(at time.Time) {
	s.depositsDetected.Add(1)
	s.lastDepositAt.Store(at.UnixNano())
}

// RecordRebalance counts an executed rebalance.
func (s *Stats) RecordRebalance(at time.Time) {
	s.rebalancesTriggered.Add(1)
	s.lastRebalanceAt.Store(at.UnixNano())
}

// RecordError counts an error caught at the tick boundary.
func (s *Stats) RecordError() {
	s.errors.Add(1)
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ChecksPerformed:          s.checksPerformed.Load(),
		RecommendationsSubmitted: s.recommendationsSubmitted.Load(),
		DepositsDetected:         s.depositsDetected.Load(),
		RebalancesTriggered:      s.rebalancesTriggered.Load(),
		Errors:                   s.errors.Load(),
		StartedAt:                s.startedAt,
		LastCheckAt:              fromNanos(s.lastCheckAt.Load()),
		LastSubmissionAt:         fromNanos(s.lastSubmissionAt.Load()),
		LastDepositAt:            fromNanos(s.lastDepositAt.Load()),
		LastRebalanceAt:          fromNanos(s.lastRebalanceAt.Load()),
	}
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
