package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats_Snapshot(t *testing.T) {
	started := time.Unix(1700000000, 0).UTC()
	s := New(started)

	snap := s.Snapshot()
	assert.Equal(t, started, snap.StartedAt)
	assert.Zero(t, snap.ChecksPerformed)
	assert.True(t, snap.LastCheckAt.IsZero())

	at := started.Add(time.Minute)
	s.RecordCheck(at)
	s.RecordSubmission(at)
	s.RecordDeposit(at)
	s.RecordDeposit(at.Add(time.Second))
	s.RecordRebalance(at)
	s.RecordError()

	snap = s.Snapshot()
	assert.Equal(t, uint64(1), snap.ChecksPerformed)
	assert.Equal(t, uint64(1), snap.RecommendationsSubmitted)
	assert.Equal(t, uint64(2), snap.DepositsDetected)
	assert.Equal(t, uint64(1), snap.RebalancesTriggered)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Equal(t, at, snap.LastCheckAt)
	assert.Equal(t, at.Add(time.Second), snap.LastDepositAt)
	assert.Equal(t, 2*time.Minute, snap.Uptime(started.Add(2*time.Minute)))
}

func TestStats_Concurrent(t *testing.T) {
	s := New(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordCheck(time.Now())
			s.RecordError()
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, uint64(50), snap.ChecksPerformed)
	assert.Equal(t, uint64(50), snap.Errors)
}
