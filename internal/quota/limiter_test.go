package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func TestTryRecordSendSlidingWindow(t *testing.T) {
	l := NewLimiter(3, 60*time.Second, 4)
	sender := uuid.New()

	d := l.TryRecordSend(sender, at(0))
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)

	d = l.TryRecordSend(sender, at(10))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d = l.TryRecordSend(sender, at(20))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// Fourth send inside the window is denied with a hint: the t=0
	// send leaves the window at t=60, thirty seconds from now.
	d = l.TryRecordSend(sender, at(30))
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// On the boundary the oldest send still counts.
	d = l.TryRecordSend(sender, at(60))
	assert.False(t, d.Allowed)

	// Past it, capacity opens up again.
	d = l.TryRecordSend(sender, at(61))
	assert.True(t, d.Allowed)
}

func TestCanSendDoesNotConsume(t *testing.T) {
	l := NewLimiter(3, 60*time.Second, 4)
	sender := uuid.New()

	for i := 0; i < 10; i++ {
		d := l.CanSend(sender, at(0))
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Remaining)
	}

	// Asking never spent anything: all three sends still go through.
	for i := 0; i < 3; i++ {
		require.True(t, l.TryRecordSend(sender, at(i)).Allowed)
	}
	assert.False(t, l.TryRecordSend(sender, at(3)).Allowed)
}

func TestCanSendRetryHint(t *testing.T) {
	l := NewLimiter(2, 60*time.Second, 4)
	sender := uuid.New()

	l.RecordSend(sender, at(0))
	l.RecordSend(sender, at(40))

	d := l.CanSend(sender, at(59))
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d = l.CanSend(sender, at(61))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRecordSendIsUnconditional(t *testing.T) {
	l := NewLimiter(2, 60*time.Second, 4)
	sender := uuid.New()

	for i := 0; i < 5; i++ {
		l.RecordSend(sender, at(i))
	}
	d := l.CanSend(sender, at(10))
	assert.False(t, d.Allowed)
}

func TestSendersAreIndependent(t *testing.T) {
	l := NewLimiter(1, 60*time.Second, 4)
	busy := uuid.New()
	quiet := uuid.New()

	require.True(t, l.TryRecordSend(busy, at(0)).Allowed)
	assert.False(t, l.TryRecordSend(busy, at(1)).Allowed)
	assert.True(t, l.TryRecordSend(quiet, at(1)).Allowed)
}

func TestZeroAllowanceAlwaysThrottles(t *testing.T) {
	l := NewLimiter(0, 60*time.Second, 1)
	d := l.TryRecordSend(uuid.New(), at(0))
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RetryAfter)
}

func TestConcurrentTryRecordSendNeverOveradmits(t *testing.T) {
	const workers = 64
	l := NewLimiter(5, time.Minute, 8)
	sender := uuid.New()
	now := at(0)

	var wg sync.WaitGroup
	allowed := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.TryRecordSend(sender, now).Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	admitted := 0
	for ok := range allowed {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
}

func TestCleanupEvictsIdleSenders(t *testing.T) {
	l := NewLimiter(3, 60*time.Second, 4)
	idle := uuid.New()
	active := uuid.New()

	l.TryRecordSend(idle, at(0))
	l.TryRecordSend(active, at(0))
	l.TryRecordSend(active, at(540))

	evicted := l.Cleanup(5*time.Minute, at(600))
	assert.Equal(t, 1, evicted)

	// The evicted sender starts from a clean window.
	d := l.TryRecordSend(idle, at(601))
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}
