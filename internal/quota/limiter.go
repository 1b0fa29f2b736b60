// Package quota enforces the per-member outbound message allowance: a
// sliding window of send timestamps per sender, sharded to keep hot
// senders from contending on one lock.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// Decision is the outcome of a quota question. Throttled is a decision,
// never an error: RetryAfter says how long until the next send would be
// admitted, Remaining how many sends are still open in the window.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type senderWindow struct {
	sends    []time.Time // append order, oldest first
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	senders map[uuid.UUID]*senderWindow
}

// Limiter tracks send timestamps per sender over a sliding window.
// Callers pass the current time explicitly; the limiter never reads the
// clock itself, which keeps every timeline reproducible under test.
type Limiter struct {
	maxSends int
	window   time.Duration
	shards   []*shard
}

// NewLimiter builds a limiter allowing maxSends per window per sender,
// spread over shardCount independent locks.
func NewLimiter(maxSends int, window time.Duration, shardCount int) *Limiter {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{senders: make(map[uuid.UUID]*senderWindow)}
	}
	return &Limiter{maxSends: maxSends, window: window, shards: shards}
}

func (l *Limiter) shardFor(id uuid.UUID) *shard {
	return l.shards[murmur3.Sum32(id[:])%uint32(len(l.shards))]
}

// TryRecordSend answers and records in one critical section: prune the
// sender's window, and either append now and allow, or deny with a
// retry hint. Concurrent callers can never admit more than maxSends
// into one window; there is no separate check to race against.
func (l *Limiter) TryRecordSend(id uuid.UUID, now time.Time) Decision {
	s := l.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.senders[id]
	if w == nil {
		w = &senderWindow{}
		s.senders[id] = w
	}
	w.lastSeen = now
	l.prune(w, now)

	if len(w.sends) < l.maxSends {
		w.sends = append(w.sends, now)
		return Decision{Allowed: true, Remaining: l.maxSends - len(w.sends)}
	}
	return Decision{RetryAfter: l.retryAfter(w, now)}
}

// CanSend answers the quota question without consuming an allowance.
// Unknown senders get an answer without allocating state for them.
func (l *Limiter) CanSend(id uuid.UUID, now time.Time) Decision {
	s := l.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.senders[id]
	if w == nil {
		return Decision{Allowed: l.maxSends > 0, Remaining: l.maxSends}
	}
	w.lastSeen = now
	l.prune(w, now)

	if len(w.sends) < l.maxSends {
		return Decision{Allowed: true, Remaining: l.maxSends - len(w.sends)}
	}
	return Decision{RetryAfter: l.retryAfter(w, now)}
}

// RecordSend appends a send unconditionally, for callers that made the
// allow decision elsewhere. Prefer TryRecordSend.
func (l *Limiter) RecordSend(id uuid.UUID, now time.Time) {
	s := l.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.senders[id]
	if w == nil {
		w = &senderWindow{}
		s.senders[id] = w
	}
	w.lastSeen = now
	l.prune(w, now)
	w.sends = append(w.sends, now)
}

// Cleanup drops sender state idle for longer than maxIdle and returns
// how many entries were evicted.
func (l *Limiter) Cleanup(maxIdle time.Duration, now time.Time) int {
	cutoff := now.Add(-maxIdle)
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, w := range s.senders {
			if w.lastSeen.Before(cutoff) {
				delete(s.senders, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// RunJanitor sweeps idle sender state on a ticker until ctx ends.
// Run it as a goroutine.
func (l *Limiter) RunJanitor(ctx context.Context, every, maxIdle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(maxIdle, time.Now().UTC())
		}
	}
}

// prune drops timestamps older than the window start. Entries landing
// exactly on the boundary still count.
func (l *Limiter) prune(w *senderWindow, now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(w.sends) && w.sends[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.sends = append(w.sends[:0], w.sends[i:]...)
	}
}

// retryAfter is the time until the oldest retained send leaves the window.
func (l *Limiter) retryAfter(w *senderWindow, now time.Time) time.Duration {
	if len(w.sends) == 0 {
		return 0
	}
	d := w.sends[0].Add(l.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
