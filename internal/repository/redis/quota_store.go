// Package redis holds the shared-state variant of the messaging quota.
// A single Lua script keeps the check-and-record step atomic, so two
// instances admitting the same sender cannot overshoot the allowance.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/client"
	"github.com/joshuamckenty/anthill/internal/quota"
	"github.com/joshuamckenty/anthill/internal/util"
)

// tryRecordSendScript prunes entries older than the window, admits the
// send if capacity remains, and reports the oldest surviving timestamp
// so the caller can compute the retry hint. Members carry a unique
// suffix; two sends in the same millisecond must count as two.
const tryRecordSendScript = `
    local key = KEYS[1]
    local now_ms = tonumber(ARGV[1])
    local window_ms = tonumber(ARGV[2])
    local limit = tonumber(ARGV[3])
    local member = ARGV[4]

    redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)

    local count = redis.call('ZCARD', key)
    if count < limit then
        redis.call('ZADD', key, now_ms, member)
        redis.call('PEXPIRE', key, window_ms)
        return {1, count + 1, 0}
    end

    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local oldest_ms = 0
    if oldest[2] then
        oldest_ms = tonumber(oldest[2])
    end
    return {0, count, oldest_ms}
`

// canSendScript is the read-only half: prune, then report whether a
// send would currently be admitted.
const canSendScript = `
    local key = KEYS[1]
    local now_ms = tonumber(ARGV[1])
    local window_ms = tonumber(ARGV[2])
    local limit = tonumber(ARGV[3])

    redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)

    local count = redis.call('ZCARD', key)
    if count < limit then
        return {1, count, 0}
    end

    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local oldest_ms = 0
    if oldest[2] then
        oldest_ms = tonumber(oldest[2])
    end
    return {0, count, oldest_ms}
`

type QuotaStore struct {
	client   *client.RedisClient
	maxSends int
	window   time.Duration
}

func NewQuotaStore(client *client.RedisClient, maxSends int, window time.Duration) *QuotaStore {
	return &QuotaStore{
		client:   client,
		maxSends: maxSends,
		window:   window,
	}
}

// TryRecordSend atomically checks the sender's window and records the
// send when capacity remains. Throttling is reported in the Decision,
// not as an error.
func (s *QuotaStore) TryRecordSend(ctx context.Context, senderID uuid.UUID, now time.Time) (quota.Decision, error) {
	ctx, cancel := s.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	result, err := s.client.Eval(ctx, tryRecordSendScript,
		[]string{s.key(senderID)},
		now.UnixMilli(), s.window.Milliseconds(), s.maxSends, uuid.NewString())
	if err != nil {
		util.Error("Failed to execute quota script",
			zap.String("sender_id", senderID.String()),
			zap.Error(err))
		return quota.Decision{}, fmt.Errorf("failed to execute quota script: %w", err)
	}

	return s.decode(result, now)
}

// CanSend reports whether a send would be admitted without consuming
// any of the allowance.
func (s *QuotaStore) CanSend(ctx context.Context, senderID uuid.UUID, now time.Time) (quota.Decision, error) {
	ctx, cancel := s.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	result, err := s.client.Eval(ctx, canSendScript,
		[]string{s.key(senderID)},
		now.UnixMilli(), s.window.Milliseconds(), s.maxSends)
	if err != nil {
		return quota.Decision{}, fmt.Errorf("failed to execute quota script: %w", err)
	}

	return s.decode(result, now)
}

// Reset drops the sender's window entirely.
func (s *QuotaStore) Reset(ctx context.Context, senderID uuid.UUID) error {
	ctx, cancel := s.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Del(ctx, s.key(senderID)); err != nil {
		return fmt.Errorf("failed to reset quota window: %w", err)
	}
	return nil
}

func (s *QuotaStore) key(senderID uuid.UUID) string {
	return s.client.KeyPrefix() + ":quota:" + senderID.String()
}

func (s *QuotaStore) decode(result interface{}, now time.Time) (quota.Decision, error) {
	slice, ok := result.([]interface{})
	if !ok || len(slice) != 3 {
		return quota.Decision{}, fmt.Errorf("unexpected result format from quota script")
	}

	allowed := slice[0].(int64) == 1
	count := int(slice[1].(int64))
	oldestMs := slice[2].(int64)

	d := quota.Decision{Allowed: allowed}
	if allowed {
		d.Remaining = s.maxSends - count
		return d, nil
	}

	retryAfter := time.UnixMilli(oldestMs).Add(s.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	d.RetryAfter = retryAfter
	return d, nil
}
