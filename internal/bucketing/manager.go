package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// Manager assigns stable murmur3 buckets. Profile buckets spread the
// profiles table across partitions; date buckets partition the
// analytics tables by day.
type Manager struct {
	profileBuckets int
	hasherPool     sync.Pool
}

func NewManager(profileBuckets int) *Manager {
	if profileBuckets < 1 {
		profileBuckets = 1
	}
	m := &Manager{profileBuckets: profileBuckets}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// ProfileBucket returns the partition bucket for an account, in
// [0, profileBuckets). The same account always lands in the same bucket.
func (m *Manager) ProfileBucket(accountID uuid.UUID) int {
	return int(m.sum(accountID.String()) % uint64(m.profileBuckets))
}

// KeyBucket buckets an arbitrary string key the same way ProfileBucket
// buckets accounts. Analytics rows use it to spread by requester.
func (m *Manager) KeyBucket(key string) int {
	return int(m.sum(key) % uint64(m.profileBuckets))
}

// DateBucket renders the UTC day partition used by the analytics tables.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) ProfileBuckets() int {
	return m.profileBuckets
}

func (m *Manager) sum(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
