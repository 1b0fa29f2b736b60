// Package directory holds the in-memory people directory: an
// insertion-ordered index of member profiles and the proximity search
// engine that answers structured queries over index snapshots.
package directory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/joshuamckenty/anthill/internal/models"
)

// Index is the identity-keyed read model the search engine runs against.
// Writers take the lock exclusively; readers share it. Snapshots are deep
// copies, so a caller can never observe a half-applied write or alias
// index-held state.
type Index struct {
	mu    sync.RWMutex
	order []uuid.UUID
	byID  map[uuid.UUID]models.Profile
}

func NewIndex() *Index {
	return &Index{byID: make(map[uuid.UUID]models.Profile)}
}

// Upsert inserts p or replaces the record with the same AccountID.
// A replaced record keeps its original position, so repeating the same
// upsert is indistinguishable from doing it once.
func (ix *Index) Upsert(p models.Profile) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.byID[p.AccountID]; !ok {
		ix.order = append(ix.order, p.AccountID)
	}
	ix.byID[p.AccountID] = p.Clone()
}

// Remove deletes the record for id; removing an absent identity is a no-op.
func (ix *Index) Remove(id uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.byID[id]; !ok {
		return
	}
	delete(ix.byID, id)
	for i, existing := range ix.order {
		if existing == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
}

// Get returns the record for id, if present.
func (ix *Index) Get(id uuid.UUID) (models.Profile, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	p, ok := ix.byID[id]
	if !ok {
		return models.Profile{}, false
	}
	return p.Clone(), true
}

// All returns a consistent snapshot in first-insertion order.
func (ix *Index) All() []models.Profile {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]models.Profile, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, ix.byID[id].Clone())
	}
	return out
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}
