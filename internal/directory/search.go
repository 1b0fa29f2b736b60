package directory

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/joshuamckenty/anthill/internal/models"
)

// Query is one structured directory search. Zero values mean "no filter":
// an empty Role or Name skips that stage, an empty Skills list skips tag
// matching, and the distance stage runs only when Origin is set with a
// non-negative RadiusKm (kilometers).
type Query struct {
	RequesterID uuid.UUID
	Role        models.Role
	Name        string
	Skills      []string
	Origin      *models.Coordinates
	RadiusKm    float64
}

// Snapshot supplies the records a search runs over. *Index satisfies it.
type Snapshot interface {
	All() []models.Profile
}

// Engine evaluates queries against snapshots. Searching is a pure
// function of the snapshot and the query: it never errors and never
// mutates the source.
type Engine struct {
	src Snapshot
}

func NewEngine(src Snapshot) *Engine {
	return &Engine{src: src}
}

type hit struct {
	profile models.Profile
	dist    float64
}

// Search runs the filter chain over one snapshot and returns the matching
// records. The requester's own record is always dropped first. Filters are
// conjunctive and applied in a fixed order: role, name, skills, distance.
// When the distance stage ran, results are ordered nearest-first with ties
// broken by ascending AccountID; otherwise snapshot order is preserved.
func (e *Engine) Search(q Query) []models.Profile {
	byDistance := q.Origin != nil && q.RadiusKm >= 0
	wantedName := strings.ToLower(q.Name)

	hits := make([]hit, 0)
	for _, p := range e.src.All() {
		if p.AccountID == q.RequesterID {
			continue
		}
		if q.Role != "" && p.Role != q.Role {
			continue
		}
		if wantedName != "" && !strings.Contains(strings.ToLower(p.DisplayName), wantedName) {
			continue
		}
		if len(q.Skills) > 0 && !skillsMatch(p.Skills, q.Skills) {
			continue
		}

		h := hit{profile: p}
		if byDistance {
			if p.Location == nil {
				continue
			}
			h.dist = DistanceKm(*p.Location, *q.Origin)
			if h.dist > q.RadiusKm {
				continue
			}
		}
		hits = append(hits, h)
	}

	if byDistance {
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].dist != hits[j].dist {
				return hits[i].dist < hits[j].dist
			}
			return hits[i].profile.AccountID.String() < hits[j].profile.AccountID.String()
		})
	}

	out := make([]models.Profile, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.profile)
	}
	return out
}

// skillsMatch is deliberately loose: every requested tag must appear as a
// case-insensitive substring of the record's comma-joined tag list, so
// requesting "go" also matches a record tagged "mongo".
func skillsMatch(recordSkills, wanted []string) bool {
	joined := strings.ToLower(models.JoinSkills(recordSkills))
	for _, tag := range wanted {
		if !strings.Contains(joined, strings.ToLower(tag)) {
			return false
		}
	}
	return true
}
