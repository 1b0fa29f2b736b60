package directory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamckenty/anthill/internal/models"
)

func located(n byte, name string, role models.Role, skills []string, lat, lon float64) models.Profile {
	return models.Profile{
		AccountID:   testID(n),
		DisplayName: name,
		Role:        role,
		Skills:      skills,
		Location:    &models.Coordinates{Lat: lat, Lon: lon},
	}
}

// neighborhoodIndex is the canonical three-member fixture: two developers
// a degree of latitude apart and a designer far away.
func neighborhoodIndex(t *testing.T) *Index {
	t.Helper()
	ix := NewIndex()
	ix.Upsert(located(1, "Ada", models.RoleDeveloper, []string{"go", "rust"}, 0, 0))
	ix.Upsert(located(2, "Grace", models.RoleDeveloper, []string{"python"}, 0, 1))
	ix.Upsert(located(3, "Dieter", models.RoleDesigner, []string{"go"}, 10, 10))
	return ix
}

func names(profiles []models.Profile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.DisplayName)
	}
	return out
}

func TestSearchRoleAndDistanceOrdering(t *testing.T) {
	engine := NewEngine(neighborhoodIndex(t))

	got := engine.Search(Query{
		RequesterID: testID(99),
		Role:        models.RoleDeveloper,
		Origin:      &models.Coordinates{Lat: 0, Lon: 0},
		RadiusKm:    200,
	})

	// Dieter fails the role filter; Ada is nearer than Grace.
	assert.Equal(t, []string{"Ada", "Grace"}, names(got))
}

func TestSearchExcludesRequester(t *testing.T) {
	engine := NewEngine(neighborhoodIndex(t))

	got := engine.Search(Query{RequesterID: testID(1)})
	assert.Equal(t, []string{"Grace", "Dieter"}, names(got))

	// A requester who is not in the directory drops nothing.
	got = engine.Search(Query{RequesterID: testID(42)})
	assert.Len(t, got, 3)
}

func TestSearchNameSubstringCaseInsensitive(t *testing.T) {
	engine := NewEngine(neighborhoodIndex(t))

	for _, needle := range []string{"race", "GRACE", "gRaCe"} {
		got := engine.Search(Query{RequesterID: testID(99), Name: needle})
		require.Len(t, got, 1, "needle %q", needle)
		assert.Equal(t, "Grace", got[0].DisplayName)
	}
}

func TestSearchSkillsLooseSubstring(t *testing.T) {
	ix := NewIndex()
	ix.Upsert(located(1, "Ada", models.RoleDeveloper, []string{"mongo", "kubernetes"}, 0, 0))
	ix.Upsert(located(2, "Grace", models.RoleDeveloper, []string{"postgres"}, 0, 0))
	engine := NewEngine(ix)

	// "go" matches "mongo" through the joined-string substring rule.
	got := engine.Search(Query{RequesterID: testID(99), Skills: []string{"go"}})
	require.Len(t, got, 1)
	assert.Equal(t, "Ada", got[0].DisplayName)

	// Every requested tag has to match, not just one.
	got = engine.Search(Query{RequesterID: testID(99), Skills: []string{"go", "rust"}})
	assert.Empty(t, got)

	got = engine.Search(Query{RequesterID: testID(99), Skills: []string{"GO", "Kube"}})
	require.Len(t, got, 1)
	assert.Equal(t, "Ada", got[0].DisplayName)
}

func TestSearchEmptySkillsDisablesFilter(t *testing.T) {
	engine := NewEngine(neighborhoodIndex(t))

	withNil := engine.Search(Query{RequesterID: testID(99), Skills: nil})
	withEmpty := engine.Search(Query{RequesterID: testID(99), Skills: []string{}})

	assert.Len(t, withNil, 3)
	assert.Equal(t, withNil, withEmpty)
}

func TestSearchDistanceEdgeCases(t *testing.T) {
	ix := NewIndex()
	ix.Upsert(located(1, "AtOrigin", models.RoleDeveloper, nil, 0, 0))
	ix.Upsert(located(2, "OneDegree", models.RoleDeveloper, nil, 0, 1))
	nowhere := models.Profile{AccountID: testID(3), DisplayName: "Nowhere", Role: models.RoleDeveloper}
	ix.Upsert(nowhere)
	engine := NewEngine(ix)

	origin := &models.Coordinates{Lat: 0, Lon: 0}

	// Radius zero keeps exactly the coincident record.
	got := engine.Search(Query{RequesterID: testID(99), Origin: origin, RadiusKm: 0})
	assert.Equal(t, []string{"AtOrigin"}, names(got))

	// A record with no location can never pass a distance filter.
	got = engine.Search(Query{RequesterID: testID(99), Origin: origin, RadiusKm: 50000})
	assert.Equal(t, []string{"AtOrigin", "OneDegree"}, names(got))

	// A negative radius disables the stage entirely.
	got = engine.Search(Query{RequesterID: testID(99), Origin: origin, RadiusKm: -1})
	assert.Len(t, got, 3)

	// No origin, no distance stage.
	got = engine.Search(Query{RequesterID: testID(99), RadiusKm: 10})
	assert.Len(t, got, 3)
}

func TestSearchDistanceTieBrokenByIdentity(t *testing.T) {
	ix := NewIndex()
	// Inserted high-identity first so snapshot order disagrees with the tie-break.
	ix.Upsert(located(9, "Later", models.RoleDeveloper, nil, 0, 1))
	ix.Upsert(located(2, "Earlier", models.RoleDeveloper, nil, 0, 1))
	engine := NewEngine(ix)

	got := engine.Search(Query{
		RequesterID: testID(99),
		Origin:      &models.Coordinates{Lat: 0, Lon: 0},
		RadiusKm:    200,
	})
	assert.Equal(t, []string{"Earlier", "Later"}, names(got))
}

func TestSearchWithoutDistanceKeepsSnapshotOrder(t *testing.T) {
	ix := NewIndex()
	ix.Upsert(located(5, "Zed", models.RoleDeveloper, nil, 0, 0))
	ix.Upsert(located(1, "Ada", models.RoleDeveloper, nil, 0, 0))
	engine := NewEngine(ix)

	got := engine.Search(Query{RequesterID: testID(99), Role: models.RoleDeveloper})
	assert.Equal(t, []string{"Zed", "Ada"}, names(got))
}

func TestSearchUnknownRoleMatchesNothing(t *testing.T) {
	engine := NewEngine(neighborhoodIndex(t))

	got := engine.Search(Query{RequesterID: testID(99), Role: models.Role("astronaut")})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSearchEmptyIndex(t *testing.T) {
	engine := NewEngine(NewIndex())

	got := engine.Search(Query{RequesterID: uuid.New()})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSearchDoesNotMutateIndex(t *testing.T) {
	ix := neighborhoodIndex(t)
	engine := NewEngine(ix)
	before := ix.All()

	engine.Search(Query{
		RequesterID: testID(1),
		Role:        models.RoleDeveloper,
		Skills:      []string{"go"},
		Origin:      &models.Coordinates{Lat: 0, Lon: 0},
		RadiusKm:    500,
	})

	assert.Equal(t, before, ix.All())
}
