package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamckenty/anthill/internal/bucketing"
	"github.com/joshuamckenty/anthill/internal/config"
	"github.com/joshuamckenty/anthill/internal/encryption"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/repository"
)

func newTestRepo(t *testing.T) *ProfileRepository {
	t.Helper()
	crypto := encryption.NewEncryptionManager(&config.Config{}, nil)
	repo, err := NewProfileRepository(":memory:", bucketing.NewManager(16), crypto)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleProfile(id uuid.UUID) *models.Profile {
	return &models.Profile{
		AccountID:     id,
		DisplayName:   "Ada Lovelace",
		Role:          models.RoleDeveloper,
		Skills:        []string{"go", "rust"},
		Location:      &models.Coordinates{Lat: 51.5, Lon: -0.12},
		About:         "Likes difference engines.",
		URL:           "https://example.org/ada",
		ContactHandle: "@ada",
		Email:         "ada@example.org",
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, repo.Save(ctx, sampleProfile(id)))

	got, err := repo.GetByAccountID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.AccountID)
	assert.Equal(t, "Ada Lovelace", got.DisplayName)
	assert.Equal(t, models.RoleDeveloper, got.Role)
	assert.Equal(t, []string{"go", "rust"}, got.Skills)
	require.NotNil(t, got.Location)
	assert.InDelta(t, 51.5, got.Location.Lat, 1e-9)
	assert.InDelta(t, -0.12, got.Location.Lon, 1e-9)
	assert.Equal(t, "ada@example.org", got.Email)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestEmailIsNotStoredInPlaintext(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, repo.Save(ctx, sampleProfile(id)))

	var stored string
	err := repo.db.QueryRow(
		`SELECT email_encrypted FROM profiles WHERE account_id = ?`,
		id.String()).Scan(&stored)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
	assert.NotContains(t, stored, "ada@example.org")
}

func TestSaveReplacesExistingRow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, repo.Save(ctx, sampleProfile(id)))

	updated := sampleProfile(id)
	updated.DisplayName = "Ada L."
	updated.Skills = []string{"go"}
	updated.Location = nil
	require.NoError(t, repo.Save(ctx, updated))

	got, err := repo.GetByAccountID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", got.DisplayName)
	assert.Equal(t, []string{"go"}, got.Skills)
	assert.Nil(t, got.Location)

	var count int
	require.NoError(t, repo.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestGetMissingProfile(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetByAccountID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, repo.Save(ctx, sampleProfile(id)))
	require.NoError(t, repo.Delete(ctx, id))

	_, err := repo.GetByAccountID(ctx, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, id), repository.ErrNotFound)
}

func TestListAllReturnsEverySavedProfile(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		p := sampleProfile(uuid.New())
		p.Email = ""
		require.NoError(t, repo.Save(ctx, p))
		want = append(want, p.AccountID)
	}

	var got []uuid.UUID
	err := repo.ListAll(ctx, func(p models.Profile) error {
		got = append(got, p.AccountID)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)
	assert.Len(t, got, 5)
}

func TestListAllStopsOnCallbackError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := sampleProfile(uuid.New())
		p.Email = ""
		require.NoError(t, repo.Save(ctx, p))
	}

	calls := 0
	err := repo.ListAll(ctx, func(models.Profile) error {
		calls++
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOpensFileBackedDatabase(t *testing.T) {
	dir := t.TempDir()
	crypto := encryption.NewEncryptionManager(&config.Config{}, nil)

	repo, err := NewProfileRepository(filepath.Join(dir, "nested", "anthill.db"),
		bucketing.NewManager(16), crypto)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	id := uuid.New()
	require.NoError(t, repo.Save(context.Background(), sampleProfile(id)))

	got, err := repo.GetByAccountID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.AccountID)
}
