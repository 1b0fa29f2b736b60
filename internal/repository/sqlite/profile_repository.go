// Package sqlite provides the single-node profile repository used for
// local development. It keeps the same row layout as the scylla backend
// so the two stay interchangeable behind repository.ProfileRepository.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/joshuamckenty/anthill/internal/bucketing"
	"github.com/joshuamckenty/anthill/internal/encryption"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/repository"
	"github.com/joshuamckenty/anthill/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	account_id      TEXT PRIMARY KEY,
	profile_bucket  INTEGER NOT NULL,
	display_name    TEXT NOT NULL,
	role            TEXT NOT NULL,
	skills          TEXT NOT NULL DEFAULT '',
	located         INTEGER NOT NULL DEFAULT 0,
	lat             REAL NOT NULL DEFAULT 0,
	lon             REAL NOT NULL DEFAULT 0,
	about           TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	contact_handle  TEXT NOT NULL DEFAULT '',
	email_encrypted TEXT NOT NULL DEFAULT '',
	email_dek       TEXT NOT NULL DEFAULT '',
	email_key_id    TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
)`

type ProfileRepository struct {
	db      *sql.DB
	buckets *bucketing.Manager
	crypto  *encryption.EncryptionManager
}

var _ repository.ProfileRepository = (*ProfileRepository)(nil)

// NewProfileRepository opens (or creates) the database at path and
// ensures the schema exists. Pass ":memory:" for an in-memory database.
func NewProfileRepository(path string, buckets *bucketing.Manager, crypto *encryption.EncryptionManager) (*ProfileRepository, error) {
	dsn := path
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create profiles table: %w", err)
	}

	util.Info("SQLite profile repository ready", zap.String("path", path))
	return &ProfileRepository{db: db, buckets: buckets, crypto: crypto}, nil
}

func (r *ProfileRepository) Save(ctx context.Context, p *models.Profile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.ProfileBucket = r.buckets.ProfileBucket(p.AccountID)

	var emailEncrypted, emailDEK, emailKeyID string
	if p.Email != "" {
		enc, err := r.crypto.EncryptField(ctx, p.Email, "profile-email")
		if err != nil {
			return fmt.Errorf("failed to encrypt contact email: %w", err)
		}
		emailEncrypted, emailDEK, emailKeyID = enc.EncryptedValue, enc.EncryptedDEK, enc.KeyID
	}

	located := 0
	var lat, lon float64
	if p.Location != nil {
		located = 1
		lat, lon = p.Location.Lat, p.Location.Lon
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (account_id, profile_bucket, display_name, role, skills,
			located, lat, lon, about, url, contact_handle,
			email_encrypted, email_dek, email_key_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			profile_bucket = excluded.profile_bucket,
			display_name = excluded.display_name,
			role = excluded.role,
			skills = excluded.skills,
			located = excluded.located,
			lat = excluded.lat,
			lon = excluded.lon,
			about = excluded.about,
			url = excluded.url,
			contact_handle = excluded.contact_handle,
			email_encrypted = excluded.email_encrypted,
			email_dek = excluded.email_dek,
			email_key_id = excluded.email_key_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		p.AccountID.String(), p.ProfileBucket, p.DisplayName, string(p.Role),
		models.JoinSkills(p.Skills), located, lat, lon, p.About, p.URL,
		p.ContactHandle, emailEncrypted, emailDEK, emailKeyID,
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (r *ProfileRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, profile_bucket, display_name, role, skills,
			located, lat, lon, about, url, contact_handle,
			email_encrypted, email_dek, email_key_id, created_at, updated_at
		FROM profiles WHERE account_id = ?`, accountID.String())

	p, err := r.scanProfile(ctx, row.Scan)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (r *ProfileRepository) Delete(ctx context.Context, accountID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE account_id = ?`, accountID.String())
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *ProfileRepository) ListAll(ctx context.Context, fn func(models.Profile) error) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, profile_bucket, display_name, role, skills,
			located, lat, lon, about, url, contact_handle,
			email_encrypted, email_dek, email_key_id, created_at, updated_at
		FROM profiles ORDER BY created_at ASC, account_id ASC`)
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := r.scanProfile(ctx, rows.Scan)
		if err != nil {
			return fmt.Errorf("failed to list profiles: %w", err)
		}
		if err := fn(*p); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *ProfileRepository) Close() error {
	return r.db.Close()
}

func (r *ProfileRepository) scanProfile(ctx context.Context, scan func(dest ...interface{}) error) (*models.Profile, error) {
	var (
		accountID, displayName, role, skills string
		about, url, contactHandle            string
		emailEncrypted, emailDEK, emailKeyID string
		createdAt, updatedAt                 string
		located, bucket                      int
		lat, lon                             float64
	)
	if err := scan(&accountID, &bucket, &displayName, &role, &skills,
		&located, &lat, &lon, &about, &url, &contactHandle,
		&emailEncrypted, &emailDEK, &emailKeyID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse account id %q: %w", accountID, err)
	}

	p := &models.Profile{
		ProfileBucket: bucket,
		AccountID:     id,
		DisplayName:   displayName,
		Role:          models.Role(role),
		Skills:        models.ParseSkills(skills),
		About:         about,
		URL:           url,
		ContactHandle: contactHandle,
	}
	if located != 0 {
		p.Location = &models.Coordinates{Lat: lat, Lon: lon}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	if emailEncrypted != "" {
		email, err := r.crypto.DecryptField(ctx, &encryption.EncryptedData{
			EncryptedValue: emailEncrypted,
			EncryptedDEK:   emailDEK,
			KeyID:          emailKeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt contact email: %w", err)
		}
		p.Email = email
	}
	return p, nil
}
