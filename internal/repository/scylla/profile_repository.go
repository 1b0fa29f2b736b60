package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/bucketing"
	"github.com/joshuamckenty/anthill/internal/encryption"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/repository"
	"github.com/joshuamckenty/anthill/internal/util"
)

// emailKeyPurpose scopes the data keys wrapping contact emails; it
// must match on encrypt and decrypt for KMS-wrapped envelopes.
const emailKeyPurpose = "profile-email"

// ProfileRepository stores member profiles in the bucket-partitioned
// profiles table. Contact emails are envelope-encrypted before they
// touch disk and decrypted on the way out.
type ProfileRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
	crypto  *encryption.EncryptionManager
}

var _ repository.ProfileRepository = (*ProfileRepository)(nil)

func NewProfileRepository(client *ScyllaClient, buckets *bucketing.Manager, crypto *encryption.EncryptionManager) *ProfileRepository {
	return &ProfileRepository{
		client:  client,
		buckets: buckets,
		crypto:  crypto,
	}
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
		enc, err := r.crypto.EncryptField(ctx, p.Email, emailKeyPurpose)
		if err != nil {
			return fmt.Errorf("failed to encrypt contact email: %w", err)
		}
		emailEncrypted, emailDEK, emailKeyID = enc.EncryptedValue, enc.EncryptedDEK, enc.KeyID
	}

	located := p.Location != nil
	var lat, lon float64
	if located {
		lat, lon = p.Location.Lat, p.Location.Lon
	}

	query := r.client.Session.Query(r.client.Prepared.SaveProfile.Statement(),
		p.ProfileBucket, gocql.UUID(p.AccountID), p.DisplayName, string(p.Role),
		models.JoinSkills(p.Skills), located, lat, lon, p.About, p.URL,
		p.ContactHandle, emailEncrypted, emailDEK, emailKeyID,
		p.CreatedAt, p.UpdatedAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to save profile",
			zap.String("account_id", p.AccountID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to save profile: %w", err)
	}

	util.Debug("Profile saved",
		zap.String("account_id", p.AccountID.String()),
		zap.Int("profile_bucket", p.ProfileBucket))
	return nil
}

func (r *ProfileRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.Profile, error) {
	bucket := r.buckets.ProfileBucket(accountID)

	var c profileColumns
	query := r.client.Session.Query(r.client.Prepared.GetProfile.Statement(),
		bucket, gocql.UUID(accountID)).WithContext(ctx)

	if err := r.client.ScanWithRetry(query, c.dest()...); err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get profile",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p := c.toProfile()
	email, err := r.decryptEmail(ctx, &c)
	if err != nil {
		return nil, err
	}
	p.Email = email
	return p, nil
}

func (r *ProfileRepository) Delete(ctx context.Context, accountID uuid.UUID) error {
	// CQL deletes are blind writes; read first so absent accounts are
	// reported as ErrNotFound.
	if _, err := r.GetByAccountID(ctx, accountID); err != nil {
		return err
	}

	bucket := r.buckets.ProfileBucket(accountID)
	query := r.client.Session.Query(r.client.Prepared.DeleteProfile.Statement(),
		bucket, gocql.UUID(accountID)).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to delete profile",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to delete profile: %w", err)
	}

	util.Info("Profile deleted", zap.String("account_id", accountID.String()))
	return nil
}

func (r *ProfileRepository) ListAll(ctx context.Context, fn func(models.Profile) error) error {
	iter := r.client.Query(`
        SELECT profile_bucket, account_id, display_name, role, skills,
            located, lat, lon, about, url, contact_handle,
            email_encrypted, email_dek, email_key_id, created_at, updated_at
        FROM profiles`).WithContext(ctx).PageSize(500).Iter()

	var c profileColumns
	for iter.Scan(c.dest()...) {
		p := c.toProfile()
		email, err := r.decryptEmail(ctx, &c)
		if err != nil {
			// A profile with an undecryptable email still belongs in
			// the directory; it just cannot send messages.
			util.Warn("Skipping contact email for profile",
				zap.String("account_id", p.AccountID.String()),
				zap.Error(err))
		} else {
			p.Email = email
		}
		if err := fn(*p); err != nil {
			iter.Close()
			return err
		}
		c = profileColumns{}
	}

	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}
	return nil
}

// Close is a no-op; the underlying session is owned by the factory.
func (r *ProfileRepository) Close() error {
	return nil
}

func (r *ProfileRepository) decryptEmail(ctx context.Context, c *profileColumns) (string, error) {
	if c.emailEncrypted == "" {
		return "", nil
	}
	// The purpose is a property of the column, not the row, so it is
	// restored here rather than stored.
	email, err := r.crypto.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: c.emailEncrypted,
		EncryptedDEK:   c.emailDEK,
		KeyID:          c.emailKeyID,
		Purpose:        emailKeyPurpose,
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt contact email: %w", err)
	}
	return email, nil
}

// profileColumns mirrors the profiles table row layout.
type profileColumns struct {
	bucket         int
	accountID      gocql.UUID
	displayName    string
	role           string
	skills         string
	located        bool
	lat, lon       float64
	about          string
	url            string
	contactHandle  string
	emailEncrypted string
	emailDEK       string
	emailKeyID     string
	createdAt      time.Time
	updatedAt      time.Time
}

func (c *profileColumns) dest() []interface{} {
	return []interface{}{
		&c.bucket, &c.accountID, &c.displayName, &c.role, &c.skills,
		&c.located, &c.lat, &c.lon, &c.about, &c.url, &c.contactHandle,
		&c.emailEncrypted, &c.emailDEK, &c.emailKeyID, &c.createdAt, &c.updatedAt,
	}
}

func (c *profileColumns) toProfile() *models.Profile {
	p := &models.Profile{
		ProfileBucket: c.bucket,
		AccountID:     uuid.UUID(c.accountID),
		DisplayName:   c.displayName,
		Role:          models.Role(c.role),
		Skills:        models.ParseSkills(c.skills),
		About:         c.about,
		URL:           c.url,
		ContactHandle: c.contactHandle,
		CreatedAt:     c.createdAt,
		UpdatedAt:     c.updatedAt,
	}
	if c.located {
		p.Location = &models.Coordinates{Lat: c.lat, Lon: c.lon}
	}
	return p
}
