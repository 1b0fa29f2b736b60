// Package repository defines the persistence contract behind the
// directory: durable profile storage that supplies the initial index
// population and backs every upsert and removal.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/joshuamckenty/anthill/internal/models"
)

// ErrNotFound is returned when no profile exists for the queried account.
var ErrNotFound = errors.New("profile not found")

// ProfileRepository is implemented by the ScyllaDB backend for
// deployments and the SQLite backend for local development.
type ProfileRepository interface {
	// Save inserts or fully replaces the profile for its AccountID.
	Save(ctx context.Context, profile *models.Profile) error
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.Profile, error)
	// Delete removes the stored profile; deleting an absent account is
	// reported as ErrNotFound so callers can distinguish it.
	Delete(ctx context.Context, accountID uuid.UUID) error
	// ListAll streams every stored profile in storage order.
	ListAll(ctx context.Context, fn func(models.Profile) error) error
	Close() error
}
