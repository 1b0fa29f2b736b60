// Package service wires the directory, storage, quota, search, and
// event layers into the operations the HTTP handlers expose.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joshuamckenty/anthill/internal/directory"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/quota"
	"github.com/joshuamckenty/anthill/internal/repository"
	"github.com/joshuamckenty/anthill/internal/util"
)

var (
	ErrProfileNotFound     = errors.New("profile not found")
	ErrInvalidProfile      = errors.New("invalid profile")
	ErrNoContactAddress    = errors.New("sender has no contact address")
	ErrFulltextUnavailable = errors.New("fulltext search unavailable")
)

// SendGate is the messaging quota decision point. Contact makes exactly
// one call per attempt; the gate both answers and records atomically.
type SendGate interface {
	TryRecordSend(ctx context.Context, senderID uuid.UUID, now time.Time) (quota.Decision, error)
}

// MemoryGate adapts the in-process limiter to SendGate. It never errors.
type MemoryGate struct {
	limiter *quota.Limiter
}

func NewMemoryGate(l *quota.Limiter) *MemoryGate {
	return &MemoryGate{limiter: l}
}

func (g *MemoryGate) TryRecordSend(_ context.Context, senderID uuid.UUID, now time.Time) (quota.Decision, error) {
	return g.limiter.TryRecordSend(senderID, now), nil
}

// EventPublisher fans profile and message activity out to Kafka.
type EventPublisher interface {
	PublishProfileUpserted(ctx context.Context, profile models.Profile) error
	PublishProfileRemoved(ctx context.Context, accountID uuid.UUID) error
	PublishMessageSent(ctx context.Context, senderID, recipientID uuid.UUID, subject, body string) error
}

// AnalyticsTracker queues usage events for the ClickHouse pipeline.
type AnalyticsTracker interface {
	TrackSearch(ev models.SearchEvent)
	TrackContact(ev models.ContactEvent)
}

// FulltextIndexer maintains and queries the Elasticsearch mirror of
// the directory.
type FulltextIndexer interface {
	IndexProfile(ctx context.Context, p models.Profile) error
	RemoveProfile(ctx context.Context, accountID uuid.UUID) error
	Query(ctx context.Context, text string, limit int) ([]uuid.UUID, error)
}

// ContactResult is the outcome of a message attempt. Throttled is an
// outcome, not an error: RetryAfter tells the sender how long until
// the quota window admits another send.
type ContactResult struct {
	Delivered  bool
	Throttled  bool
	RetryAfter time.Duration
}

// PeopleService handles all directory and messaging business logic.
// publisher, analytics, and fulltext are optional; a nil value means
// that backend is disabled and the operation degrades quietly.
type PeopleService struct {
	repo      repository.ProfileRepository
	index     *directory.Index
	engine    *directory.Engine
	gate      SendGate
	publisher EventPublisher
	analytics AnalyticsTracker
	fulltext  FulltextIndexer
	logger    *zap.Logger
}

// NewPeopleService creates the service around an already-populated (or
// about-to-be-warmed) directory index.
func NewPeopleService(
	repo repository.ProfileRepository,
	index *directory.Index,
	gate SendGate,
	publisher EventPublisher,
	analytics AnalyticsTracker,
	fulltext FulltextIndexer,
	logger *zap.Logger,
) *PeopleService {
	return &PeopleService{
		repo:      repo,
		index:     index,
		engine:    directory.NewEngine(index),
		gate:      gate,
		publisher: publisher,
		analytics: analytics,
		fulltext:  fulltext,
		logger:    logger,
	}
}

// Search runs a structured proximity query against the in-memory index.
// It never errors: malformed filters were already dropped while parsing
// the request, and an empty directory just yields an empty result.
func (s *PeopleService) Search(_ context.Context, q directory.Query) []models.Profile {
	startTime := time.Now()

	results := s.engine.Search(q)

	if s.analytics != nil {
		radius := 0.0
		if q.Origin != nil && q.RadiusKm >= 0 {
			radius = q.RadiusKm
		}
		s.analytics.TrackSearch(models.SearchEvent{
			RequesterID:   q.RequesterID.String(),
			SearchKind:    "proximity",
			RoleFilter:    string(q.Role),
			NameFilter:    q.Name != "",
			SkillsFilter:  len(q.Skills) > 0,
			RadiusKm:      radius,
			ResultCount:   len(results),
			DurationMicro: time.Since(startTime).Microseconds(),
		})
	}

	return results
}

// FullTextSearch asks Elasticsearch for matching account ids and
// resolves them against the live index. Hits that are no longer in the
// directory are dropped, so a lagging mirror can return stale ids
// without surfacing ghost profiles.
func (s *PeopleService) FullTextSearch(ctx context.Context, q string, limit int) ([]models.Profile, error) {
	if s.fulltext == nil {
		return nil, ErrFulltextUnavailable
	}

	startTime := time.Now()

	ids, err := s.fulltext.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("fulltext query failed: %w", err)
	}

	results := make([]models.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.index.Get(id); ok {
			results = append(results, p)
		}
	}
	if dropped := len(ids) - len(results); dropped > 0 {
		s.logger.Debug("Dropped stale fulltext hits",
			util.Int("dropped", dropped),
			util.Int("returned", len(results)))
	}

	if s.analytics != nil {
		s.analytics.TrackSearch(models.SearchEvent{
			SearchKind:    "fulltext",
			ResultCount:   len(results),
			DurationMicro: time.Since(startTime).Microseconds(),
		})
	}

	return results, nil
}

// GetProfile returns one directory entry by account id.
func (s *PeopleService) GetProfile(_ context.Context, accountID uuid.UUID) (models.Profile, error) {
	p, ok := s.index.Get(accountID)
	if !ok {
		return models.Profile{}, ErrProfileNotFound
	}
	return p, nil
}

// UpsertProfile validates, persists, and announces one profile write.
// The repository row keeps the contact email (encrypted at rest); the
// index, the search mirror, the event stream, and the return value all
// carry the redacted copy.
func (s *PeopleService) UpsertProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	startTime := time.Now()

	s.sanitizeProfile(&p)
	if err := s.validateProfile(p); err != nil {
		return models.Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	// A replace keeps the original creation time regardless of what the
	// caller sent.
	existing, err := s.repo.GetByAccountID(ctx, p.AccountID)
	switch {
	case err == nil:
		p.CreatedAt = existing.CreatedAt
	case errors.Is(err, repository.ErrNotFound):
		p.CreatedAt = time.Time{}
	default:
		return models.Profile{}, fmt.Errorf("failed to load existing profile: %w", err)
	}

	if err := s.repo.Save(ctx, &p); err != nil {
		return models.Profile{}, fmt.Errorf("failed to save profile: %w", err)
	}

	public := redact(p)
	s.index.Upsert(public)

	if s.fulltext != nil {
		if err := s.fulltext.IndexProfile(ctx, public); err != nil {
			s.logger.Warn("Failed to index profile for fulltext search",
				util.String("account_id", p.AccountID.String()),
				util.ErrorField(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishProfileUpserted(ctx, public); err != nil {
			s.logger.Warn("Failed to publish profile upsert",
				util.String("account_id", p.AccountID.String()),
				util.ErrorField(err))
		}
	}

	s.logger.Info("Profile upserted",
		util.String("account_id", p.AccountID.String()),
		util.String("role", string(p.Role)),
		util.Int("profile_bucket", p.ProfileBucket),
		util.Duration("duration", time.Since(startTime)))

	return public, nil
}

// RemoveProfile deletes a profile everywhere it lives: repository,
// index, search mirror, and the change feed.
func (s *PeopleService) RemoveProfile(ctx context.Context, accountID uuid.UUID) error {
	if err := s.repo.Delete(ctx, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProfileNotFound
		}
		return fmt.Errorf("failed to delete profile: %w", err)
	}

	s.index.Remove(accountID)

	if s.fulltext != nil {
		if err := s.fulltext.RemoveProfile(ctx, accountID); err != nil {
			s.logger.Warn("Failed to remove profile from fulltext search",
				util.String("account_id", accountID.String()),
				util.ErrorField(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishProfileRemoved(ctx, accountID); err != nil {
			s.logger.Warn("Failed to publish profile removal",
				util.String("account_id", accountID.String()),
				util.ErrorField(err))
		}
	}

	s.logger.Info("Profile removed", util.String("account_id", accountID.String()))
	return nil
}

// Contact attempts one member-to-member message. The recipient must
// exist; the sender must exist and have a contact email, since the
// mailer sets it as the reply address. Exactly one gate call records
// the attempt, so a throttled sender cannot burn quota by retrying.
func (s *PeopleService) Contact(ctx context.Context, senderID, recipientID uuid.UUID, subject, body string) (ContactResult, error) {
	startTime := time.Now()

	if _, err := s.repo.GetByAccountID(ctx, recipientID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ContactResult{}, fmt.Errorf("%w: recipient %s", ErrProfileNotFound, recipientID)
		}
		return ContactResult{}, fmt.Errorf("failed to load recipient: %w", err)
	}

	sender, err := s.repo.GetByAccountID(ctx, senderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ContactResult{}, fmt.Errorf("%w: sender %s", ErrProfileNotFound, senderID)
		}
		return ContactResult{}, fmt.Errorf("failed to load sender: %w", err)
	}
	if sender.Email == "" {
		return ContactResult{}, ErrNoContactAddress
	}

	decision, err := s.gate.TryRecordSend(ctx, senderID, time.Now().UTC())
	if err != nil {
		return ContactResult{}, fmt.Errorf("send gate failed: %w", err)
	}

	s.trackContact(senderID, recipientID, decision)

	if !decision.Allowed {
		s.logger.Info("Message throttled",
			util.String("sender_id", senderID.String()),
			util.Duration("retry_after", decision.RetryAfter))
		return ContactResult{Throttled: true, RetryAfter: decision.RetryAfter}, nil
	}

	subject = util.SanitizeText(subject)
	body = util.SanitizeMultiline(body)
	if s.publisher != nil {
		if err := s.publisher.PublishMessageSent(ctx, senderID, recipientID, subject, body); err != nil {
			// Quota is already spent; surfacing the failure beats
			// claiming delivery for a message no mailer will see.
			return ContactResult{}, fmt.Errorf("failed to publish message event: %w", err)
		}
	}

	s.logger.Info("Message send admitted",
		util.String("sender_id", senderID.String()),
		util.String("recipient_id", recipientID.String()),
		util.Int("remaining", decision.Remaining),
		util.Duration("duration", time.Since(startTime)))

	return ContactResult{Delivered: true}, nil
}

// WarmIndex streams every stored profile into the in-memory index.
// Called once at startup before the server accepts traffic.
func (s *PeopleService) WarmIndex(ctx context.Context) (int, error) {
	startTime := time.Now()

	count := 0
	err := s.repo.ListAll(ctx, func(p models.Profile) error {
		s.index.Upsert(redact(p))
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to warm index: %w", err)
	}

	s.logger.Info("Directory index warmed",
		util.Int("profiles", count),
		util.Duration("duration", time.Since(startTime)))
	return count, nil
}

// RebuildFulltext re-indexes the whole directory into Elasticsearch
// with bounded concurrency. Used at startup when the mirror may have
// drifted or the index mapping changed.
func (s *PeopleService) RebuildFulltext(ctx context.Context) error {
	if s.fulltext == nil {
		return nil
	}

	startTime := time.Now()
	profiles := s.index.All()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for _, p := range profiles {
		g.Go(func() error {
			return s.fulltext.IndexProfile(ctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to rebuild fulltext index: %w", err)
	}

	s.logger.Info("Fulltext index rebuilt",
		util.Int("profiles", len(profiles)),
		util.Duration("duration", time.Since(startTime)))
	return nil
}

// HealthCheck verifies the storage backend is reachable by running the
// cheapest read it supports.
func (s *PeopleService) HealthCheck(ctx context.Context) error {
	_, err := s.repo.GetByAccountID(ctx, uuid.Nil)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("profile repository unhealthy: %w", err)
	}
	return nil
}

func (s *PeopleService) trackContact(senderID, recipientID uuid.UUID, decision quota.Decision) {
	if s.analytics == nil {
		return
	}
	s.analytics.TrackContact(models.ContactEvent{
		SenderID:     senderID.String(),
		RecipientID:  recipientID.String(),
		Allowed:      decision.Allowed,
		RetryAfterMs: decision.RetryAfter.Milliseconds(),
	})
}

func (s *PeopleService) sanitizeProfile(p *models.Profile) {
	p.DisplayName = util.SanitizeText(p.DisplayName)
	p.About = util.SanitizeMultiline(p.About)
	p.ContactHandle = util.SanitizeText(p.ContactHandle)
	p.URL = strings.TrimSpace(p.URL)
	p.Email = strings.TrimSpace(p.Email)

	skills := make([]string, 0, len(p.Skills))
	for _, skill := range p.Skills {
		if skill = util.SanitizeText(skill); skill != "" {
			skills = append(skills, skill)
		}
	}
	p.Skills = skills
}

func (s *PeopleService) validateProfile(p models.Profile) error {
	if p.AccountID == uuid.Nil {
		return errors.New("account id is required")
	}
	if p.DisplayName == "" {
		return errors.New("display name is required")
	}
	if util.ContainsSuspicious(p.DisplayName) {
		return fmt.Errorf("display name %q contains disallowed characters", p.DisplayName)
	}
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	if p.Location != nil {
		if err := p.Location.Validate(); err != nil {
			return err
		}
	}
	if p.Email != "" && !util.ValidEmail(p.Email) {
		return fmt.Errorf("malformed email address %q", p.Email)
	}
	return nil
}

// redact strips the fields that never leave the storage layer.
func redact(p models.Profile) models.Profile {
	public := p.Clone()
	public.Email = ""
	return public
}
