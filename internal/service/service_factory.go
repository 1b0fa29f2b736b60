package service

import (
	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/directory"
	"github.com/joshuamckenty/anthill/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	repo      repository.ProfileRepository
	index     *directory.Index
	gate      SendGate
	publisher EventPublisher
	analytics AnalyticsTracker
	fulltext  FulltextIndexer
	logger    *zap.Logger

	peopleService *PeopleService
}

// NewServiceFactory creates a new service factory. publisher,
// analytics, and fulltext may be nil when their backends are disabled.
func NewServiceFactory(
	repo repository.ProfileRepository,
	index *directory.Index,
	gate SendGate,
	publisher EventPublisher,
	analytics AnalyticsTracker,
	fulltext FulltextIndexer,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		repo:      repo,
		index:     index,
		gate:      gate,
		publisher: publisher,
		analytics: analytics,
		fulltext:  fulltext,
		logger:    logger,
	}
}

// PeopleService returns the people service instance (singleton)
func (f *ServiceFactory) PeopleService() *PeopleService {
	if f.peopleService == nil {
		f.peopleService = NewPeopleService(
			f.repo,
			f.index,
			f.gate,
			f.publisher,
			f.analytics,
			f.fulltext,
			f.logger,
		)
	}
	return f.peopleService
}
