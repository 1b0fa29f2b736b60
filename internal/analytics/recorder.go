// Package analytics batches search and contact activity into
// ClickHouse. Tracking is fire-and-forget: a full buffer drops the
// event rather than slowing a request down.
//
// Expected tables:
//
//	CREATE TABLE IF NOT EXISTS search_events (
//	    event_date     Date,
//	    event_bucket   Int32,
//	    event_time     DateTime64(6, 'UTC'),
//	    requester_id   String,
//	    search_kind    LowCardinality(String),
//	    role_filter    LowCardinality(String),
//	    name_filter    Bool,
//	    skills_filter  Bool,
//	    radius_km      Float64,
//	    result_count   Int32,
//	    duration_micro Int64
//	) ENGINE = MergeTree()
//	PARTITION BY toYYYYMM(event_date)
//	ORDER BY (event_date, event_bucket, event_time);
//
//	CREATE TABLE IF NOT EXISTS contact_events (
//	    event_date     Date,
//	    event_bucket   Int32,
//	    event_time     DateTime64(6, 'UTC'),
//	    sender_id      String,
//	    recipient_id   String,
//	    allowed        Bool,
//	    retry_after_ms Int64
//	) ENGINE = MergeTree()
//	PARTITION BY toYYYYMM(event_date)
//	ORDER BY (event_date, event_bucket, event_time);
package analytics

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/bucketing"
	"github.com/joshuamckenty/anthill/internal/client"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/util"
)

const (
	bufferSize = 4096
	batchSize  = 200
	flushEvery = 5 * time.Second
)

type Recorder struct {
	client  *client.ClickHouseClient
	buckets *bucketing.Manager

	searches chan models.SearchEvent
	contacts chan models.ContactEvent
	dropped  atomic.Int64
}

func NewRecorder(chClient *client.ClickHouseClient, buckets *bucketing.Manager) *Recorder {
	return &Recorder{
		client:   chClient,
		buckets:  buckets,
		searches: make(chan models.SearchEvent, bufferSize),
		contacts: make(chan models.ContactEvent, bufferSize),
	}
}

// TrackSearch queues a search event. Never blocks; a full buffer drops
// the event and counts it.
func (r *Recorder) TrackSearch(ev models.SearchEvent) {
	r.stamp(&ev.EventTime, &ev.EventDate)
	ev.EventBucket = r.buckets.KeyBucket(ev.RequesterID)

	select {
	case r.searches <- ev:
	default:
		r.dropped.Add(1)
	}
}

// TrackContact queues a contact event. Never blocks.
func (r *Recorder) TrackContact(ev models.ContactEvent) {
	r.stamp(&ev.EventTime, &ev.EventDate)
	ev.EventBucket = r.buckets.KeyBucket(ev.SenderID)

	select {
	case r.contacts <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the buffers
// were full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run flushes batches until ctx ends, then drains what is buffered.
// Run it as a goroutine.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	searches := make([]models.SearchEvent, 0, batchSize)
	contacts := make([]models.ContactEvent, 0, batchSize)

	for {
		select {
		case <-ctx.Done():
			searches = append(searches, r.drainSearches()...)
			contacts = append(contacts, r.drainContacts()...)
			r.flush(searches, contacts)
			return
		case ev := <-r.searches:
			searches = append(searches, ev)
			if len(searches) >= batchSize {
				r.flushSearches(searches)
				searches = searches[:0]
			}
		case ev := <-r.contacts:
			contacts = append(contacts, ev)
			if len(contacts) >= batchSize {
				r.flushContacts(contacts)
				contacts = contacts[:0]
			}
		case <-ticker.C:
			r.flush(searches, contacts)
			searches = searches[:0]
			contacts = contacts[:0]

			if n := r.dropped.Swap(0); n > 0 {
				util.Warn("Analytics events dropped under load", zap.Int64("count", n))
			}
		}
	}
}

func (r *Recorder) stamp(eventTime *time.Time, eventDate *string) {
	if eventTime.IsZero() {
		*eventTime = time.Now().UTC()
	}
	*eventDate = r.buckets.DateBucket(*eventTime)
}

func (r *Recorder) drainSearches() []models.SearchEvent {
	var out []models.SearchEvent
	for {
		select {
		case ev := <-r.searches:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (r *Recorder) drainContacts() []models.ContactEvent {
	var out []models.ContactEvent
	for {
		select {
		case ev := <-r.contacts:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (r *Recorder) flush(searches []models.SearchEvent, contacts []models.ContactEvent) {
	r.flushSearches(searches)
	r.flushContacts(contacts)
}

func (r *Recorder) flushSearches(events []models.SearchEvent) {
	if len(events) == 0 {
		return
	}

	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []interface{}{
			ev.EventDate, int32(ev.EventBucket), ev.EventTime, ev.RequesterID,
			ev.SearchKind, ev.RoleFilter, ev.NameFilter, ev.SkillsFilter,
			ev.RadiusKm, int32(ev.ResultCount), ev.DurationMicro,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.client.BatchInsert(ctx, "INSERT INTO search_events", rows); err != nil {
		util.Error("Failed to flush search events",
			zap.Int("count", len(events)),
			zap.Error(err))
		return
	}
	util.Debug("Flushed search events", zap.Int("count", len(events)))
}

func (r *Recorder) flushContacts(events []models.ContactEvent) {
	if len(events) == 0 {
		return
	}

	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []interface{}{
			ev.EventDate, int32(ev.EventBucket), ev.EventTime, ev.SenderID,
			ev.RecipientID, ev.Allowed, ev.RetryAfterMs,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.client.BatchInsert(ctx, "INSERT INTO contact_events", rows); err != nil {
		util.Error("Failed to flush contact events",
			zap.Int("count", len(events)),
			zap.Error(err))
		return
	}
	util.Debug("Flushed contact events", zap.Int("count", len(events)))
}
