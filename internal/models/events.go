package models

import "time"

// SearchEvent is one proximity or full-text search, recorded for analytics.
type SearchEvent struct {
	EventBucket   int       `db:"event_bucket"`
	EventDate     string    `db:"event_date"`
	EventTime     time.Time `db:"event_time"`
	RequesterID   string    `db:"requester_id"`
	SearchKind    string    `db:"search_kind"` // "proximity" or "fulltext"
	RoleFilter    string    `db:"role_filter"`
	NameFilter    bool      `db:"name_filter"`
	SkillsFilter  bool      `db:"skills_filter"`
	RadiusKm      float64   `db:"radius_km"`
	ResultCount   int       `db:"result_count"`
	DurationMicro int64     `db:"duration_micro"`
}

// ContactEvent is one attempt to message another member, allowed or not.
type ContactEvent struct {
	EventBucket  int       `db:"event_bucket"`
	EventDate    string    `db:"event_date"`
	EventTime    time.Time `db:"event_time"`
	SenderID     string    `db:"sender_id"`
	RecipientID  string    `db:"recipient_id"`
	Allowed      bool      `db:"allowed"`
	RetryAfterMs int64     `db:"retry_after_ms"`
}
