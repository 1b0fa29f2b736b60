// Package events carries profile and messaging activity over Kafka.
// Profile events keep the in-memory directories of other instances in
// step with writes; message events feed the analytics pipeline.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/joshuamckenty/anthill/internal/models"
)

const (
	ProfileUpserted = "profile.upserted"
	ProfileRemoved  = "profile.removed"
	MessageSent     = "message.sent"
)

// originHeader identifies the producing instance so consumers can skip
// events they caused themselves.
const originHeader = "origin"

// ProfileEvent announces a directory write. Upserts carry the profile
// with the contact email already stripped; removals carry only the
// account id.
type ProfileEvent struct {
	Type       string          `json:"type"`
	AccountID  uuid.UUID       `json:"account_id"`
	Profile    *models.Profile `json:"profile,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// MessageEvent is one admitted member-to-member message. Only sends
// that cleared the quota gate reach the topic; the mailer resolves
// both addresses from the directory by account id, so the payload
// carries no email addresses.
type MessageEvent struct {
	Type        string    `json:"type"`
	SenderID    uuid.UUID `json:"sender_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	OccurredAt  time.Time `json:"occurred_at"`
}
