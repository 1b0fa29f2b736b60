package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamckenty/anthill/internal/models"
)

type recordingApplier struct {
	upserts []models.Profile
	removes []uuid.UUID
}

func (r *recordingApplier) Upsert(p models.Profile) { r.upserts = append(r.upserts, p) }
func (r *recordingApplier) Remove(id uuid.UUID)     { r.removes = append(r.removes, id) }

func feedWith(applier DirectoryApplier) *ProfileFeed {
	return &ProfileFeed{applier: applier, instanceID: "local-instance"}
}

func mustEncode(t *testing.T, ev ProfileEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func TestApplyUpsert(t *testing.T) {
	applier := &recordingApplier{}
	feed := feedWith(applier)

	p := models.Profile{
		AccountID:   uuid.New(),
		DisplayName: "Grace",
		Role:        models.RoleDeveloper,
	}
	feed.apply(mustEncode(t, ProfileEvent{
		Type:       ProfileUpserted,
		AccountID:  p.AccountID,
		Profile:    &p,
		OccurredAt: time.Now().UTC(),
	}))

	require.Len(t, applier.upserts, 1)
	assert.Equal(t, "Grace", applier.upserts[0].DisplayName)
	assert.Empty(t, applier.removes)
}

func TestApplyRemove(t *testing.T) {
	applier := &recordingApplier{}
	feed := feedWith(applier)
	id := uuid.New()

	feed.apply(mustEncode(t, ProfileEvent{
		Type:       ProfileRemoved,
		AccountID:  id,
		OccurredAt: time.Now().UTC(),
	}))

	require.Len(t, applier.removes, 1)
	assert.Equal(t, id, applier.removes[0])
	assert.Empty(t, applier.upserts)
}

func TestApplySkipsMalformedPayloads(t *testing.T) {
	applier := &recordingApplier{}
	feed := feedWith(applier)

	feed.apply([]byte("not json"))
	feed.apply(mustEncode(t, ProfileEvent{Type: "profile.archived"}))
	feed.apply(mustEncode(t, ProfileEvent{Type: ProfileUpserted})) // no profile attached

	assert.Empty(t, applier.upserts)
	assert.Empty(t, applier.removes)
}

func TestOriginHeader(t *testing.T) {
	feed := feedWith(&recordingApplier{})

	headers := []kafka.Header{
		{Key: "trace-id", Value: []byte("abc")},
		{Key: "origin", Value: []byte("local-instance")},
	}
	assert.Equal(t, "local-instance", feed.origin(headers))
	assert.Equal(t, "", feed.origin(nil))
	assert.Equal(t, "", feed.origin([]kafka.Header{{Key: "other", Value: []byte("x")}}))
}
