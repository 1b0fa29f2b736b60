package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/client"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/util"
)

// DirectoryApplier is the slice of the directory index the feed needs.
type DirectoryApplier interface {
	Upsert(p models.Profile)
	Remove(id uuid.UUID)
}

// ProfileFeed applies profile events from other instances to the local
// directory index. Events produced by this instance are skipped; the
// write path already updated the index directly.
type ProfileFeed struct {
	consumer   *client.KafkaConsumer
	applier    DirectoryApplier
	instanceID string
}

func NewProfileFeed(consumer *client.KafkaConsumer, applier DirectoryApplier, instanceID string) *ProfileFeed {
	return &ProfileFeed{
		consumer:   consumer,
		applier:    applier,
		instanceID: instanceID,
	}
}

// Run consumes until ctx ends. Read errors back off and retry; a bad
// payload is logged and skipped, never fatal.
func (f *ProfileFeed) Run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		msg, err := f.consumer.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			util.Warn("Profile feed read failed; backing off",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 250 * time.Millisecond

		if f.origin(msg.Headers) == f.instanceID {
			continue
		}
		f.apply(msg.Value)
	}
}

func (f *ProfileFeed) Close() error {
	return f.consumer.Close()
}

func (f *ProfileFeed) apply(value []byte) {
	var ev ProfileEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		util.Warn("Skipping undecodable profile event", zap.Error(err))
		return
	}

	switch ev.Type {
	case ProfileUpserted:
		if ev.Profile == nil {
			util.Warn("Skipping upsert event without profile",
				zap.String("account_id", ev.AccountID.String()))
			return
		}
		f.applier.Upsert(*ev.Profile)
		util.Debug("Applied profile upsert from feed",
			zap.String("account_id", ev.AccountID.String()))
	case ProfileRemoved:
		f.applier.Remove(ev.AccountID)
		util.Debug("Applied profile removal from feed",
			zap.String("account_id", ev.AccountID.String()))
	default:
		util.Warn("Skipping profile event of unknown type",
			zap.String("type", ev.Type))
	}
}

func (f *ProfileFeed) origin(headers []kafka.Header) string {
	for _, h := range headers {
		if h.Key == originHeader {
			return string(h.Value)
		}
	}
	return ""
}
