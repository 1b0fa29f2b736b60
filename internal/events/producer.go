package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/client"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/util"
)

// Publisher writes profile and message events. The account id is the
// partition key, so all events for one profile stay ordered.
type Publisher struct {
	producer     *client.KafkaProducer
	profileTopic string
	messageTopic string
	instanceID   string
}

func NewPublisher(producer *client.KafkaProducer, profileTopic, messageTopic, instanceID string) *Publisher {
	return &Publisher{
		producer:     producer,
		profileTopic: profileTopic,
		messageTopic: messageTopic,
		instanceID:   instanceID,
	}
}

func (p *Publisher) PublishProfileUpserted(ctx context.Context, profile models.Profile) error {
	redacted := profile.Clone()
	redacted.Email = ""

	return p.publish(ctx, p.profileTopic, profile.AccountID, ProfileEvent{
		Type:       ProfileUpserted,
		AccountID:  profile.AccountID,
		Profile:    &redacted,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *Publisher) PublishProfileRemoved(ctx context.Context, accountID uuid.UUID) error {
	return p.publish(ctx, p.profileTopic, accountID, ProfileEvent{
		Type:       ProfileRemoved,
		AccountID:  accountID,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *Publisher) PublishMessageSent(ctx context.Context, senderID, recipientID uuid.UUID, subject, body string) error {
	return p.publish(ctx, p.messageTopic, senderID, MessageEvent{
		Type:        MessageSent,
		SenderID:    senderID,
		RecipientID: recipientID,
		Subject:     subject,
		Body:        body,
		OccurredAt:  time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, topic string, key uuid.UUID, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = p.producer.ProduceMessage(ctx, topic, []byte(key.String()), value,
		map[string]string{originHeader: p.instanceID})
	if err != nil {
		util.Error("Failed to publish event",
			zap.String("topic", topic),
			zap.String("key", key.String()),
			zap.Error(err))
		return err
	}
	return nil
}
