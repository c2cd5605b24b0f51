package config_handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"promorelay/internal/broker"
	"promorelay/pkg/models"
)

// Publisher announces a local configuration reload on the broker so other
// replicas pick up the same file.
type Publisher struct {
	producer broker.Producer
	topic    string
	source   string
	now      func() time.Time
}

func NewPublisher(producer broker.Producer, topic, source string) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		source:   source,
		now:      time.Now,
	}
}

func (p *Publisher) PublishReload(ctx context.Context, changedBy string) error {
	if p == nil || p.producer == nil || p.topic == "" {
		return nil
	}

	event := models.ConfigUpdateEvent{
		EventType: models.EventTypeConfigUpdated,
		Action:    models.ActionReload,
		Timestamp: p.now().UTC(),
		ChangedBy: changedBy,
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal config event: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(eventJSON, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	envelope := models.MessageEnvelope{
		ID:        uuid.New().String(),
		Source:    p.source,
		Timestamp: event.Timestamp,
		Payload:   payload,
		Metadata:  models.Metadata{EventType: event.EventType},
	}
	return p.producer.Publish(ctx, p.topic, envelope)
}
