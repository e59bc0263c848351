package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jwalitptl/palliative-api/internal/model"
)

// EventPublisher wraps outbox rows in a Message and publishes them on one channel.
type EventPublisher struct {
	broker  Broker
	channel string
}

func NewEventPublisher(broker Broker, channel string) *EventPublisher {
	return &EventPublisher{broker: broker, channel: channel}
}

func (p *EventPublisher) PublishEvent(ctx context.Context, event *model.OutboxEvent) error {
	var payload interface{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
	}
	return p.broker.Publish(ctx, p.channel, Message{
		ID:          event.ID.String(),
		Type:        event.EventType,
		AggregateID: event.AggregateID,
		OccurredAt:  event.CreatedAt.UTC().Format(time.RFC3339Nano),
		Payload:     payload,
	})
}

func (p *EventPublisher) Close() error {
	return p.broker.Close()
}
