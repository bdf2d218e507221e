package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	// EventStreamsUpdated carries a raw stream list from a call engine.
	EventStreamsUpdated EventType = "streams.updated"
	// EventSnapshotApplied announces a snapshot published by the hosting
	// instance.
	EventSnapshotApplied EventType = "snapshot.applied"
)

type Event struct {
	Type       EventType            `json:"type"`
	InstanceID string               `json:"instance_id"`
	Timestamp  time.Time            `json:"timestamp"`
	SessionID  domain.SessionID     `json:"session_id"`
	Update     *domain.StreamUpdate `json:"update,omitempty"`
	Snapshot   *domain.Snapshot     `json:"snapshot,omitempty"`
}

// EventMetrics counts events crossing the bus.
type EventMetrics interface {
	RecordEvent(direction, eventType string)
}

// EventBus carries stream updates and snapshot announcements between
// instances over one Redis pub/sub channel.
type EventBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	metrics    EventMetrics
	logger     *zap.SugaredLogger
}

func NewEventBus(
	client *redis.Client,
	channel string,
	instanceID string,
	metrics EventMetrics,
	logger *zap.SugaredLogger,
) *EventBus {
	if channel == "" {
		channel = "callgrid:events"
	}
	return &EventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		metrics:    metrics,
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if eb.metrics != nil {
		eb.metrics.RecordEvent("out", string(event.Type))
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
	)
	return nil
}

// PublishSnapshot implements ports.EventPublisher.
func (eb *EventBus) PublishSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	return eb.Publish(ctx, &Event{
		Type:      EventSnapshotApplied,
		SessionID: snapshot.SessionID,
		Snapshot:  snapshot,
	})
}

func (eb *EventBus) PublishStreamUpdate(ctx context.Context, id domain.SessionID, update domain.StreamUpdate) error {
	return eb.Publish(ctx, &Event{
		Type:      EventStreamsUpdated,
		SessionID: id,
		Update:    &update,
	})
}

// Subscribe delivers events from other instances to handler until ctx is
// done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(context.Context, *Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := eb.decode([]byte(msg.Payload))
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event == nil {
				continue
			}
			if err := handler(ctx, event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"session_id", event.SessionID,
					"error", err,
				)
			}
		}
	}
}

// decode returns nil for events published by this instance.
func (eb *EventBus) decode(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	if event.InstanceID == eb.instanceID {
		return nil, nil
	}
	if eb.metrics != nil {
		eb.metrics.RecordEvent("in", string(event.Type))
	}
	return &event, nil
}

// SessionHandler applies inbound stream updates to locally hosted sessions.
// Updates for sessions hosted elsewhere are ignored.
func SessionHandler(sessions ports.SessionService, logger *zap.SugaredLogger) func(context.Context, *Event) error {
	return func(ctx context.Context, event *Event) error {
		switch event.Type {
		case EventStreamsUpdated:
			if event.Update == nil {
				return fmt.Errorf("stream update event without payload")
			}
			err := sessions.UpdateStreams(ctx, event.SessionID, *event.Update)
			if errors.Is(err, domain.ErrSessionNotFound) {
				return nil
			}
			return err
		case EventSnapshotApplied:
			if event.Snapshot != nil {
				logger.Debugw("remote snapshot applied",
					"session_id", event.SessionID,
					"version", event.Snapshot.Version,
					"instance_id", event.InstanceID,
				)
			}
			return nil
		default:
			return fmt.Errorf("unknown event type %q", event.Type)
		}
	}
}
