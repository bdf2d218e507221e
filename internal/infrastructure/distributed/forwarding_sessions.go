package distributed

import (
	"context"
	"errors"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"

	"go.uber.org/zap"
)

// StreamUpdatePublisher is implemented by *EventBus.
type StreamUpdatePublisher interface {
	PublishStreamUpdate(ctx context.Context, id domain.SessionID, update domain.StreamUpdate) error
}

// ForwardingSessions hands stream updates for sessions hosted elsewhere to
// the event bus, where the hosting instance's SessionHandler applies them.
// Everything else goes to the local session service.
type ForwardingSessions struct {
	ports.SessionService
	bus      StreamUpdatePublisher
	registry ports.SessionRegistry
	logger   *zap.SugaredLogger
}

func NewForwardingSessions(local ports.SessionService, bus StreamUpdatePublisher, registry ports.SessionRegistry, logger *zap.SugaredLogger) *ForwardingSessions {
	return &ForwardingSessions{
		SessionService: local,
		bus:            bus,
		registry:       registry,
		logger:         logger,
	}
}

func (f *ForwardingSessions) UpdateStreams(ctx context.Context, id domain.SessionID, update domain.StreamUpdate) error {
	err := f.SessionService.UpdateStreams(ctx, id, update)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}

	// only forward when some instance actually hosts the call
	if f.registry != nil {
		owner, ownerErr := f.registry.Owner(ctx, id)
		if ownerErr != nil || owner == "" {
			return err
		}
	}
	if pubErr := f.bus.PublishStreamUpdate(ctx, id, update); pubErr != nil {
		f.logger.Warnw("failed to forward stream update", "session_id", id, "error", pubErr)
		return err
	}
	f.logger.Debugw("forwarded stream update", "session_id", id, "streams", len(update.Streams))
	return nil
}
