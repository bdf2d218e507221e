package distributed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/services"
	"callgrid/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingMetrics struct {
	events map[string]int
}

func (m *countingMetrics) RecordEvent(direction, eventType string) {
	m.events[direction+":"+eventType]++
}

func newSessions(t *testing.T) *services.SessionService {
	logger := zaptest.NewLogger(t).Sugar()
	layout := services.NewLayoutService(
		services.NewGridSolver(domain.DefaultAspectBand),
		services.NewSlotAllocator(),
		services.LayoutConfig{},
		nil,
		logger,
	)
	selection := services.DefaultSelectionConfig()
	selection.DefaultDelay = 5 * time.Millisecond
	selection.SingleStreamDelay = 5 * time.Millisecond

	sessions := services.NewSessionService(layout, memory.NewMemorySnapshotRepository(), nil, nil, nil,
		services.SessionConfig{Selection: selection}, logger)
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })
	return sessions
}

func TestEventBus_DecodeSkipsOwnEvents(t *testing.T) {
	metrics := &countingMetrics{events: map[string]int{}}
	bus := NewEventBus(nil, "", "node-a", metrics, zaptest.NewLogger(t).Sugar())

	own, _ := json.Marshal(Event{Type: EventSnapshotApplied, InstanceID: "node-a", SessionID: "call-1"})
	event, err := bus.decode(own)
	require.NoError(t, err)
	assert.Nil(t, event)

	other, _ := json.Marshal(Event{Type: EventSnapshotApplied, InstanceID: "node-b", SessionID: "call-1"})
	event, err = bus.decode(other)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, domain.SessionID("call-1"), event.SessionID)
	assert.Equal(t, 1, metrics.events["in:snapshot.applied"])

	_, err = bus.decode([]byte("{"))
	assert.Error(t, err)
}

func TestSessionHandler_AppliesStreamUpdates(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	_, err := sessions.Create(ctx, domain.SessionOptions{ID: "call-1"})
	require.NoError(t, err)

	handler := SessionHandler(sessions, zaptest.NewLogger(t).Sugar())
	err = handler(ctx, &Event{
		Type:      EventStreamsUpdated,
		SessionID: "call-1",
		Update: &domain.StreamUpdate{
			Streams:          []domain.Stream{{ID: "a", HasVideo: true}, {ID: "b", HasVideo: true}},
			ParticipantCount: 3,
			CallState:        domain.CallStateConnected,
		},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, err := sessions.Snapshot(ctx, "call-1")
		return err == nil && len(snap.Streams) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSessionHandler_IgnoresForeignSessions(t *testing.T) {
	handler := SessionHandler(newSessions(t), zaptest.NewLogger(t).Sugar())

	err := handler(context.Background(), &Event{
		Type:      EventStreamsUpdated,
		SessionID: "elsewhere",
		Update:    &domain.StreamUpdate{CallState: domain.CallStateConnected},
	})
	assert.NoError(t, err)

	assert.Error(t, handler(context.Background(), &Event{Type: EventStreamsUpdated, SessionID: "elsewhere"}))
	assert.Error(t, handler(context.Background(), &Event{Type: "mesh.rebalance"}))
	assert.NoError(t, handler(context.Background(), &Event{Type: EventSnapshotApplied, Snapshot: &domain.Snapshot{Version: 3}}))
}
