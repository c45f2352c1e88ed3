package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockScheduledDefinitions struct {
	mu   sync.Mutex
	defs []domain.WorkflowDefinition
}

func (m *MockScheduledDefinitions) FindActiveScheduled(context.Context) ([]domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WorkflowDefinition(nil), m.defs...), nil
}

type MockDispatcher struct {
	mu     sync.Mutex
	events []domain.TriggerEvent
}

func (m *MockDispatcher) Dispatch(_ context.Context, event domain.TriggerEvent) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return []int64{1}, nil
}

func scheduled(id int64, schedule string) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{ID: id, TenantID: "t1", Name: "Relance hebdo", TriggerType: domain.TriggerTypeSchedule, Schedule: schedule, IsActive: true}
}

func TestScheduledEventIDIsStableWithinAMinute(t *testing.T) {
	def := scheduled(7, "0 8 * * 1")

	first := ScheduledEvent(&def, now.Add(2*time.Second))
	second := ScheduledEvent(&def, now.Add(40*time.Second))
	next := ScheduledEvent(&def, now.Add(time.Minute))

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, domain.ScheduleFiredEventType, first.EventType)
	assert.Equal(t, "7", first.EntityID)
	assert.Equal(t, "t1", first.TenantID)
	assert.Equal(t, now, first.OccurredAt)
}

func TestSyncTracksDefinitions(t *testing.T) {
	source := &MockScheduledDefinitions{defs: []domain.WorkflowDefinition{
		scheduled(1, "0 8 * * 1"),
		scheduled(2, "*/15 * * * *"),
		scheduled(3, "not a cron"),
	}}
	s := NewCronSource(source, &MockDispatcher{}, core.NewFakeClock(now))

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, map[int64]string{1: "0 8 * * 1", 2: "*/15 * * * *"}, s.Scheduled())

	source.mu.Lock()
	source.defs = []domain.WorkflowDefinition{scheduled(2, "0 9 * * *")}
	source.mu.Unlock()

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, map[int64]string{2: "0 9 * * *"}, s.Scheduled())
	assert.Len(t, s.cron.Entries(), 1)
}

func TestFireDispatchesScheduledEvent(t *testing.T) {
	dispatcher := &MockDispatcher{}
	clock := core.NewFakeClock(now)
	s := NewCronSource(&MockScheduledDefinitions{}, dispatcher, clock)

	s.fire(context.Background(), scheduled(4, "0 8 * * 1"))

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, ScheduledEvent(&domain.WorkflowDefinition{ID: 4}, now).ID, dispatcher.events[0].ID)
	assert.Equal(t, "Relance hebdo", dispatcher.events[0].Payload["workflowName"])
}
