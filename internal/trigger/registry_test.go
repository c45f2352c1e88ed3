package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSource struct {
	mu          sync.Mutex
	calls       int
	definitions map[string][]domain.WorkflowDefinition
	err         error
}

func (m *MockSource) FindActive(_ context.Context, tenantID string) ([]domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.definitions[tenantID], nil
}

func (m *MockSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func entityDefinition(id int64, eventType string) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID:               id,
		TenantID:         "t1",
		TriggerType:      domain.TriggerTypeEntityEvent,
		TriggerEventType: eventType,
		IsActive:         true,
	}
}

func created(payload map[string]any) domain.TriggerEvent {
	return domain.TriggerEvent{
		ID:         "evt_1",
		TenantID:   "t1",
		EventType:  "apprenant.created",
		EntityType: "apprenant",
		EntityID:   "42",
		Payload:    payload,
	}
}

func newTestRegistry(t *testing.T, source DefinitionSource) *Registry {
	t.Helper()
	r, err := NewRegistry(source, 100, time.Minute)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func ids(defs []domain.WorkflowDefinition) []int64 {
	var out []int64
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func TestResolveMatchesEventType(t *testing.T) {
	filtered := entityDefinition(3, "apprenant.created")
	filtered.TriggerFilter = domain.TriggerFilter{EntityType: "apprenant", Equals: map[string]any{"financement": "CPF"}}
	otherEntity := entityDefinition(4, "apprenant.created")
	otherEntity.TriggerFilter.EntityType = "session"
	manual := entityDefinition(5, "")
	manual.TriggerType = domain.TriggerTypeManual

	source := &MockSource{definitions: map[string][]domain.WorkflowDefinition{"t1": {
		entityDefinition(1, "apprenant.created"),
		entityDefinition(2, "apprenant.updated"),
		filtered,
		otherEntity,
		manual,
	}}}
	r := newTestRegistry(t, source)

	defs, err := r.Resolve(context.Background(), created(map[string]any{"financement": "CPF"}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids(defs))

	defs, err = r.Resolve(context.Background(), created(map[string]any{"financement": "OPCO"}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(defs))
}

func TestResolveWithoutMatchIsEmpty(t *testing.T) {
	r := newTestRegistry(t, &MockSource{})

	defs, err := r.Resolve(context.Background(), created(nil))

	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestResolveScheduleEvent(t *testing.T) {
	scheduled := domain.WorkflowDefinition{ID: 9, TenantID: "t1", TriggerType: domain.TriggerTypeSchedule, Schedule: "0 8 * * 1", IsActive: true}
	r := newTestRegistry(t, &MockSource{definitions: map[string][]domain.WorkflowDefinition{"t1": {scheduled, entityDefinition(1, "apprenant.created")}}})

	defs, err := r.Resolve(context.Background(), domain.TriggerEvent{TenantID: "t1", EventType: domain.ScheduleFiredEventType, EntityType: "workflow", EntityID: "9"})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids(defs))

	defs, err = r.Resolve(context.Background(), domain.TriggerEvent{TenantID: "t1", EventType: domain.ScheduleFiredEventType, EntityType: "workflow", EntityID: "10"})
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestResolveIgnoresOtherTenants(t *testing.T) {
	foreign := entityDefinition(1, "apprenant.created")
	foreign.TenantID = "t2"
	r := newTestRegistry(t, &MockSource{definitions: map[string][]domain.WorkflowDefinition{"t1": {foreign}}})

	defs, err := r.Resolve(context.Background(), created(nil))

	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestResolveIsCachedUntilInvalidated(t *testing.T) {
	source := &MockSource{definitions: map[string][]domain.WorkflowDefinition{"t1": {entityDefinition(1, "apprenant.created")}}}
	r := newTestRegistry(t, source)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		defs, err := r.Resolve(ctx, created(nil))
		require.NoError(t, err)
		assert.Len(t, defs, 1)
	}
	assert.Equal(t, 1, source.callCount())

	source.mu.Lock()
	source.definitions["t1"] = append(source.definitions["t1"], entityDefinition(2, "apprenant.created"))
	source.mu.Unlock()
	r.Invalidate("t1")

	defs, err := r.Resolve(ctx, created(nil))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(defs))
	assert.Equal(t, 2, source.callCount())
}

func TestResolveSourceError(t *testing.T) {
	r := newTestRegistry(t, &MockSource{err: errors.New("db down")})

	_, err := r.Resolve(context.Background(), created(nil))

	assert.ErrorContains(t, err, "db down")
}

func TestFilterOnMissingFieldDoesNotMatch(t *testing.T) {
	def := entityDefinition(1, "apprenant.created")
	def.TriggerFilter.Equals = map[string]any{"adresse.ville": "Lyon"}

	assert.False(t, Matches(context.Background(), &def, created(map[string]any{"prenom": "Lina"})))
	assert.True(t, Matches(context.Background(), &def, created(map[string]any{"adresse": map[string]any{"ville": "Lyon"}})))
}
