// Package trigger resolves inbound events to the workflow definitions they start.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/formaplus/automatisations/internal/condition"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// DefinitionSource loads the active definitions of a tenant.
type DefinitionSource interface {
	FindActive(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error)
}

// Registry caches active definitions per tenant. Every definition write
// must call Invalidate for the tenant.
type Registry struct {
	source DefinitionSource
	cache  *ristretto.Cache
	ttl    time.Duration

	mu          sync.Mutex
	generations map[string]uint64
}

func NewRegistry(source DefinitionSource, size int64, ttl time.Duration) (*Registry, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * size,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create trigger cache: %w", err)
	}
	return &Registry{source: source, cache: cache, ttl: ttl, generations: map[string]uint64{}}, nil
}

// Resolve returns the active definitions of the event's tenant whose
// trigger matches the event. No match is an empty result, not an error.
func (r *Registry) Resolve(ctx context.Context, event domain.TriggerEvent) ([]domain.WorkflowDefinition, error) {
	defs, err := r.active(ctx, event.TenantID)
	if err != nil {
		return nil, err
	}
	var matched []domain.WorkflowDefinition
	for i := range defs {
		if Matches(ctx, &defs[i], event) {
			matched = append(matched, defs[i])
		}
	}
	return matched, nil
}

func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	r.generations[tenantID]++
	r.mu.Unlock()
	r.cache.Del(tenantID)
}

func (r *Registry) Close() {
	r.cache.Close()
}

func (r *Registry) active(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error) {
	if v, ok := r.cache.Get(tenantID); ok {
		return v.([]domain.WorkflowDefinition), nil
	}
	generation := r.generation(tenantID)
	defs, err := r.source.FindActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load active definitions of tenant %s: %w", tenantID, err)
	}
	// a write that happened during the load must not be hidden by a stale entry
	if r.generation(tenantID) == generation {
		if r.ttl > 0 {
			r.cache.SetWithTTL(tenantID, defs, 1, r.ttl)
		} else {
			r.cache.Set(tenantID, defs, 1)
		}
		r.cache.Wait()
	}
	slog.DebugContext(ctx, "Loaded active definitions", "tenant_id", tenantID, "count", len(defs))
	return defs, nil
}

func (r *Registry) generation(tenantID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[tenantID]
}

// Matches reports whether def is started by event. Manual definitions are
// only started by an operator and never match.
func Matches(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) bool {
	if !def.IsActive || def.TenantID != event.TenantID {
		return false
	}
	switch def.TriggerType {
	case domain.TriggerTypeSchedule:
		return event.EventType == domain.ScheduleFiredEventType && event.EntityID == strconv.FormatInt(def.ID, 10)
	case domain.TriggerTypeEntityEvent:
		if def.TriggerEventType != event.EventType {
			return false
		}
		if def.TriggerFilter.EntityType != "" && def.TriggerFilter.EntityType != event.EntityType {
			return false
		}
		return matchesFilter(ctx, def, event)
	}
	return false
}

func matchesFilter(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) bool {
	if len(def.TriggerFilter.Equals) == 0 {
		return true
	}
	data := condition.NewContext(event, nil)
	for field, want := range def.TriggerFilter.Equals {
		ok, err := condition.Evaluate(domain.Condition{Op: domain.OpEquals, Field: field, Value: want}, data)
		if err != nil {
			slog.WarnContext(ctx, "Trigger filter cannot be evaluated, definition skipped",
				"workflow_id", def.ID, "tenant_id", def.TenantID, "field", field, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}
