// Package events turns inbound domain events into trigger events and hands
// them to the engine.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/formaplus/automatisations/internal/condition"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
	"go.jetify.com/typeid"
)

// ErrBackpressure is returned by Publish when the handoff queue is full.
// Callers should retry later.
var ErrBackpressure = errors.New("event queue is full")

// ErrStopping is returned by Publish once Run has started draining the
// queue. It matches ErrBackpressure so publishers retry against another
// instance or after restart.
var ErrStopping = fmt.Errorf("event dispatcher is stopping: %w", ErrBackpressure)

// DefaultDrainTimeout bounds how long Run keeps dispatching queued events
// after its context is cancelled.
const DefaultDrainTimeout = 10 * time.Second

// Inbound is an event as published by the data layer. ID is optional: a
// publisher that may deliver the same event twice should set it so the
// second delivery does not start the workflows again.
type Inbound struct {
	ID         string         `json:"id,omitempty"`
	TenantID   string         `json:"tenantId"`
	EventType  string         `json:"eventType"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Payload    map[string]any `json:"payload"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
}

// Resolver finds the definitions an event starts.
type Resolver interface {
	Resolve(ctx context.Context, event domain.TriggerEvent) ([]domain.WorkflowDefinition, error)
}

// Enqueuer creates an execution of a definition for an event.
type Enqueuer interface {
	Enqueue(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) (int64, error)
}

type Adapter struct {
	resolver     Resolver
	enqueuer     Enqueuer
	clock        core.Clock
	queue        chan domain.TriggerEvent
	drainTimeout time.Duration

	mu       sync.RWMutex
	stopping bool
}

func NewAdapter(resolver Resolver, enqueuer Enqueuer, clock core.Clock, queueSize int) *Adapter {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Adapter{
		resolver:     resolver,
		enqueuer:     enqueuer,
		clock:        clock,
		queue:        make(chan domain.TriggerEvent, queueSize),
		drainTimeout: DefaultDrainTimeout,
	}
}

// SetDrainTimeout changes how long Run dispatches queued events after
// cancellation.
func (a *Adapter) SetDrainTimeout(d time.Duration) {
	if d > 0 {
		a.drainTimeout = d
	}
}

// Publish validates the event and queues it for resolution. It returns the
// event id without waiting for any workflow to start.
func (a *Adapter) Publish(ctx context.Context, in Inbound) (string, error) {
	event, err := Normalize(in, a.clock.Now())
	if err != nil {
		return "", err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopping {
		return "", ErrStopping
	}
	select {
	case a.queue <- event:
	default:
		slog.WarnContext(ctx, "Event queue full, rejecting event", "tenant_id", event.TenantID, "event_type", event.EventType, "event_id", event.ID)
		return "", ErrBackpressure
	}
	slog.DebugContext(ctx, "Event accepted", "tenant_id", event.TenantID, "event_type", event.EventType, "event_id", event.ID)
	return event.ID, nil
}

// Run resolves queued events until ctx is cancelled. Events still queued at
// that point are dispatched before Run returns, for at most the drain timeout.
func (a *Adapter) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Event dispatcher started", "queue_size", cap(a.queue))
	defer a.drain(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case event := <-a.queue:
			a.dispatchQueued(ctx, event)
		}
	}
}

func (a *Adapter) drain(ctx context.Context) {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	pending := len(a.queue)
	slog.InfoContext(ctx, "Event dispatcher stopping due to context cancel", "pending", pending)
	if pending == 0 {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.drainTimeout)
	defer cancel()
	for {
		if drainCtx.Err() != nil {
			slog.WarnContext(ctx, "Drain timeout reached, queued events are lost", "lost", len(a.queue))
			return
		}
		select {
		case event := <-a.queue:
			a.dispatchQueued(drainCtx, event)
		default:
			slog.InfoContext(ctx, "Event queue drained", "dispatched", pending)
			return
		}
	}
}

func (a *Adapter) dispatchQueued(ctx context.Context, event domain.TriggerEvent) {
	if _, err := a.Dispatch(ctx, event); err != nil {
		slog.ErrorContext(ctx, "Failed to dispatch event", "tenant_id", event.TenantID, "event_id", event.ID, "error", err)
	}
}

// Accept validates the event and enqueues its executions before returning,
// so a caller that acknowledges the event afterwards never loses it.
func (a *Adapter) Accept(ctx context.Context, in Inbound) ([]int64, error) {
	event, err := Normalize(in, a.clock.Now())
	if err != nil {
		return nil, err
	}
	return a.Dispatch(ctx, event)
}

// Dispatch resolves the event and enqueues one execution per matching
// definition. A definition that cannot be enqueued does not stop the others.
func (a *Adapter) Dispatch(ctx context.Context, event domain.TriggerEvent) ([]int64, error) {
	defs, err := a.resolver.Resolve(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("resolve event %s: %w", event.ID, err)
	}
	if len(defs) == 0 {
		slog.DebugContext(ctx, "No workflow triggered by event", "tenant_id", event.TenantID, "event_type", event.EventType, "event_id", event.ID)
		return nil, nil
	}
	var ids []int64
	var errs []error
	for i := range defs {
		id, err := a.enqueuer.Enqueue(ctx, &defs[i], event)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %d: %w", defs[i].ID, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// FromRequest builds an Inbound event from the public publish contract. The
// payload must be a JSON object or absent.
func FromRequest(tenantID string, req models.PublishEventRequest) (Inbound, error) {
	in := Inbound{
		ID:         req.EventID,
		TenantID:   tenantID,
		EventType:  req.EventType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		OccurredAt: req.OccurredAt,
	}
	raw := bytes.TrimSpace(req.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return in, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in.Payload); err != nil {
		return in, domain.NewConfigurationError("event payload must be a JSON object: %v", err)
	}
	return in, nil
}

// Normalize validates an inbound event and returns its canonical form.
func Normalize(in Inbound, now time.Time) (domain.TriggerEvent, error) {
	var missing []string
	for _, f := range [][2]string{
		{"tenantId", in.TenantID},
		{"eventType", in.EventType},
		{"entityType", in.EntityType},
		{"entityId", in.EntityID},
	} {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return domain.TriggerEvent{}, domain.NewConfigurationError("event is missing %s", strings.Join(missing, ", "))
	}
	for _, key := range condition.ReservedKeys {
		if _, ok := in.Payload[key]; ok {
			return domain.TriggerEvent{}, domain.NewConfigurationError("payload key %q is reserved", key)
		}
	}
	payload, err := canonicalPayload(in.Payload)
	if err != nil {
		return domain.TriggerEvent{}, domain.NewConfigurationError("event payload is not valid JSON: %v", err)
	}
	id := in.ID
	if id == "" {
		tid, err := typeid.WithPrefix("evt")
		if err != nil {
			return domain.TriggerEvent{}, fmt.Errorf("generate event id: %w", err)
		}
		id = tid.String()
	}
	occurred := now.UTC()
	if in.OccurredAt != nil && !in.OccurredAt.IsZero() {
		occurred = in.OccurredAt.UTC()
	}
	return domain.TriggerEvent{
		ID:         id,
		TenantID:   in.TenantID,
		EventType:  in.EventType,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Payload:    payload,
		OccurredAt: occurred,
	}, nil
}

// canonicalPayload round trips the payload through JSON so every value has
// the shape it will have once stored. Numbers stay json.Number.
func canonicalPayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
