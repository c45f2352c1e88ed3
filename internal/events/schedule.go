package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/robfig/cron/v3"
)

type ScheduledDefinitions interface {
	FindActiveScheduled(ctx context.Context) ([]domain.WorkflowDefinition, error)
}

// EventDispatcher synchronously resolves and enqueues an event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event domain.TriggerEvent) ([]int64, error)
}

type cronEntry struct {
	schedule string
	id       cron.EntryID
}

// CronSource fires schedule.fired events for active schedule-triggered
// definitions. Every executor may run one: the event id is derived from the
// definition and the minute, so concurrent firings start a single execution.
type CronSource struct {
	definitions ScheduledDefinitions
	dispatcher  EventDispatcher
	clock       core.Clock
	cron        *cron.Cron

	mu      sync.Mutex
	entries map[int64]cronEntry
}

func NewCronSource(definitions ScheduledDefinitions, dispatcher EventDispatcher, clock core.Clock) *CronSource {
	return &CronSource{
		definitions: definitions,
		dispatcher:  dispatcher,
		clock:       clock,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		entries:     map[int64]cronEntry{},
	}
}

// Run keeps the cron entries in line with the stored definitions, reloading
// them at the given interval, until ctx is cancelled.
func (s *CronSource) Run(ctx context.Context, refresh time.Duration) {
	if err := s.Sync(ctx); err != nil {
		slog.ErrorContext(ctx, "Failed to load scheduled workflows", "error", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Schedule source stopping due to context cancel")
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				slog.ErrorContext(ctx, "Failed to reload scheduled workflows", "error", err)
			}
		}
	}
}

// Sync adds entries for new or rescheduled definitions and removes the
// entries of definitions that are gone or inactive.
func (s *CronSource) Sync(ctx context.Context) error {
	defs, err := s.definitions.FindActiveScheduled(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(defs))
	for i := range defs {
		def := defs[i]
		seen[def.ID] = true
		if existing, ok := s.entries[def.ID]; ok {
			if existing.schedule == def.Schedule {
				continue
			}
			s.cron.Remove(existing.id)
			delete(s.entries, def.ID)
		}
		id, err := s.cron.AddFunc(def.Schedule, func() { s.fire(context.WithoutCancel(ctx), def) })
		if err != nil {
			slog.ErrorContext(ctx, "Invalid schedule, workflow not scheduled", "workflow_id", def.ID, "tenant_id", def.TenantID, "schedule", def.Schedule, "error", err)
			continue
		}
		s.entries[def.ID] = cronEntry{schedule: def.Schedule, id: id}
		slog.InfoContext(ctx, "Workflow scheduled", "workflow_id", def.ID, "tenant_id", def.TenantID, "schedule", def.Schedule)
	}
	for defID, entry := range s.entries {
		if !seen[defID] {
			s.cron.Remove(entry.id)
			delete(s.entries, defID)
			slog.InfoContext(ctx, "Workflow unscheduled", "workflow_id", defID)
		}
	}
	return nil
}

// Scheduled maps every definition with a cron entry to its schedule.
func (s *CronSource) Scheduled() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.schedule
	}
	return out
}

func (s *CronSource) fire(ctx context.Context, def domain.WorkflowDefinition) {
	event := ScheduledEvent(&def, s.clock.Now())
	ids, err := s.dispatcher.Dispatch(ctx, event)
	if err != nil {
		slog.ErrorContext(ctx, "Scheduled workflow could not be started", "workflow_id", def.ID, "tenant_id", def.TenantID, "error", err)
		return
	}
	slog.InfoContext(ctx, "Scheduled workflow fired", "workflow_id", def.ID, "tenant_id", def.TenantID, "event_id", event.ID, "executions", len(ids))
}

// ScheduledEvent is the event a schedule firing at the given time produces.
func ScheduledEvent(def *domain.WorkflowDefinition, at time.Time) domain.TriggerEvent {
	minute := at.UTC().Truncate(time.Minute)
	return domain.TriggerEvent{
		ID:         fmt.Sprintf("sched_%d_%d", def.ID, minute.Unix()/60),
		TenantID:   def.TenantID,
		EventType:  domain.ScheduleFiredEventType,
		EntityType: "workflow",
		EntityID:   strconv.FormatInt(def.ID, 10),
		Payload: map[string]any{
			"scheduledAt":  minute.Format(time.RFC3339),
			"workflowName": def.Name,
			"schedule":     def.Schedule,
		},
		OccurredAt: minute,
	}
}
