package domain

import "time"

type TriggerType string

const (
	TriggerTypeEntityEvent TriggerType = "entity-event"
	TriggerTypeSchedule    TriggerType = "schedule"
	TriggerTypeManual      TriggerType = "manual"
)

// ScheduleFiredEventType is the event type emitted by the cron source for
// schedule-triggered definitions. The event's EntityID carries the definition id.
const ScheduleFiredEventType = "schedule.fired"

// ManualEventType is the event type used when an operator triggers a definition.
const ManualEventType = "manual.triggered"

// TriggerFilter is the cheap structural pre-filter applied at resolution
// time. Full conditions run later as CONDITION or BRANCH steps.
type TriggerFilter struct {
	EntityType string         `json:"entityType,omitempty" yaml:"entityType,omitempty"`
	Equals     map[string]any `json:"equals,omitempty" yaml:"equals,omitempty"`
}

type WorkflowDefinition struct {
	ID               int64          `json:"id" yaml:"-"`
	TenantID         string         `json:"tenantId" yaml:"-"`
	Name             string         `json:"name" yaml:"name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	Category         string         `json:"category,omitempty" yaml:"category,omitempty"`
	TriggerType      TriggerType    `json:"triggerType" yaml:"triggerType"`
	TriggerEventType string         `json:"triggerEventType,omitempty" yaml:"triggerEventType,omitempty"`
	TriggerFilter    TriggerFilter  `json:"triggerFilter" yaml:"triggerFilter,omitempty"`
	Schedule         string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	IsActive         bool           `json:"isActive" yaml:"isActive"`
	StartStepID      string         `json:"startStepId" yaml:"startStepId"`
	Steps            []WorkflowStep `json:"steps" yaml:"-"`
	Version          int            `json:"version" yaml:"-"`
	Created          time.Time      `json:"created" yaml:"-"`
	Updated          time.Time      `json:"updated" yaml:"-"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (*WorkflowStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex maps step ids to steps.
func (d *WorkflowDefinition) StepIndex() map[string]*WorkflowStep {
	index := make(map[string]*WorkflowStep, len(d.Steps))
	for i := range d.Steps {
		index[d.Steps[i].ID] = &d.Steps[i]
	}
	return index
}
