package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type StepType string

const (
	StepTypeAction    StepType = "ACTION"
	StepTypeCondition StepType = "CONDITION"
	StepTypeWait      StepType = "WAIT"
	StepTypeBranch    StepType = "BRANCH"
)

type ActionType string

const (
	ActionSendEmail    ActionType = "SEND_EMAIL"
	ActionSendSMS      ActionType = "SEND_SMS"
	ActionCreateTask   ActionType = "CREATE_TASK"
	ActionUpdateEntity ActionType = "UPDATE_ENTITY"
	ActionWebhook      ActionType = "WEBHOOK"
	ActionWaitDuration ActionType = "WAIT_DURATION"
	ActionBranch       ActionType = "BRANCH"
)

// RetryPolicy overrides the engine retry defaults for one step.
type RetryPolicy struct {
	MaxAttempts int      `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	BaseDelay   Duration `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	Multiplier  float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxDelay    Duration `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
}

// WorkflowStep is the stored form of a graph node. Config stays raw until
// DecodeStep turns it into one of the closed set of step kinds.
type WorkflowStep struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name,omitempty" yaml:"name,omitempty"`
	Type       StepType        `json:"type" yaml:"type"`
	ActionType ActionType      `json:"actionType,omitempty" yaml:"actionType,omitempty"`
	Config     json.RawMessage `json:"config,omitempty" yaml:"-"`
	Next       string          `json:"next,omitempty" yaml:"next,omitempty"`
	TrueNext   string          `json:"trueNext,omitempty" yaml:"trueNext,omitempty"`
	FalseNext  string          `json:"falseNext,omitempty" yaml:"falseNext,omitempty"`
	Retry      *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Successors lists the step ids this step may continue with.
func (s *WorkflowStep) Successors() []string {
	var out []string
	for _, id := range []string{s.Next, s.TrueNext, s.FalseNext} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

type EmailConfig struct {
	To       string `json:"to"`
	Cc       string `json:"cc,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Template string `json:"template,omitempty"`
}

type SMSConfig struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type TaskConfig struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	DueIn       Duration `json:"dueIn,omitempty"`
	EntityType  string   `json:"entityType,omitempty"`
	EntityID    string   `json:"entityId,omitempty"`
}

type UpdateEntityConfig struct {
	EntityType string         `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Patch      map[string]any `json:"patch"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout Duration          `json:"timeout,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

type WaitConfig struct {
	Duration Duration `json:"duration"`
}

type ConditionConfig struct {
	Condition *Condition `json:"condition"`
}

// StepKind is a decoded step. The set of kinds is closed: only this
// package can implement it, and every kind is a method of StepVisitor.
type StepKind interface {
	StepID() string
	Accept(v StepVisitor) StepResult
	isStepKind()
}

// StepVisitor handles every step kind. Adding a kind adds a method here,
// so each handler must cover it before the code compiles.
type StepVisitor interface {
	Condition(s ConditionStep) StepResult
	Branch(s BranchStep) StepResult
	Wait(s WaitStep) StepResult
	SendEmail(s SendEmailStep) StepResult
	SendSMS(s SendSMSStep) StepResult
	CreateTask(s CreateTaskStep) StepResult
	UpdateEntity(s UpdateEntityStep) StepResult
	Webhook(s WebhookStep) StepResult
}

type stepBase struct {
	ID   string
	Next string
}

func (b stepBase) StepID() string { return b.ID }
func (stepBase) isStepKind()      {}

// ConditionStep continues with Next when its condition holds and ends the
// execution otherwise.
type ConditionStep struct {
	stepBase
	Condition Condition
}

type BranchStep struct {
	stepBase
	Condition Condition
	TrueNext  string
	FalseNext string
}

type WaitStep struct {
	stepBase
	Duration time.Duration
}

type SendEmailStep struct {
	stepBase
	Config EmailConfig
}

type SendSMSStep struct {
	stepBase
	Config SMSConfig
}

type CreateTaskStep struct {
	stepBase
	Config TaskConfig
}

type UpdateEntityStep struct {
	stepBase
	Config UpdateEntityConfig
}

type WebhookStep struct {
	stepBase
	Config WebhookConfig
}

func (s ConditionStep) Accept(v StepVisitor) StepResult    { return v.Condition(s) }
func (s BranchStep) Accept(v StepVisitor) StepResult       { return v.Branch(s) }
func (s WaitStep) Accept(v StepVisitor) StepResult         { return v.Wait(s) }
func (s SendEmailStep) Accept(v StepVisitor) StepResult    { return v.SendEmail(s) }
func (s SendSMSStep) Accept(v StepVisitor) StepResult      { return v.SendSMS(s) }
func (s CreateTaskStep) Accept(v StepVisitor) StepResult   { return v.CreateTask(s) }
func (s UpdateEntityStep) Accept(v StepVisitor) StepResult { return v.UpdateEntity(s) }
func (s WebhookStep) Accept(v StepVisitor) StepResult      { return v.Webhook(s) }

// DecodeStep validates the type/actionType pair and the step config and
// returns the matching StepKind. Any mismatch is a CONFIGURATION error.
func DecodeStep(step WorkflowStep) (StepKind, error) {
	base := stepBase{ID: step.ID, Next: step.Next}
	switch step.Type {
	case StepTypeCondition:
		if step.ActionType != "" {
			return nil, NewConfigurationError("step %s: CONDITION step cannot have action type %s", step.ID, step.ActionType)
		}
		cond, err := decodeCondition(step)
		if err != nil {
			return nil, err
		}
		return ConditionStep{stepBase: base, Condition: *cond}, nil

	case StepTypeBranch:
		if step.ActionType != "" && step.ActionType != ActionBranch {
			return nil, NewConfigurationError("step %s: BRANCH step cannot have action type %s", step.ID, step.ActionType)
		}
		if step.TrueNext == "" || step.FalseNext == "" {
			return nil, NewConfigurationError("step %s: BRANCH step needs both trueNext and falseNext", step.ID)
		}
		if step.Next != "" {
			return nil, NewConfigurationError("step %s: BRANCH step uses trueNext/falseNext, not next", step.ID)
		}
		cond, err := decodeCondition(step)
		if err != nil {
			return nil, err
		}
		return BranchStep{stepBase: base, Condition: *cond, TrueNext: step.TrueNext, FalseNext: step.FalseNext}, nil

	case StepTypeWait:
		if step.ActionType != "" && step.ActionType != ActionWaitDuration {
			return nil, NewConfigurationError("step %s: WAIT step cannot have action type %s", step.ID, step.ActionType)
		}
		var cfg WaitConfig
		if err := decodeConfig(step, &cfg); err != nil {
			return nil, err
		}
		if cfg.Duration <= 0 {
			return nil, NewConfigurationError("step %s: wait duration must be positive", step.ID)
		}
		return WaitStep{stepBase: base, Duration: cfg.Duration.Std()}, nil

	case StepTypeAction:
		if step.TrueNext != "" || step.FalseNext != "" {
			return nil, NewConfigurationError("step %s: only BRANCH steps have two successors", step.ID)
		}
		return decodeAction(step, base)
	}
	return nil, NewConfigurationError("step %s: unknown step type %q", step.ID, step.Type)
}

func decodeAction(step WorkflowStep, base stepBase) (StepKind, error) {
	switch step.ActionType {
	case ActionSendEmail:
		var cfg EmailConfig
		if err := decodeConfig(step, &cfg); err != nil {
			return nil, err
		}
		if cfg.To == "" || (cfg.Body == "" && cfg.Template == "") {
			return nil, NewConfigurationError("step %s: SEND_EMAIL needs to and body or template", step.ID)
		}
		return SendEmailStep{stepBase: base, Config: cfg}, nil
	case ActionSendSMS:
		var cfg SMSConfig
		if err := decodeConfig(step, &cfg); err != nil {
			return nil, err
		}
		if cfg.To == "" || cfg.Body == "" {
			return nil, NewConfigurationError("step %s: SEND_SMS needs to and body", step.ID)
		}
		return SendSMSStep{stepBase: base, Config: cfg}, nil
	case ActionCreateTask:
		var cfg TaskConfig
		if err := decodeConfig(step, &cfg); err != nil {
			return nil, err
		}
		if cfg.Title == "" {
			return nil, NewConfigurationError("step %s: CREATE_TASK needs a title", step.ID)
		}
		return CreateTaskStep{stepBase: base, Config: cfg}, nil
	case ActionUpdateEntity:
		var cfg UpdateEntityConfig
		if err := decodeConfig(step, &cfg); err != nil {
			return nil, err
		}
		if len(cfg.Patch) == 0 {
			return nil, NewConfigurationError("step %s: UPDATE_ENTITY needs a non-empty patch", step.ID)
		}
		return UpdateEntityStep{stepBase: base, Config: cfg}, nil
	case ActionWebhook:
		var cfg WebhookConfig
		if err := decodeConfig(step, &cfg); err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, NewConfigurationError("step %s: WEBHOOK needs a url", step.ID)
		}
		if cfg.Timeout < 0 {
			return nil, NewConfigurationError("step %s: webhook timeout must not be negative", step.ID)
		}
		return WebhookStep{stepBase: base, Config: cfg}, nil
	case ActionWaitDuration:
		return nil, NewConfigurationError("step %s: WAIT_DURATION belongs to a WAIT step", step.ID)
	case ActionBranch:
		return nil, NewConfigurationError("step %s: BRANCH belongs to a BRANCH step", step.ID)
	}
	return nil, NewConfigurationError("step %s: unknown action type %q", step.ID, step.ActionType)
}

func decodeCondition(step WorkflowStep) (*Condition, error) {
	var cfg ConditionConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	if cfg.Condition == nil {
		return nil, NewConfigurationError("step %s: %s step needs a condition", step.ID, step.Type)
	}
	return cfg.Condition, nil
}

func decodeConfig(step WorkflowStep, into any) error {
	if len(step.Config) == 0 {
		return NewConfigurationError("step %s: missing config", step.ID)
	}
	dec := json.NewDecoder(bytes.NewReader(step.Config))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(into); err != nil {
		return NewConfigurationError("step %s: invalid config: %v", step.ID, err)
	}
	return nil
}

// String is used in log lines.
func (s WorkflowStep) String() string {
	if s.ActionType != "" {
		return fmt.Sprintf("%s[%s/%s]", s.ID, s.Type, s.ActionType)
	}
	return fmt.Sprintf("%s[%s]", s.ID, s.Type)
}
