package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/formaplus/automatisations/internal/actions"
	"github.com/formaplus/automatisations/internal/condition"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// Dispatcher executes decoded steps against the outbound capabilities.
type Dispatcher struct {
	messenger actions.Messenger
	entities  actions.EntityStore
	webhooks  actions.WebhookCaller
	clock     core.Clock
	maxWait   time.Duration
}

func NewDispatcher(messenger actions.Messenger, entities actions.EntityStore, webhooks actions.WebhookCaller, clock core.Clock, maxWait time.Duration) *Dispatcher {
	return &Dispatcher{messenger: messenger, entities: entities, webhooks: webhooks, clock: clock, maxWait: maxWait}
}

func (d *Dispatcher) Execute(ctx context.Context, exec *domain.WorkflowExecution, step domain.WorkflowStep) domain.StepResult {
	kind, err := domain.DecodeStep(step)
	if err != nil {
		return domain.Failed(err)
	}
	run := &stepRun{
		ctx:  ctx,
		d:    d,
		exec: exec,
		data: condition.NewContext(exec.Event, exec.Context),
	}
	return kind.Accept(run)
}

// stepRun is the StepVisitor for one step of one execution.
type stepRun struct {
	ctx  context.Context
	d    *Dispatcher
	exec *domain.WorkflowExecution
	data map[string]any
}

func (r *stepRun) Condition(s domain.ConditionStep) domain.StepResult {
	ok, err := condition.Evaluate(s.Condition, r.data)
	if err != nil {
		return domain.Failed(err)
	}
	if !ok {
		return domain.Succeeded("", map[string]any{"result": false})
	}
	return domain.Succeeded(s.Next, map[string]any{"result": true})
}

func (r *stepRun) Branch(s domain.BranchStep) domain.StepResult {
	ok, err := condition.Evaluate(s.Condition, r.data)
	if err != nil {
		return domain.Failed(err)
	}
	next := s.FalseNext
	if ok {
		next = s.TrueNext
	}
	if next == "" {
		return domain.Failed(domain.NewConfigurationError("branch %s has no successor for result %t", s.StepID(), ok))
	}
	return domain.Succeeded(next, map[string]any{"result": ok, "selected": next})
}

func (r *stepRun) Wait(s domain.WaitStep) domain.StepResult {
	wait := s.Duration
	if r.d.maxWait > 0 && wait > r.d.maxWait {
		slog.WarnContext(r.ctx, "Wait duration above maximum, clamping", "execution_id", r.exec.ID, "step_id", s.StepID(),
			"requested", wait.String(), "max", r.d.maxWait.String())
		wait = r.d.maxWait
	}
	return domain.Waiting(r.d.clock.Now().Add(wait), s.Next)
}

func (r *stepRun) SendEmail(s domain.SendEmailStep) domain.StepResult {
	body := s.Config.Body
	if body == "" {
		body = s.Config.Template
	}
	msg, err := r.message(actions.ChannelEmail, s.StepID(), s.Config.To, s.Config.Subject, body)
	if err != nil {
		return domain.Failed(err)
	}
	if msg.Cc, err = actions.Render(s.StepID()+".cc", s.Config.Cc, r.data); err != nil {
		return domain.Failed(err)
	}
	return r.send(s.Next, msg)
}

func (r *stepRun) SendSMS(s domain.SendSMSStep) domain.StepResult {
	msg, err := r.message(actions.ChannelSMS, s.StepID(), s.Config.To, "", s.Config.Body)
	if err != nil {
		return domain.Failed(err)
	}
	return r.send(s.Next, msg)
}

func (r *stepRun) message(channel actions.Channel, stepID, to, subject, body string) (actions.Message, error) {
	msg := actions.Message{TenantID: r.exec.TenantID, Channel: channel, IdempotencyKey: r.key(stepID)}
	var err error
	if msg.To, err = actions.Render(stepID+".to", to, r.data); err != nil {
		return msg, err
	}
	if msg.To == "" {
		return msg, domain.NewPermanentActionError(nil, "step %s: recipient is empty", stepID)
	}
	if msg.Subject, err = actions.Render(stepID+".subject", subject, r.data); err != nil {
		return msg, err
	}
	if msg.Body, err = actions.Render(stepID+".body", body, r.data); err != nil {
		return msg, err
	}
	return msg, nil
}

// key is the idempotency key of the current visit of stepID.
func (r *stepRun) key(stepID string) string {
	return actions.TaskKey(r.exec.ID, stepID, r.exec.StepVisits[stepID])
}

func (r *stepRun) send(next string, msg actions.Message) domain.StepResult {
	receipt, err := r.d.messenger.Send(r.ctx, msg)
	if err != nil {
		return domain.Failed(err)
	}
	return domain.Succeeded(next, map[string]any{"messageId": receipt.MessageID, "status": receipt.Status, "to": msg.To})
}

func (r *stepRun) CreateTask(s domain.CreateTaskStep) domain.StepResult {
	key := r.key(s.StepID())
	existing, err := r.d.entities.FindTask(r.ctx, r.exec.TenantID, key)
	if err != nil {
		return domain.Failed(err)
	}
	if existing != nil {
		return domain.Succeeded(s.Next, map[string]any{"taskId": existing.ID, "created": false})
	}
	task := actions.Task{
		TenantID:   r.exec.TenantID,
		Key:        key,
		EntityType: firstNonEmpty(s.Config.EntityType, r.exec.Event.EntityType),
		EntityID:   firstNonEmpty(s.Config.EntityID, r.exec.Event.EntityID),
	}
	if task.Title, err = actions.Render(s.StepID()+".title", s.Config.Title, r.data); err != nil {
		return domain.Failed(err)
	}
	if task.Description, err = actions.Render(s.StepID()+".description", s.Config.Description, r.data); err != nil {
		return domain.Failed(err)
	}
	if task.Assignee, err = actions.Render(s.StepID()+".assignee", s.Config.Assignee, r.data); err != nil {
		return domain.Failed(err)
	}
	if s.Config.DueIn > 0 {
		due := r.d.clock.Now().Add(s.Config.DueIn.Std())
		task.DueAt = &due
	}
	created, err := r.d.entities.CreateTask(r.ctx, task)
	if err != nil {
		return domain.Failed(err)
	}
	return domain.Succeeded(s.Next, map[string]any{"taskId": created.ID, "created": true})
}

func (r *stepRun) UpdateEntity(s domain.UpdateEntityStep) domain.StepResult {
	ref := actions.EntityRef{
		TenantID:   r.exec.TenantID,
		EntityType: firstNonEmpty(s.Config.EntityType, r.exec.Event.EntityType),
		EntityID:   firstNonEmpty(s.Config.EntityID, r.exec.Event.EntityID),
	}
	var err error
	if ref.EntityID, err = actions.Render(s.StepID()+".entityId", ref.EntityID, r.data); err != nil {
		return domain.Failed(err)
	}
	patch, err := actions.RenderMap(s.StepID()+".patch", s.Config.Patch, r.data)
	if err != nil {
		return domain.Failed(err)
	}
	res, err := r.d.entities.Mutate(r.ctx, ref, patch)
	if err != nil {
		return domain.Failed(err)
	}
	return domain.Succeeded(s.Next, map[string]any{"applied": res.Applied, "version": res.Version,
		"entityType": ref.EntityType, "entityId": ref.EntityID})
}

func (r *stepRun) Webhook(s domain.WebhookStep) domain.StepResult {
	url, err := actions.Render(s.StepID()+".url", s.Config.URL, r.data)
	if err != nil {
		return domain.Failed(err)
	}
	var body any
	if s.Config.Body != nil {
		if body, err = actions.RenderMap(s.StepID()+".body", s.Config.Body, r.data); err != nil {
			return domain.Failed(err)
		}
	} else {
		body = map[string]any{"executionId": r.exec.ID, "workflowId": r.exec.WorkflowID, "event": r.exec.Event}
	}
	res, err := r.d.webhooks.Call(r.ctx, actions.WebhookRequest{
		URL:     url,
		Method:  s.Config.Method,
		Headers: s.Config.Headers,
		Body:    body,
		Timeout: s.Config.Timeout.Std(),
	})
	if err != nil {
		return domain.Failed(err)
	}
	output := map[string]any{"status": res.StatusCode}
	var parsed any
	if len(res.Body) > 0 && json.Unmarshal(res.Body, &parsed) == nil {
		output["response"] = parsed
	} else if len(res.Body) > 0 {
		output["response"] = string(res.Body)
	}
	return domain.Succeeded(s.Next, output)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
