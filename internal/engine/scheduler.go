package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrExecutionClaimed  = errors.New("execution is being advanced by another executor")
	ErrExecutionFinished = errors.New("execution already finished")
)

// Scheduler owns the execution state machine:
//
//	PENDING -> RUNNING -> WAITING | COMPLETED | FAILED | CANCELLED
//	WAITING -> RUNNING | CANCELLED
//
// Every transition is persisted with a version check while the execution
// is claimed, so one execution is advanced by at most one worker.
type Scheduler struct {
	executions    ExecutionRepo
	logs          StepLogRepo
	definitions   DefinitionRepo
	steps         StepExecutor
	clock         core.Clock
	notifier      Notifier
	metrics       *Metrics
	retry         models.RetryConfig
	executorGroup string
	executorID    int64
	maxSteps      int
}

type SchedulerOption func(*Scheduler)

func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func WithRetryDefaults(rc models.RetryConfig) SchedulerOption {
	return func(s *Scheduler) { s.retry = rc.Merge(models.DefaultRetryConfig()) }
}

func WithExecutorGroup(group string) SchedulerOption {
	return func(s *Scheduler) {
		if group != "" {
			s.executorGroup = group
		}
	}
}

// WithMaxStepsPerRun bounds how many steps a worker advances before it
// releases the execution back to the queue.
func WithMaxStepsPerRun(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

func NewScheduler(executions ExecutionRepo, logs StepLogRepo, definitions DefinitionRepo, steps StepExecutor, clock core.Clock, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		executions:    executions,
		logs:          logs,
		definitions:   definitions,
		steps:         steps,
		clock:         clock,
		retry:         models.DefaultRetryConfig(),
		executorGroup: "default",
		maxSteps:      50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetExecutorID sets the id claims are taken under. The manager calls it
// once the executor is registered.
func (s *Scheduler) SetExecutorID(id int64) {
	s.executorID = id
}

// Enqueue creates a PENDING execution of def for event. An execution that
// already exists for the same workflow and event is returned instead.
func (s *Scheduler) Enqueue(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) (int64, error) {
	if def.TenantID != event.TenantID {
		return 0, domain.NewConfigurationError("event of tenant %s cannot start workflow %d of tenant %s", event.TenantID, def.ID, def.TenantID)
	}
	now := s.clock.Now()
	exec := &domain.WorkflowExecution{
		TenantID:        def.TenantID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		EventID:         event.ID,
		Status:          domain.ExecutionStatusPending,
		NextActivation:  sql.NullTime{Time: now, Valid: true},
		Context:         map[string]any{},
		StepAttempts:    map[string]int{},
		StepVisits:      map[string]int{},
		Event:           event,
		ExecutorGroup:   s.executorGroup,
		Created:         now,
	}
	id, err := s.executions.Create(ctx, exec)
	if errors.Is(err, repository.ErrDuplicateEvent) {
		slog.InfoContext(ctx, "Execution already exists for event", "workflow_id", def.ID, "event_id", event.ID, "execution_id", id)
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue workflow %d: %w", def.ID, err)
	}
	slog.InfoContext(ctx, "Execution enqueued", "execution_id", id, "workflow_id", def.ID, "tenant_id", def.TenantID, "event_id", event.ID)
	s.metrics.Count("executions.enqueued", 1, "tenant:"+def.TenantID)
	if s.notifier != nil {
		s.notifier.Notify(ctx)
	}
	return id, nil
}

// Advance claims the execution, drives one step transition and releases
// the claim. Terminal executions, and executions whose activation or
// resume time is still ahead, are left untouched.
func (s *Scheduler) Advance(ctx context.Context, executionID int64) error {
	exec, err := s.executions.FindByID(ctx, executionID)
	if err != nil {
		return err
	}
	if !s.due(exec) {
		return nil
	}
	ok, err := s.executions.Claim(ctx, exec, s.executorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrExecutionClaimed
	}
	return s.drive(ctx, exec, 1)
}

// RunClaimed drives an execution the caller has already claimed, for up to
// the configured number of steps.
func (s *Scheduler) RunClaimed(ctx context.Context, exec *domain.WorkflowExecution) error {
	return s.drive(ctx, exec, s.maxSteps)
}

// Cancel moves a non-terminal execution to CANCELLED. A worker currently
// running one of its steps finishes that step and stops.
func (s *Scheduler) Cancel(ctx context.Context, tenantID string, executionID int64, reason string) (*domain.WorkflowExecution, error) {
	for i := 0; i < 3; i++ {
		exec, err := s.executions.FindByIDForTenant(ctx, tenantID, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, ErrExecutionFinished
		}
		now := s.clock.Now()
		exec.Status = domain.ExecutionStatusCancelled
		exec.CompletedAt = sql.NullTime{Time: now, Valid: true}
		exec.NextActivation = sql.NullTime{}
		exec.ResumeAt = sql.NullTime{}
		exec.ExecutorID = sql.NullInt64{}
		exec.ClaimedAt = sql.NullTime{}
		if reason == "" {
			reason = "cancelled by operator"
		}
		exec.Error = sql.NullString{String: reason, Valid: true}
		err = s.executions.Update(ctx, exec)
		if errors.Is(err, repository.ErrStaleExecution) {
			continue
		}
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "Execution cancelled", "execution_id", exec.ID, "tenant_id", tenantID, "reason", reason)
		s.metrics.Count("executions.finished", 1, "status:"+string(exec.Status))
		return exec, nil
	}
	return nil, repository.ErrStaleExecution
}

func (s *Scheduler) due(exec *domain.WorkflowExecution) bool {
	if exec.Status.IsTerminal() {
		return false
	}
	now := s.clock.Now()
	if exec.NextActivation.Valid && exec.NextActivation.Time.After(now) {
		return false
	}
	if exec.Status == domain.ExecutionStatusWaiting && exec.ResumeAt.Valid && exec.ResumeAt.Time.After(now) {
		return false
	}
	return true
}

func (s *Scheduler) drive(ctx context.Context, exec *domain.WorkflowExecution, maxSteps int) error {
	ctx, span := tracer.Start(ctx, "execution.advance", trace.WithAttributes(
		attribute.Int64("execution.id", exec.ID),
		attribute.Int64("workflow.id", exec.WorkflowID),
		attribute.String("tenant.id", exec.TenantID),
	))
	defer span.End()

	def, err := s.definitions.FindByID(ctx, exec.TenantID, exec.WorkflowID)
	if err != nil {
		if !repository.IsNotFound(err) {
			recordSpanError(span, err)
			return s.releaseAfter(ctx, exec, err)
		}
		err = s.finishFailed(ctx, exec, domain.NewConfigurationError("workflow %d no longer exists", exec.WorkflowID))
		return s.releaseAfter(ctx, exec, err)
	}

	for i := 0; i < maxSteps; i++ {
		fresh, err := s.executions.FindByID(ctx, exec.ID)
		if err != nil {
			return s.releaseAfter(ctx, exec, err)
		}
		if fresh.Version != exec.Version {
			slog.InfoContext(ctx, "Execution changed by another writer, stopping", "execution_id", exec.ID, "status", fresh.Status)
			return nil
		}
		if err := s.step(ctx, def, exec); err != nil {
			if errors.Is(err, repository.ErrStaleExecution) {
				slog.InfoContext(ctx, "Execution changed while a step ran, stopping", "execution_id", exec.ID)
				return nil
			}
			recordSpanError(span, err)
			return s.releaseAfter(ctx, exec, err)
		}
		if !s.runnableNow(exec) {
			break
		}
	}
	return s.release(ctx, exec)
}

func (s *Scheduler) runnableNow(exec *domain.WorkflowExecution) bool {
	if exec.Status != domain.ExecutionStatusRunning {
		return false
	}
	return !exec.NextActivation.Valid || !exec.NextActivation.Time.After(s.clock.Now())
}

// step performs one transition of a claimed execution and persists it.
func (s *Scheduler) step(ctx context.Context, def *domain.WorkflowDefinition, exec *domain.WorkflowExecution) error {
	now := s.clock.Now()
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	if exec.StepAttempts == nil {
		exec.StepAttempts = map[string]int{}
	}
	if exec.StepVisits == nil {
		exec.StepVisits = map[string]int{}
	}

	switch exec.Status {
	case domain.ExecutionStatusPending:
		exec.Status = domain.ExecutionStatusRunning
		exec.StartedAt = sql.NullTime{Time: now, Valid: true}
		enterStep(exec, def.StartStepID)
		exec.Attempt = 0
		slog.InfoContext(ctx, "Execution started", "execution_id", exec.ID, "workflow_id", exec.WorkflowID, "step_id", def.StartStepID)
	case domain.ExecutionStatusWaiting:
		if exec.ResumeAt.Valid && exec.ResumeAt.Time.After(now) {
			return nil
		}
		waitStep, ok := def.Step(exec.CurrentStepID.String)
		if !ok {
			return s.finishFailed(ctx, exec, domain.NewConfigurationError("step %s no longer exists", exec.CurrentStepID.String))
		}
		exec.Status = domain.ExecutionStatusRunning
		exec.ResumeAt = sql.NullTime{}
		exec.Attempt = 0
		slog.InfoContext(ctx, "Execution resumed", "execution_id", exec.ID, "step_id", waitStep.ID, "next", waitStep.Next)
		if waitStep.Next == "" {
			return s.finishCompleted(ctx, exec)
		}
		enterStep(exec, waitStep.Next)
	}

	stepDef, ok := def.Step(exec.CurrentStepID.String)
	if !ok {
		return s.finishFailed(ctx, exec, domain.NewConfigurationError("step %s does not exist in workflow %d", exec.CurrentStepID.String, def.ID))
	}

	attempt := exec.Attempt + 1
	logAttempt := exec.StepAttempts[stepDef.ID] + 1

	stepCtx, span := tracer.Start(ctx, "step "+stepDef.ID, trace.WithAttributes(
		attribute.String("step.type", string(stepDef.Type)),
		attribute.String("step.action", string(stepDef.ActionType)),
		attribute.Int("step.attempt", logAttempt),
	))
	result := s.steps.Execute(stepCtx, exec, *stepDef)
	recordSpanError(span, result.Err)
	span.End()
	finished := s.clock.Now()

	entry := &domain.ExecutionStepLog{
		ExecutionID:   exec.ID,
		TenantID:      exec.TenantID,
		StepID:        stepDef.ID,
		StepType:      stepDef.Type,
		ActionType:    stepDef.ActionType,
		AttemptNumber: logAttempt,
		Status:        result.Status,
		StartedAt:     now,
		FinishedAt:    finished,
	}
	var engineErr *domain.EngineError
	if result.Err != nil {
		engineErr = domain.ClassifyError(result.Err)
		entry.ErrorKind = sql.NullString{String: string(engineErr.Kind), Valid: true}
		entry.ErrorDetail = sql.NullString{String: engineErr.Error(), Valid: true}
	}
	if result.Output != nil {
		if b, err := json.Marshal(result.Output); err == nil {
			entry.OutputSnapshot = sql.NullString{String: string(b), Valid: true}
		}
	}
	if _, err := s.logs.Append(ctx, entry); err != nil {
		if !errors.Is(err, repository.ErrDuplicateStepLog) {
			return fmt.Errorf("append step log: %w", err)
		}
		slog.WarnContext(ctx, "Step attempt already logged, keeping the first record", "execution_id", exec.ID, "step_id", stepDef.ID, "attempt", logAttempt)
	}
	exec.StepAttempts[stepDef.ID] = logAttempt
	s.metrics.Timing("steps.duration", finished.Sub(now), "type:"+string(stepDef.Type), "action:"+string(stepDef.ActionType), "status:"+string(result.Status))

	switch result.Status {
	case domain.StepLogStatusSuccess:
		output := result.Output
		if output == nil {
			output = map[string]any{}
		}
		exec.Context[stepDef.ID] = output
		exec.Attempt = 0
		exec.Error = sql.NullString{}
		if result.Next == "" {
			slog.InfoContext(ctx, "Step finished the execution", "execution_id", exec.ID, "step_id", stepDef.ID)
			return s.finishCompleted(ctx, exec)
		}
		if _, ok := def.Step(result.Next); !ok {
			return s.finishFailed(ctx, exec, domain.NewConfigurationError("step %s continues with unknown step %s", stepDef.ID, result.Next))
		}
		slog.InfoContext(ctx, "Transitioning step", "execution_id", exec.ID, "from", stepDef.ID, "to", result.Next)
		enterStep(exec, result.Next)
		exec.NextActivation = sql.NullTime{Time: finished, Valid: true}

	case domain.StepLogStatusWaiting:
		exec.Status = domain.ExecutionStatusWaiting
		exec.Attempt = 0
		exec.ResumeAt = sql.NullTime{Time: result.ResumeAt, Valid: true}
		exec.NextActivation = sql.NullTime{Time: result.ResumeAt, Valid: true}
		slog.InfoContext(ctx, "Execution waiting", "execution_id", exec.ID, "step_id", stepDef.ID, "resume_at", result.ResumeAt)

	default:
		if engineErr == nil {
			engineErr = domain.ClassifyError(fmt.Errorf("step %s failed without detail", stepDef.ID))
		}
		exec.Attempt = attempt
		exec.Error = sql.NullString{String: engineErr.Error(), Valid: true}
		policy := s.retryPolicy(stepDef)
		if engineErr.Transient && attempt < policy.MaxAttempts {
			delay := policy.BackoffInterval(attempt)
			exec.NextActivation = sql.NullTime{Time: finished.Add(delay), Valid: true}
			slog.WarnContext(ctx, "Step failed, retry scheduled", "execution_id", exec.ID, "step_id", stepDef.ID,
				"attempt", attempt, "max_attempts", policy.MaxAttempts, "retry_in", delay.String(), "error", engineErr)
			s.metrics.Count("steps.retried", 1, "action:"+string(stepDef.ActionType))
			break
		}
		slog.ErrorContext(ctx, "Step failed", "execution_id", exec.ID, "step_id", stepDef.ID, "attempt", attempt,
			"kind", engineErr.Kind, "transient", engineErr.Transient, "error", engineErr)
		return s.finishFailed(ctx, exec, engineErr)
	}
	return s.executions.Update(ctx, exec)
}

// enterStep moves exec onto stepID and counts the visit. Retries stay on the
// current visit and never call it.
func enterStep(exec *domain.WorkflowExecution, stepID string) {
	exec.CurrentStepID = sql.NullString{String: stepID, Valid: true}
	exec.StepVisits[stepID]++
}

func (s *Scheduler) retryPolicy(step *domain.WorkflowStep) models.RetryConfig {
	if step.Retry == nil {
		return s.retry
	}
	return models.RetryConfig{
		MaxAttempts: step.Retry.MaxAttempts,
		BaseDelay:   step.Retry.BaseDelay.Std(),
		Multiplier:  step.Retry.Multiplier,
		MaxDelay:    step.Retry.MaxDelay.Std(),
	}.Merge(s.retry)
}

func (s *Scheduler) finishCompleted(ctx context.Context, exec *domain.WorkflowExecution) error {
	now := s.clock.Now()
	exec.Status = domain.ExecutionStatusCompleted
	exec.CompletedAt = sql.NullTime{Time: now, Valid: true}
	exec.NextActivation = sql.NullTime{}
	if err := s.executions.Update(ctx, exec); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Execution completed", "execution_id", exec.ID, "workflow_id", exec.WorkflowID)
	s.metrics.Count("executions.finished", 1, "status:"+string(exec.Status))
	return nil
}

func (s *Scheduler) finishFailed(ctx context.Context, exec *domain.WorkflowExecution, cause error) error {
	now := s.clock.Now()
	exec.Status = domain.ExecutionStatusFailed
	exec.CompletedAt = sql.NullTime{Time: now, Valid: true}
	exec.NextActivation = sql.NullTime{}
	exec.Error = sql.NullString{String: cause.Error(), Valid: true}
	if err := s.executions.Update(ctx, exec); err != nil {
		return err
	}
	slog.ErrorContext(ctx, "Execution failed", "execution_id", exec.ID, "workflow_id", exec.WorkflowID, "error", cause)
	s.metrics.Count("executions.finished", 1, "status:"+string(exec.Status))
	return nil
}

// release clears the claim so the poller, or another executor, can pick the
// execution up again once it is due.
func (s *Scheduler) release(ctx context.Context, exec *domain.WorkflowExecution) error {
	if !exec.ExecutorID.Valid {
		return nil
	}
	exec.ExecutorID = sql.NullInt64{}
	exec.ClaimedAt = sql.NullTime{}
	if err := s.executions.Update(ctx, exec); err != nil {
		if errors.Is(err, repository.ErrStaleExecution) {
			return nil
		}
		return fmt.Errorf("release execution %d: %w", exec.ID, err)
	}
	if s.runnableNow(exec) && s.notifier != nil {
		s.notifier.Notify(ctx)
	}
	return nil
}

func (s *Scheduler) releaseAfter(ctx context.Context, exec *domain.WorkflowExecution, cause error) error {
	if err := s.release(ctx, exec); err != nil {
		slog.ErrorContext(ctx, "Failed to release execution", "execution_id", exec.ID, "error", err)
	}
	return cause
}
