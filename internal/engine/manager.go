package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/formaplus/automatisations/internal/config"
	internaldomain "github.com/formaplus/automatisations/internal/domain"
	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

// Manager runs the executor: it registers this process, polls for due
// executions, hands them to workers and repairs executions left claimed by
// executors that died.
type Manager struct {
	executions   ExecutionRepo
	logs         StepLogRepo
	executorRepo ExecutorRepo
	scheduler    *Scheduler
	notifier     Notifier
	clock        core.Clock
	metrics      *Metrics
	executorID   int64
	wakeup       chan struct{}
	queue        chan domain.WorkflowExecution
}

func NewManager(executions ExecutionRepo, logs StepLogRepo, executorRepo ExecutorRepo, scheduler *Scheduler, notifier Notifier, clock core.Clock, metrics *Metrics) *Manager {
	return &Manager{
		executions:   executions,
		logs:         logs,
		executorRepo: executorRepo,
		scheduler:    scheduler,
		notifier:     notifier,
		clock:        clock,
		metrics:      metrics,
		wakeup:       make(chan struct{}, 1),
	}
}

// ListExecutors returns recent executors ordered by last_active desc.
func (m *Manager) ListExecutors(ctx context.Context, limit int) ([]*internaldomain.Executor, error) {
	return m.executorRepo.GetExecutorsByLastActive(ctx, limit)
}

func (m *Manager) SearchExecutions(ctx context.Context, req models.SearchExecutionRequest) ([]domain.WorkflowExecution, error) {
	return m.executions.Search(ctx, req)
}

func (m *Manager) GetExecution(ctx context.Context, tenantID string, id int64) (*domain.WorkflowExecution, error) {
	return m.executions.FindByIDForTenant(ctx, tenantID, id)
}

// GetStepLogs returns the audit trail of an execution owned by the tenant.
func (m *Manager) GetStepLogs(ctx context.Context, tenantID string, id int64) ([]domain.ExecutionStepLog, error) {
	if _, err := m.executions.FindByIDForTenant(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return m.logs.FindAllByExecutionID(ctx, id)
}

func (m *Manager) Overview(ctx context.Context, tenantID string) ([]models.ExecutionOverviewRow, error) {
	return m.executions.GetExecutionOverview(ctx, tenantID)
}

func (m *Manager) Cancel(ctx context.Context, tenantID string, id int64, reason string) (*domain.WorkflowExecution, error) {
	return m.scheduler.Cancel(ctx, tenantID, id, reason)
}

// StartEngine registers this executor, then polls for due executions at the
// given interval until ctx is cancelled. Without a registered executor id no
// execution could be claimed, so a failed registration is returned at once.
func (m *Manager) StartEngine(ctx context.Context, pollInterval time.Duration) error {
	if err := registerExecutorInstance(ctx, m); err != nil {
		return err
	}
	ctx = context.WithValue(ctx, core.CtxKeyExecutorId, m.executorID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	go startRepairService(ctx, m)
	if m.notifier != nil {
		go m.notifier.Listen(ctx, m.Wakeup)
	}

	queueSize := config.GetSystemSettingInteger(config.ENGINE_BATCH_SIZE)
	if queueSize <= 0 {
		queueSize = 10
	}
	m.queue = make(chan domain.WorkflowExecution, queueSize)

	workers := config.GetSystemSettingInteger(config.ENGINE_EXECUTOR_SIZE)
	if workers <= 0 {
		workers = 1
	}
	slog.InfoContext(ctx, "Starting workflow engine", "workers", workers, "queue_size", queueSize, "executor_id", m.executorID)
	for i := 0; i < workers; i++ {
		go Worker(ctx, i, m.scheduler, m.queue)
	}

	slog.InfoContext(ctx, "Workflow engine started", "poll_interval", pollInterval.String())
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Workflow engine stopping due to context cancel")
			return nil
		case <-ticker.C:
			m.pollAndRunExecutions(ctx)
		case <-m.wakeup:
			m.pollAndRunExecutions(ctx)
		}
	}
}

// pollAndRunExecutions claims a batch of due executions and queues them for the workers.
func (m *Manager) pollAndRunExecutions(ctx context.Context) {
	batchSize := cap(m.queue)
	if len(m.queue) >= batchSize {
		slog.WarnContext(ctx, "Execution queue full, skipping poll, possibly long running steps")
		return
	}
	group := config.GetSystemSettingString(config.ENGINE_EXECUTOR_GROUP)
	executions, err := m.executions.FindRunnable(ctx, group, batchSize-len(m.queue))
	if err != nil {
		slog.ErrorContext(ctx, "Error fetching runnable executions", "error", err)
		return
	}
	m.metrics.Gauge("queue.depth", float64(len(m.queue)))

	for i := range executions {
		exec := executions[i]
		ok, err := m.executions.Claim(ctx, &exec, m.executorID)
		if err != nil {
			slog.ErrorContext(ctx, "Error claiming execution", "execution_id", exec.ID, "error", err)
			continue
		}
		if !ok {
			slog.DebugContext(ctx, "Unable to claim execution, possibly picked up by another executor", "execution_id", exec.ID)
			continue
		}
		select {
		case m.queue <- exec:
		case <-ctx.Done():
			return
		}
	}
}

// startRepairService releases executions claimed by executors whose
// heartbeat stopped, so another executor can pick them up.
func startRepairService(ctx context.Context, m *Manager) {
	interval := config.GetSystemSettingDuration(config.ENGINE_STUCK_EXECUTIONS_INTERVAL)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Execution repair service stopping due to context cancel")
			return
		case <-ticker.C:
			if _, err := m.RepairStuckExecutions(ctx); err != nil {
				slog.ErrorContext(ctx, "Error repairing stuck executions", "error", err)
			}
		}
	}
}

// RepairStuckExecutions releases the claims of stale executions and returns how many were repaired.
func (m *Manager) RepairStuckExecutions(ctx context.Context) (int, error) {
	minutes := config.GetSystemSettingInteger(config.ENGINE_STUCK_EXECUTIONS_REPAIR_AFTER_MINUTES)
	if minutes <= 0 {
		minutes = 5
	}
	cutoff := m.clock.Now().Add(-time.Duration(minutes) * time.Minute)
	stuck, err := m.executions.FindStuck(ctx, config.GetSystemSettingString(config.ENGINE_EXECUTOR_GROUP), cutoff, 100)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for i := range stuck {
		exec := stuck[i]
		previous := exec.ExecutorID.Int64
		exec.ExecutorID = sql.NullInt64{}
		exec.ClaimedAt = sql.NullTime{}
		if !exec.NextActivation.Valid {
			exec.NextActivation = sql.NullTime{Time: m.clock.Now(), Valid: true}
		}
		if err := m.executions.Update(ctx, &exec); err != nil {
			if errors.Is(err, repository.ErrStaleExecution) {
				continue
			}
			return repaired, fmt.Errorf("repair execution %d: %w", exec.ID, err)
		}
		slog.WarnContext(ctx, "Repaired stuck execution", "execution_id", exec.ID, "status", exec.Status,
			"step_id", exec.CurrentStepID.String, "previous_executor", previous)
		repaired++
	}
	if repaired > 0 {
		m.metrics.Count("executions.repaired", int64(repaired))
		m.Wakeup()
	}
	return repaired, nil
}

func registerExecutorInstance(ctx context.Context, m *Manager) error {
	name := config.GetSystemSettingString(config.ENGINE_EXECUTOR_NAME)
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "automatisations"
		} else {
			name = hostname
		}
	}
	now := m.clock.Now()
	exec := &internaldomain.Executor{
		Name:          name,
		ExecutorGroup: config.GetSystemSettingString(config.ENGINE_EXECUTOR_GROUP),
		Started:       now,
		LastActive:    now,
	}
	id, err := m.executorRepo.Save(ctx, exec)
	if err != nil {
		return fmt.Errorf("register executor %s: %w", name, err)
	}
	m.executorID = id
	m.scheduler.SetExecutorID(id)
	slog.InfoContext(ctx, "Registered executor", "executor_id", id, "name", name)

	interval := config.GetSystemSettingDuration(config.ENGINE_HEARTBEAT_INTERVAL)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func(executorID int64) {
		hb := time.NewTicker(interval)
		defer hb.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				if err := m.executorRepo.UpdateLastActive(ctx, executorID, m.clock.Now()); err != nil {
					slog.ErrorContext(ctx, "Failed to update executor last_active", "executor_id", executorID, "error", err)
				} else {
					slog.DebugContext(ctx, "Updated executor last_active", "executor_id", executorID)
				}
			}
		}
	}(id)
	return nil
}

func (m *Manager) Wakeup() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}
