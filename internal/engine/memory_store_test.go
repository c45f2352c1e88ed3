package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	internaldomain "github.com/formaplus/automatisations/internal/domain"
	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

// memStore is an in-memory stand-in for the SQL repositories with the same
// claim, version and uniqueness rules.
type memStore struct {
	mu          sync.Mutex
	clock       core.Clock
	nextID      int64
	executions  map[int64]domain.WorkflowExecution
	logs        []domain.ExecutionStepLog
	definitions map[int64]domain.WorkflowDefinition
	executors   map[int64]internaldomain.Executor
}

func newMemStore(clock core.Clock) *memStore {
	return &memStore{
		clock:       clock,
		executions:  map[int64]domain.WorkflowExecution{},
		definitions: map[int64]domain.WorkflowDefinition{},
		executors:   map[int64]internaldomain.Executor{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

// clone mimics a database round trip: maps are copied through JSON.
func clone(e domain.WorkflowExecution) domain.WorkflowExecution {
	out := e
	out.Context = map[string]any{}
	if b, err := json.Marshal(e.Context); err == nil {
		_ = json.Unmarshal(b, &out.Context)
	}
	out.StepAttempts = map[string]int{}
	for k, v := range e.StepAttempts {
		out.StepAttempts[k] = v
	}
	out.StepVisits = map[string]int{}
	for k, v := range e.StepVisits {
		out.StepVisits[k] = v
	}
	return out
}

func (m *memStore) addDefinition(def domain.WorkflowDefinition) *domain.WorkflowDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	def.ID = m.id()
	if def.Version == 0 {
		def.Version = 1
	}
	m.definitions[def.ID] = def
	return &def
}

func (m *memStore) FindByID(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok || def.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return &def, nil
}

type memExecutions struct{ *memStore }

func (m memExecutions) Create(ctx context.Context, e *domain.WorkflowExecution) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.WorkflowID == e.WorkflowID && existing.EventID == e.EventID {
			return existing.ID, repository.ErrDuplicateEvent
		}
	}
	e.ID = m.id()
	e.Modified = m.clock.Now()
	m.executions[e.ID] = clone(*e)
	return e.ID, nil
}

func (m memExecutions) FindByID(ctx context.Context, id int64) (*domain.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := clone(e)
	return &c, nil
}

func (m memExecutions) FindByIDForTenant(ctx context.Context, tenantID string, id int64) (*domain.WorkflowExecution, error) {
	e, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (m memExecutions) FindRunnable(ctx context.Context, executorGroup string, limit int) ([]domain.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []domain.WorkflowExecution
	for _, e := range m.sorted() {
		if e.Status.IsTerminal() || e.ExecutorID.Valid || e.ExecutorGroup != executorGroup {
			continue
		}
		if !e.NextActivation.Valid || e.NextActivation.Time.After(now) {
			continue
		}
		out = append(out, clone(e))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m memExecutions) Claim(ctx context.Context, e *domain.WorkflowExecution, executorID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[e.ID]
	if !ok || stored.Version != e.Version || stored.ExecutorID.Valid || stored.Status.IsTerminal() {
		return false, nil
	}
	now := m.clock.Now()
	stored.ExecutorID = sql.NullInt64{Int64: executorID, Valid: true}
	stored.ClaimedAt = sql.NullTime{Time: now, Valid: true}
	stored.Version++
	m.executions[e.ID] = stored
	e.ExecutorID = stored.ExecutorID
	e.ClaimedAt = stored.ClaimedAt
	e.Version = stored.Version
	return true, nil
}

func (m memExecutions) Update(ctx context.Context, e *domain.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[e.ID]
	if !ok || stored.Version != e.Version {
		return repository.ErrStaleExecution
	}
	e.Version++
	e.Modified = m.clock.Now()
	m.executions[e.ID] = clone(*e)
	return nil
}

func (m memExecutions) FindStuck(ctx context.Context, executorGroup string, cutoff time.Time, limit int) ([]domain.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowExecution
	for _, e := range m.sorted() {
		if !e.ExecutorID.Valid || e.Status.IsTerminal() || e.ExecutorGroup != executorGroup {
			continue
		}
		if !e.ClaimedAt.Time.Before(cutoff) {
			continue
		}
		if ex, ok := m.executors[e.ExecutorID.Int64]; ok && ex.LastActive.After(cutoff) {
			continue
		}
		out = append(out, clone(e))
	}
	return out, nil
}

func (m memExecutions) Search(ctx context.Context, req models.SearchExecutionRequest) ([]domain.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowExecution
	for _, e := range m.sorted() {
		if e.TenantID != req.TenantID {
			continue
		}
		if req.Status != "" && string(e.Status) != strings.ToUpper(req.Status) {
			continue
		}
		if req.WorkflowID != 0 && e.WorkflowID != req.WorkflowID {
			continue
		}
		out = append(out, clone(e))
	}
	return out, nil
}

func (m memExecutions) GetExecutionOverview(ctx context.Context, tenantID string) ([]models.ExecutionOverviewRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := map[int64]*models.ExecutionOverviewRow{}
	var ids []int64
	for _, e := range m.sorted() {
		if e.TenantID != tenantID {
			continue
		}
		row, ok := rows[e.WorkflowID]
		if !ok {
			row = &models.ExecutionOverviewRow{WorkflowID: e.WorkflowID}
			rows[e.WorkflowID] = row
			ids = append(ids, e.WorkflowID)
		}
		switch e.Status {
		case domain.ExecutionStatusPending:
			row.PendingCount++
		case domain.ExecutionStatusRunning:
			row.RunningCount++
		case domain.ExecutionStatusWaiting:
			row.WaitingCount++
		case domain.ExecutionStatusCompleted:
			row.CompletedCount++
		case domain.ExecutionStatusFailed:
			row.FailedCount++
		case domain.ExecutionStatusCancelled:
			row.CancelledCount++
		}
	}
	var out []models.ExecutionOverviewRow
	for _, id := range ids {
		out = append(out, *rows[id])
	}
	return out, nil
}

func (m *memStore) sorted() []domain.WorkflowExecution {
	out := make([]domain.WorkflowExecution, 0, len(m.executions))
	for _, e := range m.executions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memLogs struct{ *memStore }

func (m memLogs) Append(ctx context.Context, l *domain.ExecutionStepLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.logs {
		if existing.ExecutionID == l.ExecutionID && existing.StepID == l.StepID && existing.AttemptNumber == l.AttemptNumber {
			return 0, repository.ErrDuplicateStepLog
		}
	}
	l.ID = m.id()
	m.logs = append(m.logs, *l)
	return l.ID, nil
}

func (m memLogs) FindAllByExecutionID(ctx context.Context, executionID int64) ([]domain.ExecutionStepLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExecutionStepLog
	for _, l := range m.logs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	return out, nil
}

type memExecutors struct{ *memStore }

func (m memExecutors) Save(ctx context.Context, e *internaldomain.Executor) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	m.executors[e.ID] = *e
	return e.ID, nil
}

func (m memExecutors) UpdateLastActive(ctx context.Context, id int64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.executors[id]
	e.LastActive = ts
	m.executors[id] = e
	return nil
}

func (m memExecutors) GetExecutorsByLastActive(ctx context.Context, limit int) ([]*internaldomain.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*internaldomain.Executor
	for _, e := range m.executors {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
