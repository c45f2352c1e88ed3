package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	internaldomain "github.com/formaplus/automatisations/internal/domain"
	"github.com/formaplus/automatisations/internal/migrations"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	file := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, migrations.Up("sqlite3", "sqlite3://"+file))
	db, err := sql.Open("sqlite3", file)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleDefinition(tenant string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		TenantID:         tenant,
		Name:             "Relance entreprise",
		TriggerType:      domain.TriggerTypeEntityEvent,
		TriggerEventType: "entreprise.created",
		TriggerFilter:    domain.TriggerFilter{EntityType: "entreprise"},
		IsActive:         true,
		StartStepID:      "check",
		Version:          1,
		Created:          testStart,
		Updated:          testStart,
		Steps: []domain.WorkflowStep{
			{ID: "check", Type: domain.StepTypeCondition, Config: json.RawMessage(`{"condition":{"op":"equals","field":"secteur","value":"BTP"}}`), Next: "mail"},
			{ID: "mail", Type: domain.StepTypeAction, ActionType: domain.ActionSendEmail,
				Config: json.RawMessage(`{"to":"a@b.fr","subject":"Bonjour","body":"Hello"}`),
				Retry:  &domain.RetryPolicy{MaxAttempts: 5, BaseDelay: domain.Duration(time.Minute)}},
		},
	}
}

func saveExecution(t *testing.T, repo *ExecutionRepository, def *domain.WorkflowDefinition, eventID string) *domain.WorkflowExecution {
	t.Helper()
	e := &domain.WorkflowExecution{
		TenantID:        def.TenantID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		EventID:         eventID,
		Status:          domain.ExecutionStatusPending,
		NextActivation:  sql.NullTime{Time: testStart, Valid: true},
		Context:         map[string]any{},
		Event:           domain.TriggerEvent{ID: eventID, TenantID: def.TenantID, EventType: "entreprise.created", OccurredAt: testStart},
		ExecutorGroup:   "default",
	}
	_, err := repo.Create(context.Background(), e)
	require.NoError(t, err)
	return e
}

func TestDefinitionRepository_SaveFindUpdate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewDefinitionRepository(db, core.NewFakeClock(testStart))

	def := sampleDefinition("t1")
	id, err := repo.Save(ctx, def)
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := repo.FindByID(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, "Relance entreprise", got.Name)
	assert.Equal(t, "entreprise", got.TriggerFilter.EntityType)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "check", got.Steps[0].ID)
	require.NotNil(t, got.Steps[1].Retry)
	assert.Equal(t, 5, got.Steps[1].Retry.MaxAttempts)
	assert.Equal(t, time.Minute, got.Steps[1].Retry.BaseDelay.Std())

	_, err = repo.FindByID(ctx, "other-tenant", id)
	assert.True(t, IsNotFound(err))

	got.Name = "Renamed"
	got.Steps = got.Steps[:1]
	require.NoError(t, repo.Update(ctx, got))
	assert.Equal(t, 2, got.Version)

	reloaded, err := repo.FindByID(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", reloaded.Name)
	assert.Equal(t, 2, reloaded.Version)
	assert.Len(t, reloaded.Steps, 1)

	stale := *reloaded
	stale.Version = 1
	assert.ErrorIs(t, repo.Update(ctx, &stale), ErrStaleDefinition)
}

func TestDefinitionRepository_UpdateKeepsStepsInUse(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := core.NewFakeClock(testStart)
	repo := NewDefinitionRepository(db, clock)
	executions := NewExecutionRepository(db, clock)

	def := sampleDefinition("t1")
	_, err := repo.Save(ctx, def)
	require.NoError(t, err)
	exec := saveExecution(t, executions, def, "evt_running")
	exec.Status = domain.ExecutionStatusWaiting
	exec.CurrentStepID = sql.NullString{String: "mail", Valid: true}
	require.NoError(t, executions.Update(ctx, exec))

	edited, err := repo.FindByID(ctx, "t1", def.ID)
	require.NoError(t, err)
	edited.Steps = edited.Steps[:1]
	edited.Steps[0].Next = ""
	err = repo.Update(ctx, edited)
	require.ErrorIs(t, err, ErrStepInUse)
	assert.Contains(t, err.Error(), "mail")

	stored, err := repo.FindByID(ctx, "t1", def.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Len(t, stored.Steps, 2)

	exec.Status = domain.ExecutionStatusCompleted
	require.NoError(t, executions.Update(ctx, exec))
	require.NoError(t, repo.Update(ctx, edited))
	assert.Equal(t, 2, edited.Version)
}

func TestDefinitionRepository_ActiveQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewDefinitionRepository(openTestDB(t), core.NewFakeClock(testStart))

	active := sampleDefinition("t1")
	_, err := repo.Save(ctx, active)
	require.NoError(t, err)

	scheduled := sampleDefinition("t2")
	scheduled.TriggerType = domain.TriggerTypeSchedule
	scheduled.TriggerEventType = ""
	scheduled.Schedule = "0 8 * * 1"
	_, err = repo.Save(ctx, scheduled)
	require.NoError(t, err)

	defs, err := repo.FindActive(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	require.NoError(t, repo.SetActive(ctx, "t1", active.ID, false))
	defs, err = repo.FindActive(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, defs)

	all, err := repo.FindAll(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	sched, err := repo.FindActiveScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, sched, 1)
	assert.Equal(t, "t2", sched[0].TenantID)

	assert.ErrorIs(t, repo.SetActive(ctx, "t2", active.ID, true), ErrNotFound)
}

func TestExecutionRepository_CreateDeduplicatesEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := core.NewFakeClock(testStart)
	def := sampleDefinition("t1")
	_, err := NewDefinitionRepository(db, clock).Save(ctx, def)
	require.NoError(t, err)
	repo := NewExecutionRepository(db, clock)

	first := saveExecution(t, repo, def, "evt_1")

	dup := *first
	dup.ID = 0
	id, err := repo.Create(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Equal(t, first.ID, id)

	got, err := repo.FindByIDForTenant(ctx, "t1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusPending, got.Status)
	assert.Equal(t, "evt_1", got.Event.ID)
	assert.WithinDuration(t, testStart, got.NextActivation.Time, 0)

	_, err = repo.FindByIDForTenant(ctx, "t2", first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionRepository_ClaimAndUpdate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := core.NewFakeClock(testStart)
	def := sampleDefinition("t1")
	_, err := NewDefinitionRepository(db, clock).Save(ctx, def)
	require.NoError(t, err)
	repo := NewExecutionRepository(db, clock)

	due := saveExecution(t, repo, def, "evt_due")
	later := saveExecution(t, repo, def, "evt_later")
	later.NextActivation = sql.NullTime{Time: testStart.Add(time.Hour), Valid: true}
	require.NoError(t, repo.Update(ctx, later))

	runnable, err := repo.FindRunnable(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	assert.Equal(t, due.ID, runnable[0].ID)

	other, err := repo.FindRunnable(ctx, "other-group", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	candidate := runnable[0]
	copyForRival := candidate
	ok, err := repo.Claim(ctx, &candidate, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), candidate.ExecutorID.Int64)

	ok, err = repo.Claim(ctx, &copyForRival, 8)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, repo.Update(ctx, &copyForRival), ErrStaleExecution)

	candidate.Status = domain.ExecutionStatusRunning
	candidate.CurrentStepID = sql.NullString{String: "mail", Valid: true}
	candidate.Context = map[string]any{"steps": map[string]any{"check": true}}
	candidate.StepAttempts = map[string]int{"check": 1, "mail": 2}
	candidate.StepVisits = map[string]int{"check": 1, "mail": 1}
	require.NoError(t, repo.Update(ctx, &candidate))

	stored, err := repo.FindByID(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, stored.Status)
	assert.Equal(t, "mail", stored.CurrentStepID.String)
	assert.Equal(t, candidate.Version, stored.Version)
	assert.Contains(t, stored.Context, "steps")
	assert.Equal(t, map[string]int{"check": 1, "mail": 2}, stored.StepAttempts)
	assert.Equal(t, map[string]int{"check": 1, "mail": 1}, stored.StepVisits)
}

func TestExecutionRepository_FindStuck(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := core.NewFakeClock(testStart)
	def := sampleDefinition("t1")
	_, err := NewDefinitionRepository(db, clock).Save(ctx, def)
	require.NoError(t, err)
	repo := NewExecutionRepository(db, clock)
	executors := NewExecutorRepository(db, clock)

	dead := &internaldomain.Executor{Name: "dead", ExecutorGroup: "default"}
	_, err = executors.Save(ctx, dead)
	require.NoError(t, err)
	alive := &internaldomain.Executor{Name: "alive", ExecutorGroup: "default"}
	_, err = executors.Save(ctx, alive)
	require.NoError(t, err)

	orphan := saveExecution(t, repo, def, "evt_orphan")
	ok, err := repo.Claim(ctx, orphan, dead.ID)
	require.NoError(t, err)
	require.True(t, ok)
	held := saveExecution(t, repo, def, "evt_held")
	ok, err = repo.Claim(ctx, held, alive.ID)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Add(10 * time.Minute)
	require.NoError(t, executors.UpdateLastActive(ctx, alive.ID, clock.Now()))

	stuck, err := repo.FindStuck(ctx, "default", clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, orphan.ID, stuck[0].ID)

	list, err := executors.GetExecutorsByLastActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alive", list[0].Name)
}

func TestExecutionRepository_SearchAndOverview(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := core.NewFakeClock(testStart)
	def := sampleDefinition("t1")
	_, err := NewDefinitionRepository(db, clock).Save(ctx, def)
	require.NoError(t, err)
	repo := NewExecutionRepository(db, clock)

	saveExecution(t, repo, def, "evt_a")
	done := saveExecution(t, repo, def, "evt_b")
	done.Status = domain.ExecutionStatusCompleted
	require.NoError(t, repo.Update(ctx, done))

	found, err := repo.Search(ctx, models.SearchExecutionRequest{TenantID: "t1", Status: "completed"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "evt_b", found[0].EventID)

	found, err = repo.Search(ctx, models.SearchExecutionRequest{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = repo.Search(ctx, models.SearchExecutionRequest{TenantID: "t2"})
	require.NoError(t, err)
	assert.Empty(t, found)

	overview, err := repo.GetExecutionOverview(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, overview, 1)
	assert.Equal(t, 1, overview[0].PendingCount)
	assert.Equal(t, 1, overview[0].CompletedCount)
}

func TestStepLogRepository_AppendOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := core.NewFakeClock(testStart)
	def := sampleDefinition("t1")
	_, err := NewDefinitionRepository(db, clock).Save(ctx, def)
	require.NoError(t, err)
	exec := saveExecution(t, NewExecutionRepository(db, clock), def, "evt_1")
	logs := NewStepLogRepository(db)

	entry := func(attempt int, status domain.StepLogStatus) *domain.ExecutionStepLog {
		return &domain.ExecutionStepLog{
			ExecutionID: exec.ID, TenantID: "t1", StepID: "mail", StepType: domain.StepTypeAction,
			ActionType: domain.ActionSendEmail, AttemptNumber: attempt, Status: status,
			StartedAt: testStart, FinishedAt: testStart.Add(time.Second),
		}
	}
	_, err = logs.Append(ctx, entry(1, domain.StepLogStatusFailed))
	require.NoError(t, err)
	_, err = logs.Append(ctx, entry(2, domain.StepLogStatusSuccess))
	require.NoError(t, err)
	_, err = logs.Append(ctx, entry(2, domain.StepLogStatusSuccess))
	assert.True(t, errors.Is(err, ErrDuplicateStepLog))

	all, err := logs.FindAllByExecutionID(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.StepLogStatusFailed, all[0].Status)
	assert.Equal(t, 2, all[1].AttemptNumber)
	assert.WithinDuration(t, testStart.Add(time.Second), all[1].FinishedAt, 0)
}

func TestApiKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewApiKeyRepository(openTestDB(t))

	key := &internaldomain.ApiKey{KeyID: "k1", TenantID: "t1", Name: "ops", SecretHash: "hash", Enabled: true, Created: testStart}
	_, err := repo.Save(ctx, key)
	require.NoError(t, err)

	got, err := repo.FindByKeyID(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.False(t, got.LastUsed.Valid)

	require.NoError(t, repo.TouchLastUsed(ctx, key.ID, testStart.Add(time.Hour)))
	got, err = repo.FindByKeyID(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, got.LastUsed.Valid)

	_, err = repo.FindByKeyID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := repo.FindAllByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
