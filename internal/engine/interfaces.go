package engine

import (
	"context"
	"time"

	internaldomain "github.com/formaplus/automatisations/internal/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

// ExecutionRepo defines the interface for execution persistence, matching repository.ExecutionRepository.
type ExecutionRepo interface {
	Create(ctx context.Context, e *domain.WorkflowExecution) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.WorkflowExecution, error)
	FindByIDForTenant(ctx context.Context, tenantID string, id int64) (*domain.WorkflowExecution, error)
	FindRunnable(ctx context.Context, executorGroup string, limit int) ([]domain.WorkflowExecution, error)
	Claim(ctx context.Context, e *domain.WorkflowExecution, executorID int64) (bool, error)
	Update(ctx context.Context, e *domain.WorkflowExecution) error
	FindStuck(ctx context.Context, executorGroup string, cutoff time.Time, limit int) ([]domain.WorkflowExecution, error)
	Search(ctx context.Context, req models.SearchExecutionRequest) ([]domain.WorkflowExecution, error)
	GetExecutionOverview(ctx context.Context, tenantID string) ([]models.ExecutionOverviewRow, error)
}

// StepLogRepo defines the interface for the append-only step log.
type StepLogRepo interface {
	Append(ctx context.Context, l *domain.ExecutionStepLog) (int64, error)
	FindAllByExecutionID(ctx context.Context, executionID int64) ([]domain.ExecutionStepLog, error)
}

// ExecutorRepo defines the interface for executor persistence.
type ExecutorRepo interface {
	Save(ctx context.Context, e *internaldomain.Executor) (int64, error)
	UpdateLastActive(ctx context.Context, id int64, ts time.Time) error
	GetExecutorsByLastActive(ctx context.Context, limit int) ([]*internaldomain.Executor, error)
}

// DefinitionRepo is the read side of definition persistence the engine needs.
type DefinitionRepo interface {
	FindByID(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error)
}

// StepExecutor runs one step of an execution.
type StepExecutor interface {
	Execute(ctx context.Context, exec *domain.WorkflowExecution, step domain.WorkflowStep) domain.StepResult
}
