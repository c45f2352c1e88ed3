package engine

import (
	"context"
	"log/slog"

	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// Worker advances claimed executions taken from the queue until ctx is done.
func Worker(ctx context.Context, id int, scheduler *Scheduler, queue <-chan domain.WorkflowExecution) {
	ctx = context.WithValue(ctx, core.CtxKeyWorkerId, id)
	for {
		select {
		case <-ctx.Done():
			return
		case exec, ok := <-queue:
			if !ok {
				return
			}
			slog.DebugContext(ctx, "Worker starting execution", "worker_id", id, "execution_id", exec.ID)
			if err := scheduler.RunClaimed(ctx, &exec); err != nil {
				slog.ErrorContext(ctx, "Worker failed to advance execution", "worker_id", id, "execution_id", exec.ID, "error", err)
			}
			slog.DebugContext(ctx, "Worker finished execution", "worker_id", id, "execution_id", exec.ID)
		}
	}
}
