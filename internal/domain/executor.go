package domain

import "time"

// Executor is one running engine process. LastActive is its heartbeat;
// executions claimed by an executor whose heartbeat is stale get repaired.
type Executor struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ExecutorGroup string    `json:"executorGroup"`
	Started       time.Time `json:"started"`
	LastActive    time.Time `json:"lastActive"`
}
