//go:build integration

package postgres

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var portBase int32 = 9098

func nextPort() int {
	return int(atomic.AddInt32(&portBase, 1))
}

// setupPostgres starts a throwaway Postgres and points the engine settings at it.
func setupPostgres(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	port := nextPort()
	t.Setenv("WF_DATABASE_TYPE", "POSTGRES")
	t.Setenv("WF_DATABASE_URL", dsn)
	t.Setenv("WF_ENGINE_CHECK_DB_INTERVAL", (200 * time.Millisecond).String())
	t.Setenv("WF_SCHEDULER_ENABLED", "false")
	t.Setenv("WF_DEV_MODE", "true")
	t.Setenv("HTTP_ADDR", "127.0.0.1:"+strconv.Itoa(port))
	return port
}
