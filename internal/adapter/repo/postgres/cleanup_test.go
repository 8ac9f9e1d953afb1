package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/repo/postgres"
)

func TestCleanupService_DeletesOnlyTerminalJobs(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 3")}
	svc := postgres.NewCleanupService(pool, 30)
	require.NoError(t, svc.CleanupOldData(context.Background()))
	require.Len(t, pool.execs, 2)
	assert.Contains(t, pool.execs[0].sql, "status IN ('succeeded','failed','aborted')")
	assert.Contains(t, pool.execs[0].sql, "finished_at")
	assert.Contains(t, pool.execs[1].sql, "DELETE FROM conversations")
}

func TestCleanupService_DefaultRetention(t *testing.T) {
	t.Parallel()
	svc := postgres.NewCleanupService(&poolStub{}, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}

func TestCleanupService_PropagatesError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: assert.AnError}
	svc := postgres.NewCleanupService(pool, 1)
	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=cleanup.jobs")
}

func TestCleanupService_RunPeriodic_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := postgres.NewCleanupService(&poolStub{}, 1)
	done := make(chan struct{})
	go func() { svc.RunPeriodic(ctx, 0); close(done) }()
	<-done
}
