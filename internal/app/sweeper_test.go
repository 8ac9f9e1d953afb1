package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

type sweepJobs struct {
	domain.JobRepository
	calls  atomic.Int64
	last   atomic.Value // time.Duration
	counts map[domain.JobStatus]int
}

func (s *sweepJobs) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.calls.Add(1)
	s.last.Store(olderThan)
	return 1, nil
}

func (s *sweepJobs) CountByStatus(_ context.Context) (map[domain.JobStatus]int, error) {
	return s.counts, nil
}

func TestStaleJobSweeper_SweepsOnTicker(t *testing.T) {
	t.Parallel()
	jobs := &sweepJobs{}
	sw := NewStaleJobSweeper(jobs, 40*time.Millisecond, 10*time.Millisecond)
	require.NotNil(t, sw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return jobs.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 40*time.Millisecond, jobs.last.Load().(time.Duration))
}

// A sweep that requeues jobs announces itself on the health topic and
// publishes a queue-depth snapshot on the metrics topic.
func TestStaleJobSweeper_AnnouncesOnGlobalTopics(t *testing.T) {
	t.Parallel()
	jobs := &sweepJobs{counts: map[domain.JobStatus]int{
		domain.JobQueued:  3,
		domain.JobRunning: 1,
	}}
	hub := bus.NewHub()
	health := hub.Subscribe(4, bus.TopicHealth)
	defer health.Close()
	metrics := hub.Subscribe(4, bus.TopicMetrics)
	defer metrics.Close()

	sw := NewStaleJobSweeper(jobs, time.Minute, time.Minute).AnnounceOn(hub)
	sw.sweepOnce(context.Background())

	select {
	case env := <-health.C:
		assert.Equal(t, "stale_requeue", env.Type)
		assert.Equal(t, 1, env.Data["count"])
	default:
		t.Fatal("no health announcement published")
	}
	select {
	case env := <-metrics.C:
		assert.Equal(t, "queue_depth", env.Type)
		assert.Equal(t, 3, env.Data["queued"])
		assert.Equal(t, 1, env.Data["running"])
	default:
		t.Fatal("no queue depth snapshot published")
	}
}

func TestNewStaleJobSweeper_Defaults(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewStaleJobSweeper(nil, 0, 0))

	sw := NewStaleJobSweeper(&sweepJobs{}, 0, 0)
	require.NotNil(t, sw)
	assert.Equal(t, 30*time.Second, sw.staleness)
	assert.Equal(t, 15*time.Second, sw.interval)
}

func TestBuildReadinessChecks(t *testing.T) {
	t.Parallel()
	db, redis := BuildReadinessChecks(nil, nil)
	require.Error(t, db(context.Background()))
	assert.Nil(t, redis)
}
