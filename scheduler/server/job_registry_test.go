package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

func newTestRegistry(pool *slotpool.SlotPool) (*JobRegistry, stats.StatsRegistry) {
	reg := stats.NewFinagleStatsRegistry()
	stat := stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return reg })
	config := SchedulerConfiguration{DefaultSlotRequestTimeout: testTimeout}
	return NewJobRegistry(pool, config, stat, "host1"), reg
}

func TestConcurrentCreateOrGet(t *testing.T) {
	r, reg := newTestRegistry(newPool(1, 1))

	const callers = 50
	contexts := make([]*JobContext, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.CreateOrGet("job1", "first run")
			assert.NoError(t, err)
			contexts[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range contexts {
		assert.Same(t, contexts[0], c)
	}
	assert.Equal(t, 1, r.Count())
	stats.VerifyStats("create", reg, t, map[string]stats.Rule{
		"host1/jobmanager/" + stats.RegistryJobCreatedCounter: {Checker: stats.Int64EqTest, Value: 1},
		"host1/jobmanager/" + stats.RegistryOpenJobsGauge:     {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestCloseAndCleanup(t *testing.T) {
	r, _ := newTestRegistry(newPool(1, 1))
	first, err := r.CreateOrGet("job1", "first run")
	require.NoError(t, err)
	_, err = r.CreateOrGet("job2", "other")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())

	r.CloseAndCleanup("job1")
	assert.Equal(t, 1, r.Count())
	assert.True(t, first.IsClosed())
	_, ok := r.Get("job1")
	assert.False(t, ok)

	second, err := r.CreateOrGet("job1", "second run")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, second.IsClosed())
	assert.Equal(t, []domain.JobID{"job1", "job2"}, r.Jobs())
}

// Scenario: cleanup twice and with an absent job id.
func TestCloseAndCleanupIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(newPool(1, 1))
	_, err := r.CreateOrGet("job1", "run")
	require.NoError(t, err)

	r.CloseAndCleanup("job1")
	r.CloseAndCleanup("job1")
	r.CloseAndCleanup("")
	r.CloseAndCleanup("never-registered")
	assert.Equal(t, 0, r.Count())
}

func TestClosedContextIsReplaced(t *testing.T) {
	r, _ := newTestRegistry(newPool(1, 1))
	first, err := r.CreateOrGet("job1", "run")
	require.NoError(t, err)
	first.Close()

	got, ok := r.Get("job1")
	require.True(t, ok)
	assert.True(t, got.IsClosed())
	assert.Equal(t, 0, r.Count())

	second, err := r.CreateOrGet("job1", "run")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, r.Count())
	assert.Len(t, r.MetricGroup().Children(), 1)
}

func TestCleanupReleasesSlots(t *testing.T) {
	pool := newPool(3, 1)
	r, _ := newTestRegistry(pool)
	c, err := r.CreateOrGet("job1", "run")
	require.NoError(t, err)

	ctx, cancel := testContext()
	defer cancel()
	placements, err := c.Schedule(ctx, senderReceiverGraph("job1", true))
	require.NoError(t, err)
	require.Len(t, placements, 6)
	assert.Equal(t, 3, pool.Counts().Allocated)
	s, ok := c.Scheduler()
	require.True(t, ok)

	r.CloseAndCleanup("job1")
	assert.Equal(t, slotpool.PoolCounts{Free: 3, Total: 3}, pool.Counts())
	assert.Empty(t, s.Placements())
	_, err = awaitResult(t, s.Result())
	assert.True(t, errors.Is(err, domain.ErrCancelled))

	_, err = c.Schedule(ctx, senderReceiverGraph("job1", true))
	assert.True(t, errors.Is(err, domain.ErrCancelled))
}

func TestScheduleRejectsForeignGraph(t *testing.T) {
	r, _ := newTestRegistry(newPool(3, 1))
	c, err := r.CreateOrGet("job1", "run")
	require.NoError(t, err)
	ctx, cancel := testContext()
	defer cancel()

	_, err = c.Schedule(ctx, senderReceiverGraph("job2", true))
	assert.True(t, errors.Is(err, domain.ErrInvalidJobGraph))
	_, err = c.Schedule(ctx, &domain.JobGraph{ID: "job1"})
	assert.True(t, errors.Is(err, domain.ErrInvalidJobGraph))
}

func TestMetricGroupTracksOpenJobs(t *testing.T) {
	pool := newPool(3, 1)
	r, reg := newTestRegistry(pool)
	root := r.MetricGroup()
	assert.Equal(t, "host1.jobmanager", root.ScopeName())

	c1, err := r.CreateOrGet("job1", "first")
	require.NoError(t, err)
	_, err = r.CreateOrGet("job2", "second")
	require.NoError(t, err)
	children := root.Children()
	require.Len(t, children, 2)
	assert.Equal(t, "first", children[0].Name())
	assert.Equal(t, "job1", children[0].Variables()["<job_id>"])
	assert.Equal(t, "host1", children[0].Variables()["<host>"])

	ctx, cancel := testContext()
	defer cancel()
	_, err = c1.Schedule(ctx, senderReceiverGraph("job1", true))
	require.NoError(t, err)
	stats.VerifyStats("scheduled", reg, t, map[string]stats.Rule{
		"host1/jobmanager/job1/" + stats.SchedPlacementsGauge:    {Checker: stats.Int64EqTest, Value: 6},
		"host1/jobmanager/job1/" + stats.SharingSharedSlotsGauge: {Checker: stats.Int64EqTest, Value: 3},
		"host1/jobmanager/job1/" + stats.ColocationAnchorsGauge:  {Checker: stats.Int64EqTest, Value: 3},
		"host1/jobmanager/" + stats.SchedJobScheduledCounter:     {Checker: stats.Int64EqTest, Value: 1},
	})

	r.CloseAndCleanup("job1")
	children = root.Children()
	require.Len(t, children, 1)
	assert.Equal(t, "second", children[0].Name())
	stats.VerifyStats("cleaned up", reg, t, map[string]stats.Rule{
		"host1/jobmanager/job1/" + stats.SchedPlacementsGauge:    {Checker: stats.DoesNotExistTest},
		"host1/jobmanager/job1/" + stats.SharingSharedSlotsGauge: {Checker: stats.DoesNotExistTest},
		"host1/jobmanager/" + stats.RegistryJobCleanedUpCounter:  {Checker: stats.Int64EqTest, Value: 1},
		"host1/jobmanager/" + stats.RegistryOpenJobsGauge:        {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestShutdown(t *testing.T) {
	pool := newPool(3, 1)
	r, _ := newTestRegistry(pool)
	c, err := r.CreateOrGet("job1", "run")
	require.NoError(t, err)
	ctx, cancel := testContext()
	defer cancel()
	_, err = c.Schedule(ctx, senderReceiverGraph("job1", true))
	require.NoError(t, err)

	r.Shutdown()
	r.Shutdown()
	assert.True(t, c.IsClosed())
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.MetricGroup().Children())
	assert.Equal(t, slotpool.PoolCounts{Free: 3, Total: 3}, pool.Counts())

	_, err = r.CreateOrGet("job2", "late")
	assert.True(t, errors.Is(err, domain.ErrClosedRegistry))
	r.CloseAndCleanup("job1")
}
