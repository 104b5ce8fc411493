package server

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"
	"github.com/luci/go-render/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

func scheduleGraph(t *testing.T, g *domain.JobGraph, pool *slotpool.SlotPool) (*JobScheduler, []domain.Placement) {
	t.Helper()
	s, err := NewJobScheduler(g, pool, testTimeout, nil, nil)
	require.NoError(t, err)
	ctx, cancel := testContext()
	defer cancel()
	placements, err := s.Schedule(ctx)
	require.NoError(t, err)
	return s, placements
}

func runToCompletion(t *testing.T, s *JobScheduler, placements []domain.Placement) {
	t.Helper()
	for _, p := range placements {
		require.NoError(t, s.MarkRunning(p.Subtask))
	}
	for _, p := range placements {
		require.NoError(t, s.MarkCompleted(p.Subtask))
	}
}

// Scenario: co-located sender/receiver on 3 workers with one slot each.
func TestColocatedSenderReceiver(t *testing.T) {
	pool := newPool(3, 1)
	s, placements := scheduleGraph(t, senderReceiverGraph("job1", true), pool)

	require.Len(t, placements, 6, render.Render(placements))
	assert.Len(t, distinctSlots(placements), 3)
	bySubtask := slotsBySubtask(placements)
	for i := 0; i < 3; i++ {
		sender := bySubtask[domain.SubtaskID{Vertex: "sender", Index: i}]
		receiver := bySubtask[domain.SubtaskID{Vertex: "receiver", Index: i}]
		assert.Equal(t, sender, receiver, "subtask %d", i)
		assert.Equal(t, cluster.NewSlot(fmt.Sprintf("worker%d", i+1), fmt.Sprintf("worker%d/slot1", i+1)), sender)
	}
	assert.Equal(t, slotpool.PoolCounts{Allocated: 3, Total: 3}, pool.Counts())

	runToCompletion(t, s, placements)
	v, err := awaitResult(t, s.Result())
	require.NoError(t, err)
	assert.Equal(t, placements, v)
}

// Scenario: without co-location the job still fits in 3 shared slots.
func TestSharedSenderReceiverWithoutColocation(t *testing.T) {
	pool := newPool(3, 1)
	s, placements := scheduleGraph(t, senderReceiverGraph("job1", false), pool)

	require.Len(t, placements, 6)
	slots := distinctSlots(placements)
	assert.Len(t, slots, 3)
	for slot, subtasks := range slots {
		require.Len(t, subtasks, 2, "slot %s", slot)
		assert.NotEqual(t, subtasks[0].Vertex, subtasks[1].Vertex, "slot %s", slot)
	}
	runToCompletion(t, s, placements)
	_, err := awaitResult(t, s.Result())
	assert.NoError(t, err)
}

func TestPlacementIsDeterministic(t *testing.T) {
	_, first := scheduleGraph(t, senderReceiverGraph("job1", true), newPool(3, 1))
	for i := 0; i < 5; i++ {
		_, again := scheduleGraph(t, senderReceiverGraph("job1", true), newPool(3, 1))
		assert.Equal(t, first, again)
	}
}

func TestExclusiveVerticesUseOwnSlots(t *testing.T) {
	pool := newPool(2, 2)
	g := &domain.JobGraph{ID: "job1", Vertices: []domain.ExecutionVertex{
		{ID: "source", Parallelism: 2},
		{ID: "sink", Parallelism: 2, Inputs: []domain.VertexID{"source"}},
	}}
	_, placements := scheduleGraph(t, g, pool)
	assert.Len(t, distinctSlots(placements), 4)
	assert.Equal(t, slotpool.PoolCounts{Allocated: 4, Total: 4}, pool.Counts())
}

// Scenario: a worker withdraws a slot of running subtasks.
func TestSlotLossFailsSubtasksOnce(t *testing.T) {
	reg := stats.NewFinagleStatsRegistry()
	pool := newPool(3, 1)
	s, err := NewJobScheduler(senderReceiverGraph("job1", true), pool, testTimeout,
		stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return reg }), nil)
	require.NoError(t, err)
	ctx, cancel := testContext()
	defer cancel()
	placements, err := s.Schedule(ctx)
	require.NoError(t, err)
	for _, p := range placements {
		require.NoError(t, s.MarkRunning(p.Subtask))
	}

	var reports int32
	s.Result().OnComplete(func(_ interface{}, err error) {
		if err != nil {
			atomic.AddInt32(&reports, 1)
		}
	})

	lost := slotsBySubtask(placements)[domain.SubtaskID{Vertex: "sender", Index: 1}]
	pool.Withdraw(lost.Worker, lost.Id)

	for _, v := range []domain.VertexID{"sender", "receiver"} {
		status, ok := s.Status(domain.SubtaskID{Vertex: v, Index: 1})
		assert.True(t, ok)
		assert.Equal(t, domain.Failed, status)
		status, _ = s.Status(domain.SubtaskID{Vertex: v, Index: 0})
		assert.Equal(t, domain.Running, status)
	}
	remaining := s.Placements()
	assert.Len(t, remaining, 4)
	for _, p := range remaining {
		assert.NotEqual(t, lost.Id, p.Slot.Id)
	}

	_, err = awaitResult(t, s.Result())
	assert.True(t, errors.Is(err, domain.ErrSlotLost))

	// a second loss is not reported again
	other := slotsBySubtask(placements)[domain.SubtaskID{Vertex: "sender", Index: 2}]
	pool.Withdraw(other.Worker, other.Id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reports))
	stats.VerifyStats("slot lost", reg, t, map[string]stats.Rule{
		stats.SchedSubtaskFailedCounter: {Checker: stats.Int64EqTest, Value: 4},
		stats.SchedPlacementsGauge:      {Checker: stats.Int64EqTest, Value: 2},
	})

	// the job is cleaned up without touching the withdrawn slots
	s.Cancel()
	assert.Equal(t, slotpool.PoolCounts{Free: 1, Total: 1}, pool.Counts())
	status, _ := s.Status(domain.SubtaskID{Vertex: "sender", Index: 1})
	assert.Equal(t, domain.SlotReleased, status)
}

// Scenario: a finished job still holds its slot when the worker withdraws it and
// offers it again, under the same id, to the next job.
func TestCleanupOfFinishedJobLeavesReofferedSlotAlone(t *testing.T) {
	graph := func(id domain.JobID, sharingGroup, colocGroup string) *domain.JobGraph {
		return &domain.JobGraph{
			ID: id,
			Vertices: []domain.ExecutionVertex{
				{ID: "sender", Parallelism: 1, SlotSharingGroup: sharingGroup, CoLocationGroup: colocGroup},
				{ID: "receiver", Parallelism: 1, Inputs: []domain.VertexID{"sender"}, SlotSharingGroup: sharingGroup, CoLocationGroup: colocGroup},
			},
			SlotRequestTimeout: 30 * time.Millisecond,
		}
	}
	for _, tc := range []struct {
		name         string
		sharingGroup string
		colocGroup   string
		slots        int
	}{
		{"exclusive", "", "", 2},
		{"shared", "default", "", 1},
		{"colocated", "default", "pipeline", 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pool := newPool(tc.slots, 1)
			a, placements := scheduleGraph(t, graph("a", tc.sharingGroup, tc.colocGroup), pool)
			runToCompletion(t, a, placements)
			_, err := awaitResult(t, a.Result())
			require.NoError(t, err)

			for _, slot := range distinctSlotList(placements) {
				pool.Withdraw(slot.Worker, slot.Id)
				pool.Offer(slot.Worker, slot.Id)
			}
			status, _ := a.Status(placements[0].Subtask)
			assert.Equal(t, domain.Completed, status)

			b, bPlacements := scheduleGraph(t, graph("b", tc.sharingGroup, tc.colocGroup), pool)
			assert.Equal(t, slotsBySubtask(placements), slotsBySubtask(bPlacements))
			held := slotpool.PoolCounts{Allocated: tc.slots, Total: tc.slots}
			assert.Equal(t, held, pool.Counts())

			a.Cancel()
			assert.Equal(t, held, pool.Counts())

			// the slots are still taken by b
			c, err := NewJobScheduler(graph("c", tc.sharingGroup, tc.colocGroup), pool, testTimeout, nil, nil)
			require.NoError(t, err)
			ctx, cancel := testContext()
			defer cancel()
			_, err = c.Schedule(ctx)
			assert.True(t, errors.Is(err, domain.ErrSlotRequestTimeout))
			assert.Equal(t, held, pool.Counts())

			b.Cancel()
			assert.Equal(t, slotpool.PoolCounts{Free: tc.slots, Total: tc.slots}, pool.Counts())
		})
	}
}

func TestScheduleTimeoutReleasesAcquiredSlots(t *testing.T) {
	pool := newPool(1, 1)
	g := &domain.JobGraph{
		ID:                 "job1",
		Vertices:           []domain.ExecutionVertex{{ID: "map", Parallelism: 2}},
		SlotRequestTimeout: 30 * time.Millisecond,
	}
	s, err := NewJobScheduler(g, pool, testTimeout, nil, nil)
	require.NoError(t, err)
	ctx, cancel := testContext()
	defer cancel()
	_, err = s.Schedule(ctx)
	assert.True(t, errors.Is(err, domain.ErrSlotRequestTimeout))
	assert.Equal(t, slotpool.PoolCounts{Free: 1, Total: 1}, pool.Counts())
	assert.Empty(t, s.Placements())

	status, _ := s.Status(domain.SubtaskID{Vertex: "map", Index: 0})
	assert.Equal(t, domain.SlotReleased, status)
	_, err = awaitResult(t, s.Result())
	assert.True(t, errors.Is(err, domain.ErrSlotRequestTimeout))

	_, err = s.Schedule(ctx)
	assert.Error(t, err)
}

func TestCancelWhilePending(t *testing.T) {
	pool := newPool(0, 0)
	s, err := NewJobScheduler(senderReceiverGraph("job1", true), pool, time.Minute, nil, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := testContext()
		defer cancel()
		_, err := s.Schedule(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return pool.Counts().Pending == 3 }, testTimeout, time.Millisecond)

	s.Cancel()
	s.Cancel()
	assert.True(t, errors.Is(<-errCh, domain.ErrCancelled))
	assert.Equal(t, slotpool.PoolCounts{}, pool.Counts())

	// capacity arriving later stays free
	pool.Offer("w1", "s1")
	assert.Equal(t, slotpool.PoolCounts{Free: 1, Total: 1}, pool.Counts())
	_, err = awaitResult(t, s.Result())
	assert.True(t, errors.Is(err, domain.ErrCancelled))
}

func TestPendingRequestsCompleteWhenSlotsArrive(t *testing.T) {
	pool := newPool(0, 0)
	s, err := NewJobScheduler(senderReceiverGraph("job1", true), pool, time.Minute, nil, nil)
	require.NoError(t, err)

	type result struct {
		placements []domain.Placement
		err        error
	}
	resultCh := make(chan result, 1)
	go func() {
		ctx, cancel := testContext()
		defer cancel()
		placements, err := s.Schedule(ctx)
		resultCh <- result{placements, err}
	}()
	require.Eventually(t, func() bool { return pool.Counts().Pending == 3 }, testTimeout, time.Millisecond)
	pool.ApplyUpdates(cluster.NewOffers(cluster.NewSlots(3, 1)...))

	r := <-resultCh
	require.NoError(t, r.err)
	assert.Len(t, distinctSlots(r.placements), 3)
}

func TestMarkFailedReleasesSlot(t *testing.T) {
	pool := newPool(1, 1)
	g := &domain.JobGraph{ID: "job1", Vertices: []domain.ExecutionVertex{{ID: "map", Parallelism: 1}}}
	s, placements := scheduleGraph(t, g, pool)
	id := placements[0].Subtask

	assert.Error(t, s.MarkCompleted(id), "not running yet")
	assert.Error(t, s.MarkRunning(domain.SubtaskID{Vertex: "unknown"}))
	require.NoError(t, s.MarkRunning(id))
	require.NoError(t, s.MarkFailed(id, errors.New("user code threw")))
	assert.Error(t, s.MarkFailed(id, errors.New("again")))

	status, _ := s.Status(id)
	assert.Equal(t, domain.SlotReleased, status)
	assert.Equal(t, slotpool.PoolCounts{Free: 1, Total: 1}, pool.Counts())
	_, err := awaitResult(t, s.Result())
	assert.Contains(t, err.Error(), "user code threw")
}

func TestInvalidGraphIsRejected(t *testing.T) {
	g := senderReceiverGraph("job1", true)
	g.Vertices[1].Parallelism = 2
	_, err := NewJobScheduler(g, newPool(1, 1), testTimeout, nil, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidJobGraph))
}

// Generated graphs scheduled on exactly as many slots as they need honor
// co-location and never put two subtasks of one vertex in a slot.
func TestPlacementProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("placements honor constraints", prop.ForAll(
		func(g *domain.JobGraph) bool {
			required := g.RequiredSlots()
			pool := newPool(required, 1)
			s, err := NewJobScheduler(g, pool, testTimeout, nil, nil)
			if err != nil {
				return false
			}
			ctx, cancel := testContext()
			defer cancel()
			placements, err := s.Schedule(ctx)
			if err != nil || len(placements) != g.NumSubtasks() {
				return false
			}

			slots := distinctSlots(placements)
			if len(slots) != required {
				return false
			}
			for _, subtasks := range slots {
				seen := map[domain.VertexID]bool{}
				for _, st := range subtasks {
					if seen[st.Vertex] {
						return false
					}
					seen[st.Vertex] = true
				}
			}

			bySubtask := slotsBySubtask(placements)
			for _, group := range g.CoLocationGroups() {
				first, _ := g.Vertex(group.Members[0])
				for i := 0; i < first.Parallelism; i++ {
					anchor := bySubtask[domain.SubtaskID{Vertex: first.ID, Index: i}]
					for _, member := range group.Members[1:] {
						if bySubtask[domain.SubtaskID{Vertex: member, Index: i}] != anchor {
							return false
						}
					}
				}
			}

			c := pool.Counts()
			if c.Allocated != required || c.Free+c.Reserved+c.Allocated != c.Total {
				return false
			}
			s.Cancel()
			return pool.Counts() == slotpool.PoolCounts{Free: required, Total: required}
		},
		domain.GopterGenJobGraph(5, 4),
	))

	properties.TestingRun(t)
}
