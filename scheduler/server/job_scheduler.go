package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/async"
	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/colocation"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/sharing"
	"github.com/dataflow/coord/scheduler/slotpool"
)

// JobScheduler places the subtasks of one job graph and tracks them until the
// job is cleaned up. Each subtask's slot is requested through the co-location
// resolver if its vertex is co-located, else through the slot sharing manager
// if its vertex shares slots, else directly from the slot pool.
//
// Requests are issued in (topological position, subtask index) order, so the
// same graph and the same sequence of slot offers always yield the same placements.
type JobScheduler struct {
	mu        sync.Mutex
	graph     *domain.JobGraph
	subtasks  []*subtaskState // in request order
	byID      map[domain.SubtaskID]*subtaskState
	scheduled bool
	cancelled bool
	completed int

	pool    *slotpool.SlotPool
	sharing *sharing.Manager
	coloc   *colocation.Resolver
	timeout time.Duration
	result  *async.Promise

	jobStat stats.StatsReceiver // removed with the job
	stat    stats.StatsReceiver
}

// Validates graph and prepares its subtasks. Slot requests wait up to the graph's
// SlotRequestTimeout, or defaultTimeout when unset.
func NewJobScheduler(graph *domain.JobGraph, pool *slotpool.SlotPool, defaultTimeout time.Duration,
	jobStat stats.StatsReceiver, stat stats.StatsReceiver) (*JobScheduler, error) {
	if err := domain.ValidateJobGraph(graph); err != nil {
		return nil, err
	}
	order, err := graph.TopologicalOrder()
	if err != nil {
		return nil, errors.Wrap(domain.ErrInvalidJobGraph, err.Error())
	}
	if jobStat == nil {
		jobStat = stats.NilStatsReceiver()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	s := &JobScheduler{
		graph:   graph,
		byID:    map[domain.SubtaskID]*subtaskState{},
		pool:    pool,
		timeout: graph.SlotRequestTimeout,
		result:  async.NewPromise(),
		jobStat: jobStat,
		stat:    stat,
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	s.sharing = sharing.NewManager(graph.ID, pool, s.timeout, s.slotLost, jobStat)
	s.coloc = colocation.NewResolver(graph.ID, jobStat)
	for i := range order {
		v := &order[i]
		for index := 0; index < v.Parallelism; index++ {
			st := newSubtaskState(v, index)
			s.subtasks = append(s.subtasks, st)
			s.byID[st.ID] = st
		}
	}
	return s, nil
}

// Schedule obtains a slot for every subtask and returns the placements in
// request order. Any failure aborts the whole attempt: slots acquired so far are
// released and the failure is reported through Result. Schedule may only be
// called once.
func (s *JobScheduler) Schedule(ctx context.Context) ([]domain.Placement, error) {
	s.mu.Lock()
	if s.scheduled {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %s is already scheduled", s.graph.ID)
	}
	s.scheduled = true
	s.mu.Unlock()

	defer s.stat.Latency(stats.SchedScheduleJobLatency_ms).Time().Stop()
	log.WithFields(log.Fields{"jobID": s.graph.ID}).Infof("Scheduling %d subtasks of %s", len(s.subtasks), s.graph)

	for _, st := range s.subtasks {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return nil, s.abort(errors.Wrapf(domain.ErrCancelled, "job %s closed while scheduling", s.graph.ID))
		}
		st.Status = domain.SlotRequested
		s.mu.Unlock()

		future := s.request(st)

		s.mu.Lock()
		st.future = future
		released := st.Status == domain.SlotReleased
		cancelled := s.cancelled
		s.mu.Unlock()
		if released {
			// Cancel ran before the request was recorded.
			s.giveBack(st, future)
		}
		if cancelled {
			return nil, s.abort(errors.Wrapf(domain.ErrCancelled, "job %s closed while scheduling", s.graph.ID))
		}
		// Graph defects are reported immediately instead of after awaiting earlier requests.
		if done, _, err := future.TryGet(); done && err != nil &&
			(errors.Is(err, domain.ErrDuplicateVertexInShare) || errors.Is(err, domain.ErrConstraintViolation)) {
			return nil, s.abort(err)
		}
	}

	for _, st := range s.subtasks {
		lease, err := st.future.AwaitLease(ctx)
		if err != nil {
			return nil, s.abort(errors.Wrapf(err, "subtask %s of job %s", st.ID, s.graph.ID))
		}
		s.mu.Lock()
		if st.Status != domain.SlotRequested {
			s.mu.Unlock()
			return nil, s.abort(errors.Wrapf(domain.ErrCancelled, "subtask %s of job %s", st.ID, s.graph.ID))
		}
		st.Status = domain.SlotAssigned
		st.Slot = lease.Slot
		st.lease = lease
		st.HasSlot = true
		s.mu.Unlock()

		if err := s.pool.MarkAllocated(lease); err != nil {
			return nil, s.abort(errors.Wrapf(err, "subtask %s of job %s", st.ID, s.graph.ID))
		}
		st.tags(s.graph.ID).Entry().Debugf("Subtask assigned to %s", lease)
	}

	s.mu.Lock()
	for _, st := range s.subtasks {
		if !st.placed() {
			err := st.Err
			if err == nil {
				err = errors.Wrapf(domain.ErrCancelled, "subtask %s is %s", st.ID, st.Status)
			}
			s.mu.Unlock()
			return nil, s.abort(err)
		}
	}
	placements := s.placementsLocked()
	s.mu.Unlock()

	s.jobStat.Gauge(stats.SchedPlacementsGauge).Update(int64(len(placements)))
	s.stat.Counter(stats.SchedJobScheduledCounter).Inc(1)
	log.WithFields(log.Fields{"jobID": s.graph.ID}).Infof("Scheduled %d subtasks", len(placements))
	return placements, nil
}

// MarkRunning records that an assigned subtask was deployed.
func (s *JobScheduler) MarkRunning(id domain.SubtaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.transitionLocked(id, domain.SlotAssigned)
	if err != nil {
		return err
	}
	st.Status = domain.Running
	return nil
}

// MarkCompleted records that a running subtask finished. The job result succeeds
// with the placements once every subtask completed.
func (s *JobScheduler) MarkCompleted(id domain.SubtaskID) error {
	s.mu.Lock()
	st, err := s.transitionLocked(id, domain.Running)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	st.Status = domain.Completed
	s.completed++
	var placements []domain.Placement
	if s.completed == len(s.subtasks) {
		placements = s.placementsLocked()
	}
	s.mu.Unlock()

	if placements != nil {
		log.WithFields(log.Fields{"jobID": s.graph.ID}).Info("All subtasks completed")
		s.result.Complete(placements)
	}
	return nil
}

// MarkFailed records that an assigned or running subtask failed. Its slot is
// released and the failure is reported through Result. There is no retry.
func (s *JobScheduler) MarkFailed(id domain.SubtaskID, cause error) error {
	s.mu.Lock()
	st, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown subtask %s of job %s", id, s.graph.ID)
	}
	if st.Status != domain.SlotAssigned && st.Status != domain.Running {
		s.mu.Unlock()
		return fmt.Errorf("subtask %s of job %s cannot fail while %s", id, s.graph.ID, st.Status)
	}
	st.Status = domain.Failed
	st.Err = errors.Wrapf(cause, "subtask %s of job %s", id, s.graph.ID)
	failure := st.Err
	s.mu.Unlock()

	s.jobStat.Counter(stats.SchedSubtaskFailedCounter).Inc(1)
	st.tags(s.graph.ID).Entry().Infof("Subtask failed: %v", cause)
	s.release(st)
	s.result.Fail(failure)
	return nil
}

// Placements returns the currently valid placements in request order.
func (s *JobScheduler) Placements() []domain.Placement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placementsLocked()
}

// Status returns the state of a subtask.
func (s *JobScheduler) Status(id domain.SubtaskID) (domain.SubtaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byID[id]; ok {
		return st.Status, true
	}
	return domain.Pending, false
}

// Result completes exactly once: with the []domain.Placement of the job when every
// subtask completed, or with the first failure (scheduling failure, failed
// subtask, lost slot or cancellation).
func (s *JobScheduler) Result() *async.Promise {
	return s.result
}

// Cancel fails pending requests with ErrCancelled and releases every slot held
// by the job. Every subtask ends in SlotReleased. Idempotent.
func (s *JobScheduler) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()

	s.releaseAll()
	s.result.Fail(errors.Wrapf(domain.ErrCancelled, "job %s", s.graph.ID))
}

func (s *JobScheduler) request(st *subtaskState) *slotpool.SlotFuture {
	v, index := st.Vertex, st.ID.Index
	if st.path == colocatedPath {
		return s.coloc.Bind(v.CoLocationGroup, index, v.ID, func() (*slotpool.SlotFuture, func()) {
			return s.requestSlot(st)
		})
	}
	future, _ := s.requestSlot(st)
	return future
}

// Requests a shared or exclusive slot for st, returning the function to give it back.
func (s *JobScheduler) requestSlot(st *subtaskState) (*slotpool.SlotFuture, func()) {
	v, index := st.Vertex, st.ID.Index
	if v.SlotSharingGroup != "" {
		return s.sharing.RequestShared(v.SlotSharingGroup, v.ID, index), func() {
			s.sharing.Release(v.SlotSharingGroup, v.ID, index)
		}
	}
	future := s.pool.RequestExclusive(slotpool.SlotRequest{
		Job:     s.graph.ID,
		Owner:   st.ID.String(),
		Timeout: s.timeout,
		OnLost:  s.slotLost,
	})
	return future, func() { future.CancelOrRelease(s.pool.Release) }
}

// Gives back whatever st holds or waits for. The subtask ends in SlotReleased.
func (s *JobScheduler) release(st *subtaskState) {
	s.mu.Lock()
	if st.Status == domain.SlotReleased {
		s.mu.Unlock()
		return
	}
	st.Status = domain.SlotReleased
	future := st.future
	lost := st.lost
	s.mu.Unlock()
	if future == nil || lost {
		return
	}
	s.giveBack(st, future)
}

// Returns the slot of st, or withdraws its request, along the path it was obtained.
func (s *JobScheduler) giveBack(st *subtaskState, future *slotpool.SlotFuture) {
	v, index := st.Vertex, st.ID.Index
	switch st.path {
	case colocatedPath:
		s.coloc.Release(v.CoLocationGroup, index, v.ID)
	case sharedPath:
		s.sharing.Release(v.SlotSharingGroup, v.ID, index)
	default:
		future.CancelOrRelease(s.pool.Release)
	}
}

func (s *JobScheduler) releaseAll() {
	for _, st := range s.subtasks {
		s.release(st)
	}
	s.jobStat.Gauge(stats.SchedPlacementsGauge).Update(0)
}

func (s *JobScheduler) abort(err error) error {
	log.WithFields(log.Fields{"jobID": s.graph.ID}).Infof("Scheduling failed: %v", err)
	s.stat.Counter(stats.SchedJobScheduleFailureCounter).Inc(1)
	s.releaseAll()
	s.result.Fail(err)
	return err
}

// slotLost fails every assigned or running subtask placed under lease and
// reports the failure once. Completed subtasks keep their placement but no
// longer give the slot back. Called by the slot pool when a worker withdraws a
// slot held by this job.
func (s *JobScheduler) slotLost(lease slotpool.Lease) {
	s.sharing.Forget(lease)
	s.coloc.Forget(lease)

	lostErr := errors.Wrapf(domain.ErrSlotLost, "slot %s of job %s", lease.Slot, s.graph.ID)
	s.mu.Lock()
	failed := []*subtaskState{}
	for _, st := range s.subtasks {
		if !st.HasSlot || st.lease != lease {
			continue
		}
		st.lost = true
		if st.Status == domain.SlotAssigned || st.Status == domain.Running {
			st.Status = domain.Failed
			st.HasSlot = false
			st.Err = lostErr
			failed = append(failed, st)
		}
	}
	placements := len(s.placementsLocked())
	s.mu.Unlock()

	if len(failed) == 0 {
		return
	}
	for _, st := range failed {
		st.tags(s.graph.ID).Entry().Infof("Subtask failed, lost slot %s", lease.Slot)
	}
	s.jobStat.Counter(stats.SchedSubtaskFailedCounter).Inc(int64(len(failed)))
	s.jobStat.Gauge(stats.SchedPlacementsGauge).Update(int64(placements))
	s.result.Fail(lostErr)
}

// Validates that id exists and is in state from. Called with s.mu held.
func (s *JobScheduler) transitionLocked(id domain.SubtaskID, from domain.SubtaskStatus) (*subtaskState, error) {
	st, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown subtask %s of job %s", id, s.graph.ID)
	}
	if st.Status != from {
		return nil, fmt.Errorf("subtask %s of job %s is %s, expected %s", id, s.graph.ID, st.Status, from)
	}
	return st, nil
}

func (s *JobScheduler) placementsLocked() []domain.Placement {
	placements := []domain.Placement{}
	for _, st := range s.subtasks {
		if st.placed() {
			placements = append(placements, domain.Placement{Subtask: st.ID, Slot: st.Slot})
		}
	}
	return placements
}
