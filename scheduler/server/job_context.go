package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/common/stats/groups"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

// JobContext is the coordinator side state of one job run: its identity, its
// metric group and, once scheduling started, its JobScheduler. It is owned by the
// JobRegistry and closed exactly once.
type JobContext struct {
	ID   domain.JobID
	Name string

	mu        sync.Mutex
	closed    bool
	group     *groups.Group
	scheduler *JobScheduler

	pool   *slotpool.SlotPool
	config SchedulerConfiguration
	stat   stats.StatsReceiver
}

func newJobContext(id domain.JobID, name string, group *groups.Group, pool *slotpool.SlotPool,
	config SchedulerConfiguration, stat stats.StatsReceiver) *JobContext {
	return &JobContext{
		ID:     id,
		Name:   name,
		group:  group,
		pool:   pool,
		config: config,
		stat:   stat,
	}
}

// Schedule places every subtask of graph, see JobScheduler.Schedule. A context
// schedules one graph, whose id must match the context.
func (c *JobContext) Schedule(ctx context.Context, graph *domain.JobGraph) ([]domain.Placement, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrCancelled, "job %s is closed", c.ID)
	}
	if c.scheduler != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("job %s is already scheduling", c.ID)
	}
	if graph != nil && graph.ID != c.ID {
		c.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrInvalidJobGraph, "graph of job %s submitted to job %s", graph.ID, c.ID)
	}
	s, err := NewJobScheduler(graph, c.pool, c.config.DefaultSlotRequestTimeout, c.group.Stats(), c.stat)
	if err != nil {
		c.mu.Unlock()
		c.stat.Counter(stats.SchedJobScheduleFailureCounter).Inc(1)
		return nil, err
	}
	c.scheduler = s
	c.mu.Unlock()

	return s.Schedule(ctx)
}

// Scheduler returns the job's scheduler once Schedule was called.
func (c *JobContext) Scheduler() (*JobScheduler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler, c.scheduler != nil
}

func (c *JobContext) MetricGroup() *groups.Group {
	return c.group
}

func (c *JobContext) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels pending slot requests, releases every slot of the job and prunes
// its metric group. Idempotent.
func (c *JobContext) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	s := c.scheduler
	c.mu.Unlock()

	if s != nil {
		s.Cancel()
	}
	c.group.Close()
	log.WithFields(log.Fields{"jobID": c.ID}).Info("Job context closed")
}

func (c *JobContext) String() string {
	return fmt.Sprintf("{job:%s, name:%s, closed:%t}", c.ID, c.Name, c.IsClosed())
}
