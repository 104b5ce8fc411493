package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/common/stats/groups"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

// JobRegistry maps job ids to their open JobContext. All mutation of the map
// happens in one critical section, independent of the slot pool's.
type JobRegistry struct {
	mu     sync.Mutex
	jobs   map[domain.JobID]*JobContext
	closed bool

	pool   *slotpool.SlotPool
	config SchedulerConfiguration
	group  *groups.Group
	stat   stats.StatsReceiver
}

// NewJobRegistry creates a registry handing out slots from pool. Job metric groups
// hang below a job manager group for hostname.
func NewJobRegistry(pool *slotpool.SlotPool, config SchedulerConfiguration, stat stats.StatsReceiver, hostname string) *JobRegistry {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	group := groups.NewJobManagerGroup(hostname, stat)
	return &JobRegistry{
		jobs:   map[domain.JobID]*JobContext{},
		pool:   pool,
		config: config,
		group:  group,
		stat:   group.Stats(),
	}
}

// CreateOrGet returns the open context of id, or installs a fresh one. A closed
// context left under id is replaced, its state is never reused. Fails with
// ErrClosedRegistry after Shutdown.
func (r *JobRegistry) CreateOrGet(id domain.JobID, name string) (*JobContext, error) {
	if id == "" {
		return nil, fmt.Errorf("job id must be set")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Wrapf(domain.ErrClosedRegistry, "job %s", id)
	}
	if c, ok := r.jobs[id]; ok {
		if !c.IsClosed() {
			return c, nil
		}
		log.WithFields(log.Fields{"jobID": id}).Info("Replacing closed job context")
	}

	group, err := r.group.AddJob(string(id), name)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrClosedRegistry, "job %s: %v", id, err)
	}
	c := newJobContext(id, name, group, r.pool, r.config, r.stat)
	r.jobs[id] = c
	r.stat.Counter(stats.RegistryJobCreatedCounter).Inc(1)
	r.updateGauge()
	log.WithFields(log.Fields{"jobID": id}).Infof("Created job context %q", name)
	return c, nil
}

// CloseAndCleanup removes the context of id and releases everything it owns.
// Unknown or empty ids are ignored, so it never fails and may be repeated.
func (r *JobRegistry) CloseAndCleanup(id domain.JobID) {
	if id == "" {
		return
	}
	r.mu.Lock()
	c, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
		r.updateGauge()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.Close()
	r.stat.Counter(stats.RegistryJobCleanedUpCounter).Inc(1)
}

// Count returns the number of open contexts.
func (r *JobRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

// Get returns the context registered under id, which may be closed if it was
// closed directly rather than through the registry.
func (r *JobRegistry) Get(id domain.JobID) (*JobContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.jobs[id]
	return c, ok
}

// Jobs returns the ids of the registered contexts, sorted.
func (r *JobRegistry) Jobs() []domain.JobID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.JobID, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown closes every context and rejects further CreateOrGet calls. Idempotent.
func (r *JobRegistry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	jobs := r.jobs
	r.jobs = map[domain.JobID]*JobContext{}
	r.updateGauge()
	r.mu.Unlock()

	for id, c := range jobs {
		c.Close()
		// Nothing can register id anymore, sweep whatever is left.
		r.pool.ReleaseJob(id)
	}
	r.group.Close()
	log.Infof("Job registry shut down, closed %d jobs", len(jobs))
}

// MetricGroup is the root of the metric group tree, holding one child per open job.
func (r *JobRegistry) MetricGroup() *groups.Group {
	return r.group
}

func (r *JobRegistry) countLocked() int {
	n := 0
	for _, c := range r.jobs {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

func (r *JobRegistry) updateGauge() {
	r.stat.Gauge(stats.RegistryOpenJobsGauge).Update(int64(r.countLocked()))
}
