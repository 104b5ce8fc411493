package server

import (
	"context"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/common/log/hooks"
	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

const (
	// Provide defaults for config settings that should never be uninitialized/zero.

	// Slot requests give up after this long unless the job graph says otherwise.
	DefaultSlotRequestTimeout = 5 * time.Minute

	// Host variable of the metric group tree when none is configured.
	DefaultHostname = "localhost"
)

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("COORD_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		log.SetLevel(log.ErrorLevel)
	}
}

// SchedulerConfiguration variables read at initialization
// DefaultSlotRequestTimeout -
//
//	how long a slot request may wait for capacity when the job graph sets no timeout.
//
// Hostname -
//
//	value of the <host> variable of the metric group tree.
type SchedulerConfiguration struct {
	DefaultSlotRequestTimeout time.Duration
	Hostname                  string
}

func (c SchedulerConfiguration) withDefaults() SchedulerConfiguration {
	if c.DefaultSlotRequestTimeout <= 0 {
		c.DefaultSlotRequestTimeout = DefaultSlotRequestTimeout
	}
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	return c
}

// Coordinator hosts the slot pool and the job registry. Worker slot updates
// arrive on a channel and are applied to the pool by a single goroutine, in
// the order the workers reported them.
type Coordinator struct {
	pool      *slotpool.SlotPool
	registry  *JobRegistry
	updatesCh chan []cluster.SlotUpdate
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewCoordinator starts consuming updatesCh. It stops when updatesCh is closed
// or on Close.
func NewCoordinator(updatesCh chan []cluster.SlotUpdate, config SchedulerConfiguration, stat stats.StatsReceiver) *Coordinator {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	config = config.withDefaults()
	pool := slotpool.NewSlotPool(config.DefaultSlotRequestTimeout, stat.Scope(config.Hostname, "slotpool"))
	c := &Coordinator{
		pool:      pool,
		registry:  NewJobRegistry(pool, config, stat, config.Hostname),
		updatesCh: updatesCh,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.doneCh)
	for {
		select {
		case updates, ok := <-c.updatesCh:
			if !ok {
				log.Info("Slot update channel closed")
				return
			}
			c.pool.ApplyUpdates(updates)
		case <-c.stopCh:
			return
		}
	}
}

// SubmitJob creates or gets the context of graph.ID and schedules graph on it.
// The context is returned even when scheduling fails, so the caller can clean it up.
func (c *Coordinator) SubmitJob(ctx context.Context, graph *domain.JobGraph) (*JobContext, []domain.Placement, error) {
	if graph == nil {
		return nil, nil, domain.ValidateJobGraph(graph)
	}
	jc, err := c.registry.CreateOrGet(graph.ID, graph.Name)
	if err != nil {
		return nil, nil, err
	}
	placements, err := jc.Schedule(ctx, graph)
	return jc, placements, err
}

// CleanupJob closes the job and releases its slots. Never fails.
func (c *Coordinator) CleanupJob(id domain.JobID) {
	c.registry.CloseAndCleanup(id)
}

func (c *Coordinator) Pool() *slotpool.SlotPool {
	return c.pool
}

func (c *Coordinator) Registry() *JobRegistry {
	return c.registry
}

// Close stops consuming slot updates and shuts the registry down.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		c.registry.Shutdown()
	})
}
