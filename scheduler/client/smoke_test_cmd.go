package client

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	exiterrors "github.com/dataflow/coord/common/errors"
	"github.com/dataflow/coord/scheduler/domain"
)

type smokeTestCmd struct {
	maxVertices    int
	maxParallelism int
	timeout        time.Duration
	seed           int64
}

func (c *smokeTestCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "run_smoke_test [num_jobs]",
		Short: "run random jobs concurrently and report how they were placed",
		Args:  cobra.MaximumNArgs(1),
	}
	r.Flags().IntVar(&c.maxVertices, "max_vertices", 4, "max number of vertices per job graph")
	r.Flags().IntVar(&c.maxParallelism, "max_parallelism", 3, "max parallelism per vertex")
	r.Flags().DurationVar(&c.timeout, "timeout", 10*time.Second, "how long each job may wait for its placements")
	r.Flags().Int64Var(&c.seed, "seed", 0, "seed of the random job graphs, 0 uses the current time")
	return r
}

type smokeTestResult struct {
	completed int
	timedOut  int
	failed    error
}

func (c *smokeTestCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	numJobs := 10
	if len(args) > 0 {
		var err error
		if numJobs, err = strconv.Atoi(args[0]); err != nil {
			return err
		}
	}
	if c.maxVertices < 1 || c.maxParallelism < 1 {
		return exiterrors.NewError(fmt.Errorf("--max_vertices and --max_parallelism must be positive"),
			exiterrors.ConfigFailureExitCode)
	}
	fmt.Fprintf(cl.out, "Starting Smoke Test with %d jobs\n", numJobs)

	seed := c.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	graphs := make([]*domain.JobGraph, numJobs)
	for i := range graphs {
		id, err := newJobID()
		if err != nil {
			return err
		}
		graphs[i] = domain.GenRandomJobGraph(c.maxVertices, c.maxParallelism, rng)
		graphs[i].ID = id
	}

	result, err := c.runJobs(cl, graphs)
	if err != nil {
		return exiterrors.NewError(err, exiterrors.ConfigFailureExitCode)
	}
	fmt.Fprintf(cl.out, "Completed: %d, timed out: %d\n", result.completed, result.timedOut)
	if result.failed != nil {
		return exiterrors.NewError(result.failed, exiterrors.SchedulingFailureExitCode)
	}
	return nil
}

func (c *smokeTestCmd) runJobs(cl *simpleCLIClient, graphs []*domain.JobGraph) (*smokeTestResult, error) {
	coord, err := cl.start()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	result := &smokeTestResult{}
	var wg sync.WaitGroup
	for _, graph := range graphs {
		wg.Add(1)
		go func(graph *domain.JobGraph) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()

			jc, placements, err := coord.SubmitJob(ctx, graph)
			if err == nil {
				err = completeJob(ctx, jc, placements)
			}
			if jc != nil {
				coord.CleanupJob(graph.ID)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.completed++
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrSlotRequestTimeout):
				log.Infof("Job %s timed out: %v", graph.ID, err)
				result.timedOut++
			default:
				result.failed = multierr.Append(result.failed, err)
			}
		}(graph)
	}
	wg.Wait()
	return result, nil
}
