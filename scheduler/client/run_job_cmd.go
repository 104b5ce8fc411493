package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/luci/go-render/render"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	exiterrors "github.com/dataflow/coord/common/errors"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/server"
)

type runJobCmd struct {
	parallelism   int
	colocate      bool
	random        bool
	seed          int64
	maxVertices   int
	timeout       time.Duration
	complete      bool
	printStats    bool
	prettyPrinted bool
}

func (c *runJobCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "run_job",
		Short: "schedule a Sender -> Receiver job, or a random job graph, and print its placements",
	}
	r.Flags().IntVar(&c.parallelism, "parallelism", 3, "parallelism of the Sender and Receiver vertices")
	r.Flags().BoolVar(&c.colocate, "colocate", false, "co-locate Receiver subtasks with their Sender")
	r.Flags().BoolVar(&c.random, "random", false, "schedule a random job graph instead")
	r.Flags().Int64Var(&c.seed, "seed", 0, "seed of the random job graph, 0 uses the current time")
	r.Flags().IntVar(&c.maxVertices, "max_vertices", 5, "max number of vertices of the random job graph")
	r.Flags().DurationVar(&c.timeout, "timeout", time.Minute, "how long to wait for all placements")
	r.Flags().BoolVar(&c.complete, "complete", true, "run every subtask to completion before cleaning up")
	r.Flags().BoolVar(&c.printStats, "stats", false, "print coordinator stats before exiting")
	r.Flags().BoolVar(&c.prettyPrinted, "pretty", true, "pretty print the stats")
	return r
}

func (c *runJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	coord, err := cl.start()
	if err != nil {
		return exiterrors.NewError(err, exiterrors.ConfigFailureExitCode)
	}

	graph, err := c.jobGraph()
	if err != nil {
		return err
	}
	log.Infof("Running job %s", graph)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	jc, placements, err := coord.SubmitJob(ctx, graph)
	if jc != nil {
		defer coord.CleanupJob(graph.ID)
	}
	if err != nil {
		return scheduleError(graph.ID, err)
	}

	fmt.Fprintf(cl.out, "Job %s placed %d subtasks on %d slots\n", graph.ID, len(placements), countSlots(placements))
	for _, p := range placements {
		fmt.Fprintln(cl.out, p)
	}
	log.Debugf("Placements: %s", render.Render(placements))

	if c.complete {
		if err := completeJob(ctx, jc, placements); err != nil {
			return exiterrors.NewError(err, exiterrors.JobFailureExitCode)
		}
		fmt.Fprintf(cl.out, "Job %s completed\n", graph.ID)
	}
	if c.printStats {
		fmt.Fprintln(cl.out, string(cl.stat.Render(c.prettyPrinted)))
	}
	return nil
}

func (c *runJobCmd) jobGraph() (*domain.JobGraph, error) {
	id, err := newJobID()
	if err != nil {
		return nil, err
	}
	if c.random {
		if c.maxVertices < 1 || c.parallelism < 1 {
			return nil, exiterrors.NewError(fmt.Errorf("random job graphs need positive --max_vertices and --parallelism"),
				exiterrors.ConfigFailureExitCode)
		}
		seed := c.seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		graph := domain.GenRandomJobGraph(c.maxVertices, c.parallelism, rand.New(rand.NewSource(seed)))
		graph.ID = id
		return graph, nil
	}
	return SenderReceiverGraph(id, c.parallelism, c.colocate), nil
}

// SenderReceiverGraph is the two vertex job graph Sender -> Receiver, both in
// one slot sharing group and optionally co-located.
func SenderReceiverGraph(id domain.JobID, parallelism int, colocate bool) *domain.JobGraph {
	g := &domain.JobGraph{
		ID:   id,
		Name: "sender-receiver",
		Vertices: []domain.ExecutionVertex{
			{ID: "sender", Name: "Sender", Parallelism: parallelism, SlotSharingGroup: "default"},
			{ID: "receiver", Name: "Receiver", Parallelism: parallelism, Inputs: []domain.VertexID{"sender"}, SlotSharingGroup: "default"},
		},
	}
	if colocate {
		g.Vertices[0].CoLocationGroup = "pipeline"
		g.Vertices[1].CoLocationGroup = "pipeline"
	}
	return g
}

// Attaches the exit code matching the scheduling failure.
func scheduleError(id domain.JobID, err error) error {
	wrapped := errors.Wrapf(err, "Error scheduling job %s", id)
	switch {
	case errors.Is(err, domain.ErrInvalidJobGraph):
		return exiterrors.NewError(wrapped, exiterrors.InvalidJobGraphExitCode)
	case errors.Is(err, domain.ErrSlotRequestTimeout) || errors.Is(err, context.DeadlineExceeded):
		return exiterrors.NewError(wrapped, exiterrors.SlotTimeoutExitCode)
	default:
		return exiterrors.NewError(wrapped, exiterrors.SchedulingFailureExitCode)
	}
}

func newJobID() (domain.JobID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("Error generating job id: %v", err)
	}
	return domain.JobID(id.String()), nil
}

// Drives every placed subtask through Running to Completed and waits for the job result.
func completeJob(ctx context.Context, jc *server.JobContext, placements []domain.Placement) error {
	sched, ok := jc.Scheduler()
	if !ok {
		return fmt.Errorf("job %s has no scheduler", jc.ID)
	}
	for _, p := range placements {
		if err := sched.MarkRunning(p.Subtask); err != nil {
			return err
		}
	}
	for _, p := range placements {
		if err := sched.MarkCompleted(p.Subtask); err != nil {
			return err
		}
	}
	_, err := sched.Result().Await(ctx)
	return err
}

func countSlots(placements []domain.Placement) int {
	slots := map[string]bool{}
	for _, p := range placements {
		slots[string(p.Slot.Id)] = true
	}
	return len(slots)
}
