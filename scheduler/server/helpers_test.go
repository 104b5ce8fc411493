package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataflow/coord/async"
	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

const testTimeout = 5 * time.Second

// The reference job: Sender -> Receiver, parallelism 3, one sharing group,
// optionally with Receiver co-located with Sender.
func senderReceiverGraph(id domain.JobID, colocated bool) *domain.JobGraph {
	g := &domain.JobGraph{
		ID:   id,
		Name: "sender-receiver",
		Vertices: []domain.ExecutionVertex{
			{ID: "sender", Name: "Sender", Parallelism: 3, SlotSharingGroup: "default"},
			{ID: "receiver", Name: "Receiver", Parallelism: 3, Inputs: []domain.VertexID{"sender"}, SlotSharingGroup: "default"},
		},
	}
	if colocated {
		g.Vertices[0].CoLocationGroup = "pipeline"
		g.Vertices[1].CoLocationGroup = "pipeline"
	}
	return g
}

func newPool(numWorkers, slotsPerWorker int) *slotpool.SlotPool {
	p := slotpool.NewSlotPool(testTimeout, nil)
	p.ApplyUpdates(cluster.NewOffers(cluster.NewSlots(numWorkers, slotsPerWorker)...))
	return p
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), testTimeout)
}

func awaitResult(t *testing.T, p *async.Promise) (interface{}, error) {
	t.Helper()
	ctx, cancel := testContext()
	defer cancel()
	v, err := p.Await(ctx)
	require.NotEqual(t, context.DeadlineExceeded, err, "job result never reported")
	return v, err
}

func slotsBySubtask(placements []domain.Placement) map[domain.SubtaskID]cluster.Slot {
	m := map[domain.SubtaskID]cluster.Slot{}
	for _, p := range placements {
		m[p.Subtask] = p.Slot
	}
	return m
}

func distinctSlots(placements []domain.Placement) map[cluster.SlotId][]domain.SubtaskID {
	m := map[cluster.SlotId][]domain.SubtaskID{}
	for _, p := range placements {
		m[p.Slot.Id] = append(m[p.Slot.Id], p.Subtask)
	}
	return m
}

// Returns the slots used by placements, in order of first use.
func distinctSlotList(placements []domain.Placement) []cluster.Slot {
	seen := map[cluster.SlotId]bool{}
	slots := []cluster.Slot{}
	for _, p := range placements {
		if !seen[p.Slot.Id] {
			seen[p.Slot.Id] = true
			slots = append(slots, p.Slot)
		}
	}
	return slots
}
