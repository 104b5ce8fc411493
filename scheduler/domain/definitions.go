// Package domain provides definitions for job graphs, subtasks and placements
package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/dataflow/coord/cloud/cluster"
)

type JobID string

type VertexID string

// JobGraph is the accepted dataflow graph of a job. Vertices are listed in
// declaration order, which breaks ties in the topological order.
type JobGraph struct {
	ID       JobID
	Name     string
	Vertices []ExecutionVertex

	// Deadline for each slot request of this job, zero means the scheduler default.
	SlotRequestTimeout time.Duration
}

// ExecutionVertex is one stage of the graph. Empty group ids mean no group.
type ExecutionVertex struct {
	ID               VertexID
	Name             string
	Parallelism      int
	Inputs           []VertexID
	SlotSharingGroup string
	CoLocationGroup  string
}

func (v *ExecutionVertex) String() string {
	return fmt.Sprintf("vertex:%s, parallelism:%d, sharing:%q, colocation:%q", v.ID, v.Parallelism, v.SlotSharingGroup, v.CoLocationGroup)
}

func (g *JobGraph) String() string {
	return fmt.Sprintf("job:%s, name:%s, vertices:%d", g.ID, g.Name, len(g.Vertices))
}

// Returns the vertex with the given id.
func (g *JobGraph) Vertex(id VertexID) (*ExecutionVertex, bool) {
	for i := range g.Vertices {
		if g.Vertices[i].ID == id {
			return &g.Vertices[i], true
		}
	}
	return nil, false
}

// Returns the total number of subtasks across all vertices.
func (g *JobGraph) NumSubtasks() int {
	n := 0
	for _, v := range g.Vertices {
		n += v.Parallelism
	}
	return n
}

// SlotSharingGroup is a set of vertices whose same-index subtasks may co-reside in one slot.
type SlotSharingGroup struct {
	ID      string
	Members []VertexID
}

// CoLocationGroup is a set of vertices whose same-index subtasks must co-reside in the identical slot.
type CoLocationGroup struct {
	ID      string
	Members []VertexID
}

// Derives the slot sharing groups from the vertices, ordered by group id with
// members in topological order. Assumes a valid graph.
func (g *JobGraph) SlotSharingGroups() []SlotSharingGroup {
	members := g.groupMembers(func(v *ExecutionVertex) string { return v.SlotSharingGroup })
	groups := []SlotSharingGroup{}
	for _, id := range sortedKeys(members) {
		groups = append(groups, SlotSharingGroup{ID: id, Members: members[id]})
	}
	return groups
}

// Derives the co-location groups from the vertices, ordered by group id with
// members in topological order. Assumes a valid graph.
func (g *JobGraph) CoLocationGroups() []CoLocationGroup {
	members := g.groupMembers(func(v *ExecutionVertex) string { return v.CoLocationGroup })
	groups := []CoLocationGroup{}
	for _, id := range sortedKeys(members) {
		groups = append(groups, CoLocationGroup{ID: id, Members: members[id]})
	}
	return groups
}

func (g *JobGraph) groupMembers(groupOf func(*ExecutionVertex) string) map[string][]VertexID {
	order, err := g.TopologicalOrder()
	if err != nil {
		order = g.Vertices
	}
	members := map[string][]VertexID{}
	for i := range order {
		if id := groupOf(&order[i]); id != "" {
			members[id] = append(members[id], order[i].ID)
		}
	}
	return members
}

func sortedKeys(m map[string][]VertexID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SubtaskID identifies one parallel instance of a vertex.
type SubtaskID struct {
	Vertex VertexID
	Index  int
}

func (s SubtaskID) String() string {
	return fmt.Sprintf("%s[%d]", s.Vertex, s.Index)
}

// Placement is the resolved mapping from a subtask to a physical slot.
type Placement struct {
	Subtask SubtaskID
	Slot    cluster.Slot
}

func (p Placement) String() string {
	return fmt.Sprintf("%s -> %s", p.Subtask, p.Slot)
}

// SubtaskStatus tracks a subtask from placement request to slot release.
//
//	Pending -> SlotRequested -> SlotAssigned -> Running -> Completed|Failed -> SlotReleased
//
// SlotReleased is terminal and reachable from every other state (cancellation).
type SubtaskStatus int

const (
	// Waiting for the scheduler to issue a slot request
	Pending SubtaskStatus = iota

	// A slot request is outstanding, possibly queued in the slot pool
	SlotRequested

	// The subtask holds a placement but is not running yet
	SlotAssigned

	// The subtask was deployed, its placement is stable
	Running

	// Finished successfully, the slot has not been released yet
	Completed

	// Finished unsuccessfully or lost its slot
	Failed

	// The subtask no longer holds or waits for a slot
	SlotReleased
)

func (s SubtaskStatus) String() string {
	asString := [7]string{"Pending", "SlotRequested", "SlotAssigned", "Running", "Completed", "Failed", "SlotReleased"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("SubtaskStatus(%d)", int(s))
	}
	return asString[s]
}

// Returns whether the subtask currently holds a placement.
func (s SubtaskStatus) HoldsSlot() bool {
	return s == SlotAssigned || s == Running || s == Completed || s == Failed
}

// Returns how many slots a complete placement of the graph occupies: one per
// subtask, except that same-index subtasks of a sharing group use one slot and
// co-located subtasks follow the first member of their group. Assumes a valid graph.
func (g *JobGraph) RequiredSlots() int {
	order, err := g.TopologicalOrder()
	if err != nil {
		order = g.Vertices
	}
	total := 0
	sharing := map[string]int{}
	anchored := map[string]bool{}
	for _, v := range order {
		if v.CoLocationGroup != "" {
			if anchored[v.CoLocationGroup] {
				continue
			}
			anchored[v.CoLocationGroup] = true
		}
		if v.SlotSharingGroup != "" {
			if v.Parallelism > sharing[v.SlotSharingGroup] {
				sharing[v.SlotSharingGroup] = v.Parallelism
			}
		} else {
			total += v.Parallelism
		}
	}
	for _, p := range sharing {
		total += p
	}
	return total
}
