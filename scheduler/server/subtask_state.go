package server

import (
	"fmt"

	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/common/log/tags"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

// How a subtask obtained its slot, which decides how it gives it back.
type requestPath int

const (
	exclusivePath requestPath = iota
	sharedPath
	colocatedPath
)

func (p requestPath) String() string {
	switch p {
	case sharedPath:
		return "shared"
	case colocatedPath:
		return "colocated"
	}
	return "exclusive"
}

// Contains all the information for one subtask of a job being scheduled.
type subtaskState struct {
	ID      domain.SubtaskID
	Vertex  *domain.ExecutionVertex
	Status  domain.SubtaskStatus
	Slot    cluster.Slot
	HasSlot bool  // false once the placement was invalidated
	Err     error // why the subtask failed, if it did

	path   requestPath
	future *slotpool.SlotFuture
	lease  slotpool.Lease // the reservation behind Slot
	lost   bool           // the worker withdrew the slot, nothing to give back
}

func newSubtaskState(v *domain.ExecutionVertex, index int) *subtaskState {
	st := &subtaskState{
		ID:     domain.SubtaskID{Vertex: v.ID, Index: index},
		Vertex: v,
		Status: domain.Pending,
		path:   exclusivePath,
	}
	if v.CoLocationGroup != "" {
		st.path = colocatedPath
	} else if v.SlotSharingGroup != "" {
		st.path = sharedPath
	}
	return st
}

func (s *subtaskState) String() string {
	return fmt.Sprintf("{subtask:%s, status:%s, slot:%s, path:%s}", s.ID, s.Status, s.Slot, s.path)
}

func (s *subtaskState) tags(job domain.JobID) tags.LogTags {
	t := tags.LogTags{JobID: string(job), VertexID: string(s.ID.Vertex), Subtask: s.ID.Index}
	if s.HasSlot {
		t.SlotID = string(s.Slot.Id)
	}
	return t
}

// Returns whether the subtask currently holds a valid placement.
func (s *subtaskState) placed() bool {
	return s.HasSlot && (s.Status == domain.SlotAssigned || s.Status == domain.Running || s.Status == domain.Completed)
}
