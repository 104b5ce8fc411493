package domain

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ValidateJobGraph checks that the graph can be scheduled. Every problem found is
// reported, combined into one error wrapping ErrInvalidJobGraph.
func ValidateJobGraph(g *JobGraph) error {
	if g == nil {
		return errors.Wrap(ErrInvalidJobGraph, "nil job graph")
	}
	var err error
	if g.ID == "" {
		err = multierr.Append(err, fmt.Errorf("job id must be set"))
	}
	if len(g.Vertices) == 0 {
		err = multierr.Append(err, fmt.Errorf("job %s has no vertices", g.ID))
	}
	if g.SlotRequestTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("negative slot request timeout %s", g.SlotRequestTimeout))
	}

	seen := map[VertexID]bool{}
	for _, v := range g.Vertices {
		if v.ID == "" {
			err = multierr.Append(err, fmt.Errorf("vertex with empty id"))
			continue
		}
		if seen[v.ID] {
			err = multierr.Append(err, fmt.Errorf("duplicate vertex %s", v.ID))
		}
		seen[v.ID] = true
		if v.Parallelism <= 0 {
			err = multierr.Append(err, fmt.Errorf("vertex %s has parallelism %d", v.ID, v.Parallelism))
		}
	}
	for _, v := range g.Vertices {
		for _, in := range v.Inputs {
			if !seen[in] {
				err = multierr.Append(err, fmt.Errorf("vertex %s reads from unknown vertex %s", v.ID, in))
			} else if in == v.ID {
				err = multierr.Append(err, fmt.Errorf("vertex %s reads from itself", v.ID))
			}
		}
	}
	if err == nil {
		if _, cycleErr := g.TopologicalOrder(); cycleErr != nil {
			err = multierr.Append(err, cycleErr)
		}
	}

	// Same-index subtasks of co-located vertices share one slot, so every member
	// needs the same number of subtasks and the same slot sharing group.
	firstMember := map[string]ExecutionVertex{}
	for _, v := range g.Vertices {
		if v.CoLocationGroup == "" {
			continue
		}
		if v.SlotSharingGroup == "" {
			err = multierr.Append(err, fmt.Errorf("co-location group %s: vertex %s has no slot sharing group",
				v.CoLocationGroup, v.ID))
		}
		first, ok := firstMember[v.CoLocationGroup]
		if !ok {
			firstMember[v.CoLocationGroup] = v
			continue
		}
		if first.Parallelism != v.Parallelism {
			err = multierr.Append(err, fmt.Errorf("co-location group %s: vertex %s has parallelism %d but %s has %d",
				v.CoLocationGroup, v.ID, v.Parallelism, first.ID, first.Parallelism))
		}
		if first.SlotSharingGroup != v.SlotSharingGroup {
			err = multierr.Append(err, fmt.Errorf("co-location group %s: vertex %s is in slot sharing group %q but %s is in %q",
				v.CoLocationGroup, v.ID, v.SlotSharingGroup, first.ID, first.SlotSharingGroup))
		}
	}

	if err != nil {
		return errors.Wrapf(ErrInvalidJobGraph, "job %s: %v", g.ID, err)
	}
	return nil
}

// TopologicalOrder returns the vertices ordered so every vertex follows its inputs.
// Ties are broken by declaration order, so the result is a deterministic function
// of the graph.
func (g *JobGraph) TopologicalOrder() ([]ExecutionVertex, error) {
	index := make(map[VertexID]int, len(g.Vertices))
	for i, v := range g.Vertices {
		index[v.ID] = i
	}
	inDegree := make([]int, len(g.Vertices))
	outputs := make([][]int, len(g.Vertices))
	for i, v := range g.Vertices {
		for _, in := range v.Inputs {
			j, ok := index[in]
			if !ok {
				continue
			}
			inDegree[i]++
			outputs[j] = append(outputs[j], i)
		}
	}

	ready := []int{}
	for i, d := range inDegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]ExecutionVertex, 0, len(g.Vertices))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, g.Vertices[next])
		for _, out := range outputs[next] {
			inDegree[out]--
			if inDegree[out] == 0 {
				ready = append(ready, out)
			}
		}
	}
	if len(order) != len(g.Vertices) {
		return nil, fmt.Errorf("job %s has a cycle through %d vertices", g.ID, len(g.Vertices)-len(order))
	}
	return order, nil
}
