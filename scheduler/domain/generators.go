package domain

import (
	"fmt"
	"math/rand"

	"github.com/leanovate/gopter"
)

//
// Generators for property based testing of placement.
//

// Randomly generates an id usable for jobs and vertices
func genId(rng *rand.Rand) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	length := rng.Intn(12) + 1
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		result[i] = chars[rng.Intn(len(chars))]
	}
	return string(result)
}

// Generates a valid JobGraph with up to maxVertices vertices of parallelism up to
// maxParallelism. Vertices read from random earlier vertices, join one of two
// sharing groups at random, and co-locate with the first vertex of their sharing
// group when parallelism matches.
func GenRandomJobGraph(maxVertices, maxParallelism int, rng *rand.Rand) *JobGraph {
	g := &JobGraph{
		ID:   JobID(fmt.Sprintf("job-%s", genId(rng))),
		Name: fmt.Sprintf("name-%s", genId(rng)),
	}
	numVertices := rng.Intn(maxVertices) + 1
	sharingHead := map[string]int{}
	for i := 0; i < numVertices; i++ {
		v := ExecutionVertex{
			ID:          VertexID(fmt.Sprintf("v%d-%s", i, genId(rng))),
			Name:        fmt.Sprintf("vertex %d", i),
			Parallelism: rng.Intn(maxParallelism) + 1,
		}
		for j := 0; j < i; j++ {
			if rng.Intn(3) == 0 {
				v.Inputs = append(v.Inputs, g.Vertices[j].ID)
			}
		}
		switch rng.Intn(3) {
		case 1:
			v.SlotSharingGroup = "sharing-a"
		case 2:
			v.SlotSharingGroup = "sharing-b"
		}
		if v.SlotSharingGroup != "" {
			if head, ok := sharingHead[v.SlotSharingGroup]; !ok {
				sharingHead[v.SlotSharingGroup] = i
			} else if g.Vertices[head].Parallelism == v.Parallelism && rng.Intn(2) == 0 {
				v.CoLocationGroup = "colocation-" + v.SlotSharingGroup
			}
		}
		g.Vertices = append(g.Vertices, v)
	}

	// The group head joins the co-location group once any member does.
	for i := range g.Vertices {
		v := &g.Vertices[i]
		if v.SlotSharingGroup == "" || v.CoLocationGroup != "" {
			continue
		}
		if sharingHead[v.SlotSharingGroup] == i {
			for _, other := range g.Vertices {
				if other.CoLocationGroup == "colocation-"+v.SlotSharingGroup {
					v.CoLocationGroup = other.CoLocationGroup
					break
				}
			}
		}
	}
	return g
}

// Wrapper function that generates a JobGraph for property based tests
func GopterGenJobGraph(maxVertices, maxParallelism int) gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		g := GenRandomJobGraph(maxVertices, maxParallelism, genParams.Rng)
		return gopter.NewGenResult(g, gopter.NoShrinker)
	}
}
