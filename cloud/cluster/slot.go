package cluster

import (
	"fmt"
)

// A unique worker identifier, like 'host:port'
type WorkerId string

// A slot identifier, unique across the cluster (not just within its worker).
type SlotId string

// Slot is one unit of execution capacity offered by a worker.
type Slot struct {
	Worker WorkerId
	Id     SlotId
}

func (s Slot) String() string {
	return fmt.Sprintf("%s@%s", s.Id, s.Worker)
}

func NewSlot(worker, id string) Slot {
	return Slot{Worker: WorkerId(worker), Id: SlotId(id)}
}

// Creates numWorkers workers named worker1..N, each offering slotsPerWorker slots
// named <worker>/slot1..M.
func NewSlots(numWorkers, slotsPerWorker int) []Slot {
	r := []Slot{}
	for w := 0; w < numWorkers; w++ {
		worker := fmt.Sprintf("worker%d", w+1)
		for s := 0; s < slotsPerWorker; s++ {
			r = append(r, NewSlot(worker, fmt.Sprintf("%s/slot%d", worker, s+1)))
		}
	}
	return r
}

type SlotSorter []Slot

func (n SlotSorter) Len() int      { return len(n) }
func (n SlotSorter) Swap(i, j int) { n[i], n[j] = n[j], n[i] }
func (n SlotSorter) Less(i, j int) bool {
	if n[i].Worker != n[j].Worker {
		return n[i].Worker < n[j].Worker
	}
	return n[i].Id < n[j].Id
}
