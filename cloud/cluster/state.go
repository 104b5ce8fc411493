package cluster

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// state is the last full view of offered slots, used to turn full listings into updates.
type state struct {
	slots       map[SlotId]Slot
	nopCheckCnt int
}

func makeState(slots []Slot) *state {
	s := &state{
		slots: make(map[SlotId]Slot),
	}
	s.setAndDiff(slots)
	return s
}

// setAndDiff takes the new state as an argument and creates
// slot updates based on the diff. Withdrawals are emitted before offers so a slot
// that moved to another worker is never registered twice.
func (s *state) setAndDiff(newState []Slot) []SlotUpdate {
	offered := []Slot{}
	oldStateLen := len(s.slots)
	next := make(map[SlotId]Slot, len(newState))
	for _, n := range newState {
		if _, dup := next[n.Id]; dup {
			continue
		}
		next[n.Id] = n
		if old, exists := s.slots[n.Id]; exists && old.Worker == n.Worker {
			// remove from s.slots so that s.slots only contains slots withdrawn in this diff
			delete(s.slots, n.Id)
		} else {
			offered = append(offered, n)
		}
	}
	withdrawn := []Slot{}
	for _, n := range s.slots {
		withdrawn = append(withdrawn, n)
	}
	sort.Sort(SlotSorter(offered))
	sort.Sort(SlotSorter(withdrawn))

	outgoing := []SlotUpdate{}
	for _, n := range withdrawn {
		log.Infof("SlotWithdrawn update: %s", n)
		outgoing = append(outgoing, NewWithdraw(n))
	}
	for _, n := range offered {
		log.Infof("SlotOffered update: %s", n)
		outgoing = append(outgoing, NewOffer(n))
	}

	if len(offered) > 0 || len(withdrawn) > 0 {
		log.Infof("Number of slots offered: %d, withdrawn: %d, in new state: %d, in old state: %d "+
			"(%d checks with no change)", len(offered), len(withdrawn), len(next), oldStateLen, s.nopCheckCnt)
		s.nopCheckCnt = 0
	} else {
		s.nopCheckCnt++
	}
	s.slots = next
	return outgoing
}
