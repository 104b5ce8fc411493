package cluster

import (
	"fmt"
)

type SlotUpdateType int

const (
	SlotOffered SlotUpdateType = iota
	SlotWithdrawn
)

func (t SlotUpdateType) String() string {
	switch t {
	case SlotOffered:
		return "SlotOffered"
	case SlotWithdrawn:
		return "SlotWithdrawn"
	}
	return fmt.Sprintf("SlotUpdateType(%d)", int(t))
}

// SlotUpdate represents a worker offering or withdrawing capacity.
type SlotUpdate struct {
	UpdateType SlotUpdateType
	Slot       Slot
}

func (u SlotUpdate) String() string {
	return fmt.Sprintf("%v %v", u.UpdateType, u.Slot)
}

// Helper functions to create SlotUpdates

func NewOffer(slot Slot) SlotUpdate {
	return SlotUpdate{
		UpdateType: SlotOffered,
		Slot:       slot,
	}
}

func NewWithdraw(slot Slot) SlotUpdate {
	return SlotUpdate{
		UpdateType: SlotWithdrawn,
		Slot:       slot,
	}
}

// Creates an offer update for each of the given slots.
func NewOffers(slots ...Slot) []SlotUpdate {
	updates := make([]SlotUpdate, 0, len(slots))
	for _, s := range slots {
		updates = append(updates, NewOffer(s))
	}
	return updates
}
