package cluster

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestState(t *testing.T) {
	s := makeState(nil)
	// no slots offered or withdrawn
	assertUpdates(t, s, []Slot{}, []SlotUpdate{})
	// 1 slot offered
	assertUpdates(t, s, []Slot{NewSlot("w1", "s1")}, []SlotUpdate{NewOffer(NewSlot("w1", "s1"))})
	// same view again, nothing changes
	assertUpdates(t, s, []Slot{NewSlot("w1", "s1")}, []SlotUpdate{})
	// 1 slot withdrawn
	assertUpdates(t, s, []Slot{}, []SlotUpdate{NewWithdraw(NewSlot("w1", "s1"))})
	// 2 slots offered, duplicates in the listing are ignored
	assertUpdates(t, s,
		[]Slot{NewSlot("w2", "s2"), NewSlot("w1", "s1"), NewSlot("w1", "s1")},
		[]SlotUpdate{NewOffer(NewSlot("w1", "s1")), NewOffer(NewSlot("w2", "s2"))})
	// a slot moving to another worker is withdrawn before it is offered again
	assertUpdates(t, s,
		[]Slot{NewSlot("w1", "s1"), NewSlot("w3", "s2")},
		[]SlotUpdate{NewWithdraw(NewSlot("w2", "s2")), NewOffer(NewSlot("w3", "s2"))})
}

func TestNewSlots(t *testing.T) {
	slots := NewSlots(2, 2)
	assert.Equal(t, []Slot{
		NewSlot("worker1", "worker1/slot1"),
		NewSlot("worker1", "worker1/slot2"),
		NewSlot("worker2", "worker2/slot1"),
		NewSlot("worker2", "worker2/slot2"),
	}, slots)
}

func TestClusterUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)

	ff := NewStaticFetcher()
	wait := 3 * time.Second
	updatesCh, closeFn := NewCluster(ff, 10*time.Millisecond, 10)

	ff.SetSlots(NewSlot("w1", "s1"))
	assertSlotUpdates(t, []SlotUpdate{NewOffer(NewSlot("w1", "s1"))}, updatesCh, wait)

	ff.SetSlots()
	assertSlotUpdates(t, []SlotUpdate{NewWithdraw(NewSlot("w1", "s1"))}, updatesCh, wait)

	// a failing fetch keeps the previous view
	ff.SetError(errors.New("worker listing unavailable"))
	time.Sleep(50 * time.Millisecond)
	ff.SetSlots(NewSlot("w1", "s1"), NewSlot("w2", "s2"))
	assertSlotUpdates(t, []SlotUpdate{NewOffer(NewSlot("w1", "s1")), NewOffer(NewSlot("w2", "s2"))}, updatesCh, wait)

	closeFn()
	closeFn()
	_, ok := <-updatesCh
	for ok {
		_, ok = <-updatesCh
	}
}

// Below here are utility functions that make it easy to write more fluent tests.

func assertUpdates(t *testing.T, s *state, listing []Slot, expected []SlotUpdate) {
	t.Helper()
	assert.Equal(t, fmt.Sprint(expected), fmt.Sprint(s.setAndDiff(listing)))
}

func assertSlotUpdates(t *testing.T, expected []SlotUpdate, ch chan []SlotUpdate, maxWait time.Duration) {
	t.Helper()
	select {
	case updates := <-ch:
		assert.Equal(t, expected, updates)
	case <-time.After(maxWait):
		assert.Fail(t, fmt.Sprintf("max time exceeded waiting for %v", expected))
	}
}
