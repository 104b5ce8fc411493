// Package cluster describes the worker side of the coordinator: the slots workers offer
// and the offer/withdraw updates the slot pool consumes.
package cluster

import (
	"sync"
	"time"
)

// NewCluster polls the fetcher every interval and publishes the differences between
// consecutive listings on the returned channel. The channel is buffered with chanSize
// batches so a slow consumer does not block fetching. The returned function stops
// polling and closes the channel.
func NewCluster(f Fetcher, interval time.Duration, chanSize int) (chan []SlotUpdate, func()) {
	ch := make(chan []SlotUpdate, chanSize)
	c := makeFetchCron(f, interval, ch)
	var once sync.Once
	return ch, func() { once.Do(c.close) }
}

// StaticFetcher is a Fetcher over a slot list that can be replaced at runtime.
type StaticFetcher struct {
	mu    sync.Mutex
	slots []Slot
	err   error
}

func NewStaticFetcher(slots ...Slot) *StaticFetcher {
	return &StaticFetcher{slots: slots}
}

func (f *StaticFetcher) Fetch() ([]Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]Slot(nil), f.slots...), nil
}

func (f *StaticFetcher) SetSlots(slots ...Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots = slots
	f.err = nil
}

// Makes Fetch fail with err until the next SetSlots.
func (f *StaticFetcher) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
