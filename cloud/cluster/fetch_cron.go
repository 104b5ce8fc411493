package cluster

import (
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
)

// Number of attempts made within one tick before a failing Fetch is skipped.
const maxFetchRetries = 3

// Returns a full list of slots currently offered by all workers.
type Fetcher interface {
	Fetch() ([]Slot, error)
}

type fetchCron struct {
	ticker *time.Ticker
	f      Fetcher
	st     *state
	outCh  chan []SlotUpdate
	closer chan struct{}
	done   chan struct{}
	retry  func() backoff.BackOff
}

func makeFetchCron(f Fetcher, t time.Duration, ch chan []SlotUpdate) *fetchCron {
	c := &fetchCron{
		ticker: time.NewTicker(t),
		f:      f,
		st:     makeState(nil),
		outCh:  ch,
		closer: make(chan struct{}),
		done:   make(chan struct{}),
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = t / 4
			b.MaxInterval = t
			return backoff.WithMaxRetries(b, maxFetchRetries)
		},
	}
	go c.loop()
	return c
}

func (c *fetchCron) loop() {
	defer close(c.done)
	defer close(c.outCh)
	defer c.ticker.Stop()
	for {
		select {
		case <-c.ticker.C:
			updates, ok := c.fetch()
			if !ok || len(updates) == 0 {
				continue
			}
			select {
			case c.outCh <- updates:
			case <-c.closer:
				return
			}
		case <-c.closer:
			return
		}
	}
}

// Fetches with retries and returns the diff against the previous successful fetch.
func (c *fetchCron) fetch() ([]SlotUpdate, bool) {
	var slots []Slot
	err := backoff.Retry(func() error {
		var err error
		slots, err = c.f.Fetch()
		return err
	}, c.retry())
	if err != nil {
		log.Errorf("Slot fetch failed after %d retries, keeping previous view: %v", maxFetchRetries, err)
		return nil, false
	}
	return c.st.setAndDiff(slots), true
}

func (c *fetchCron) close() {
	close(c.closer)
	<-c.done
}
