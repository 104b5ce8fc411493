// Package slotpool tracks the execution slots offered by workers and hands them
// out to slot requests, queueing requests FIFO while no slot is free.
package slotpool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/async"
	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/domain"
)

// Deadline applied to requests that do not carry their own and when the pool
// was created without a default.
const DefaultSlotRequestTimeout = 5 * time.Minute

type SlotState int

const (
	// Registered and not handed to any request
	Free SlotState = iota

	// Handed to a request, not yet confirmed as in use
	Reserved

	// Confirmed as hosting a subtask
	Allocated
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "Free"
	case Reserved:
		return "Reserved"
	case Allocated:
		return "Allocated"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

// Lease names one reservation of a slot. Slot ids come back when a worker
// re-offers a slot, tokens never repeat within a pool.
type Lease struct {
	Slot  cluster.Slot
	Token uint64
}

func (l Lease) String() string {
	return fmt.Sprintf("%s#%d", l.Slot, l.Token)
}

// SlotRequest asks for one exclusive slot.
type SlotRequest struct {
	Job domain.JobID

	// Who the slot is for, used in logs (a vertex subtask or a shared slot record).
	Owner string

	// Deadline while queued, <= 0 means the pool default.
	Timeout time.Duration

	// Called outside the pool lock if the worker withdraws the slot while it is
	// reserved or allocated for this request.
	OnLost func(Lease)
}

// PoolCounts is a consistent snapshot of the pool. Free+Reserved+Allocated == Total.
type PoolCounts struct {
	Free      int
	Reserved  int
	Allocated int
	Pending   int
	Total     int
}

type slotEntry struct {
	slot   cluster.Slot
	state  SlotState
	lease  uint64 // 0 while Free
	job    domain.JobID
	owner  string
	onLost func(Lease)
}

func (e *slotEntry) String() string {
	return fmt.Sprintf("{slot:%s, state:%s, lease:%d, job:%s, owner:%s}", e.slot, e.state, e.lease, e.job, e.owner)
}

func (e *slotEntry) holds(l Lease) bool {
	return e.state != Free && e.lease == l.Token
}

type pendingRequest struct {
	id      string
	req     SlotRequest
	promise *async.Promise
	timer   *time.Timer
	latency stats.Latency

	// Set under the pool lock once a slot was reserved for the request but its
	// promise is not completed yet. A revoked request fails instead.
	lease   Lease
	revoked bool
}

// A slot handed to a pending request, completed once the pool lock is released.
type fulfillment struct {
	pending *pendingRequest
	lease   Lease
}

// SlotPool owns the slotId -> slot table and the FIFO queue of pending requests.
// All mutation happens under one lock that is never held while calling out
// (request completions and OnLost callbacks run after it is released).
type SlotPool struct {
	mu             sync.Mutex
	slots          map[cluster.SlotId]*slotEntry
	free           []cluster.SlotId // oldest first
	pending        []*pendingRequest
	inflight       map[*pendingRequest]struct{} // drained, not yet completed
	lastLease      uint64
	defaultTimeout time.Duration
	stat           stats.StatsReceiver
}

func NewSlotPool(defaultTimeout time.Duration, stat stats.StatsReceiver) *SlotPool {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultSlotRequestTimeout
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &SlotPool{
		slots:          map[cluster.SlotId]*slotEntry{},
		inflight:       map[*pendingRequest]struct{}{},
		defaultTimeout: defaultTimeout,
		stat:           stat,
	}
}

// Offer registers a Free slot and hands it to the oldest pending request, if any.
// Duplicate offers are ignored.
func (p *SlotPool) Offer(worker cluster.WorkerId, id cluster.SlotId) {
	p.stat.Counter(stats.SlotPoolOfferCounter).Inc(1)
	p.mu.Lock()
	if e, ok := p.slots[id]; ok {
		p.mu.Unlock()
		log.Infof("Ignoring duplicate offer of slot %s from %s, already registered as %s", id, worker, e)
		return
	}
	slot := cluster.Slot{Worker: worker, Id: id}
	p.slots[id] = &slotEntry{slot: slot, state: Free}
	p.free = append(p.free, id)
	log.Debugf("Slot offered: %s", slot)
	done := p.drain()
	p.updateGauges()
	p.mu.Unlock()

	p.fulfill(done)
}

// Withdraw removes a slot. If it was reserved or allocated, the owning request's
// OnLost callback is invoked.
func (p *SlotPool) Withdraw(worker cluster.WorkerId, id cluster.SlotId) {
	p.mu.Lock()
	e, ok := p.slots[id]
	if !ok || e.slot.Worker != worker {
		p.mu.Unlock()
		log.Infof("Ignoring withdrawal of unknown slot %s from %s", id, worker)
		return
	}
	delete(p.slots, id)
	var onLost func(Lease)
	lease := Lease{Slot: e.slot, Token: e.lease}
	if e.state == Free {
		p.removeFree(id)
	} else {
		p.stat.Counter(stats.SlotPoolSlotLostCounter).Inc(1)
		onLost = e.onLost
		log.WithFields(log.Fields{"jobID": e.job, "slotID": id}).Infof("Slot lost while %s: %s", e.state, spew.Sdump(e.slot))
	}
	p.updateGauges()
	p.mu.Unlock()

	if onLost != nil {
		onLost(lease)
	}
}

// ApplyUpdates feeds worker offer/withdraw events into the pool, in order.
func (p *SlotPool) ApplyUpdates(updates []cluster.SlotUpdate) {
	for _, u := range updates {
		switch u.UpdateType {
		case cluster.SlotOffered:
			p.Offer(u.Slot.Worker, u.Slot.Id)
		case cluster.SlotWithdrawn:
			p.Withdraw(u.Slot.Worker, u.Slot.Id)
		default:
			log.Errorf("Unexpected slot update type: %v", u)
		}
	}
}

// RequestExclusive reserves the oldest Free slot or queues the request behind
// earlier pending ones. The returned future fails with ErrSlotRequestTimeout once
// the request deadline passes, the request is then no longer queued.
func (p *SlotPool) RequestExclusive(req SlotRequest) *SlotFuture {
	p.mu.Lock()
	if len(p.pending) == 0 && len(p.free) > 0 {
		lease := p.reserve(p.popFree(), req)
		p.updateGauges()
		p.mu.Unlock()
		return LeasedSlotFuture(lease)
	}

	pr := &pendingRequest{
		id:      newRequestId(),
		req:     req,
		promise: async.NewPromise(),
		latency: p.stat.Latency(stats.SlotPoolRequestLatency_ms).Time(),
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	pr.timer = time.AfterFunc(timeout, func() { p.expire(pr, timeout) })
	p.pending = append(p.pending, pr)
	log.WithFields(log.Fields{"jobID": req.Job, "requestID": pr.id}).
		Debugf("No free slot for %s, queued behind %d requests", req.Owner, len(p.pending)-1)
	p.updateGauges()
	p.mu.Unlock()

	return NewSlotFuture(pr.promise, func() bool { return p.cancel(pr) })
}

// TryRequestExclusive reserves a Free slot without queueing. It fails with
// ErrSlotUnavailable when no slot is free or earlier requests are still waiting.
func (p *SlotPool) TryRequestExclusive(req SlotRequest) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 || len(p.free) == 0 {
		return Lease{}, errors.Wrapf(domain.ErrSlotUnavailable, "%d free, %d pending", len(p.free), len(p.pending))
	}
	lease := p.reserve(p.popFree(), req)
	p.updateGauges()
	return lease, nil
}

// MarkAllocated confirms the reservation named by lease is in use. It fails with
// ErrSlotLost once the slot was withdrawn, released or reserved by another lease.
func (p *SlotPool) MarkAllocated(lease Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.slots[lease.Slot.Id]
	if !ok {
		return errors.Wrapf(domain.ErrSlotLost, "slot %s is no longer registered", lease.Slot)
	}
	if !e.holds(lease) {
		return errors.Wrapf(domain.ErrSlotLost, "lease %s no longer holds slot %s", lease, e)
	}
	if e.state == Reserved {
		e.state = Allocated
		p.updateGauges()
	}
	return nil
}

// Release returns the slot held by lease to Free and hands it to the oldest
// pending request. Stale leases and unknown slots are ignored.
func (p *SlotPool) Release(lease Lease) {
	p.mu.Lock()
	e, ok := p.slots[lease.Slot.Id]
	if !ok || !e.holds(lease) {
		p.mu.Unlock()
		if ok && e.state != Free {
			log.WithFields(log.Fields{"slotID": lease.Slot.Id}).Debugf("Ignoring release of stale lease %s, slot is %s", lease, e)
		}
		return
	}
	log.WithFields(log.Fields{"jobID": e.job, "slotID": e.slot.Id}).Debugf("Releasing lease %s held by %s", lease, e.owner)
	p.makeFree(e)
	done := p.drain()
	p.updateGauges()
	p.mu.Unlock()

	p.fulfill(done)
}

// ReleaseJob cancels every pending request of job and releases every slot it
// holds. Returns the number of slots released.
func (p *SlotPool) ReleaseJob(job domain.JobID) int {
	p.mu.Lock()
	cancelled := []*pendingRequest{}
	remaining := p.pending[:0]
	for _, pr := range p.pending {
		if pr.req.Job == job {
			pr.timer.Stop()
			cancelled = append(cancelled, pr)
		} else {
			remaining = append(remaining, pr)
		}
	}
	for i := len(remaining); i < len(p.pending); i++ {
		p.pending[i] = nil
	}
	p.pending = remaining
	// Their slots are swept below, the requests fail once the completion runs.
	for pr := range p.inflight {
		if pr.req.Job == job {
			pr.revoked = true
		}
	}

	released := 0
	for _, id := range p.sortedIds() {
		if e := p.slots[id]; e.state != Free && e.job == job {
			p.makeFree(e)
			released++
		}
	}
	done := p.drain()
	p.updateGauges()
	p.mu.Unlock()

	for _, pr := range cancelled {
		p.stat.Counter(stats.SlotPoolRequestCancelledCounter).Inc(1)
		pr.promise.Fail(errors.Wrapf(domain.ErrCancelled, "request %s for %s", pr.id, pr.req.Owner))
	}
	p.fulfill(done)
	if released > 0 || len(cancelled) > 0 {
		log.WithFields(log.Fields{"jobID": job}).Infof("Released %d slots and cancelled %d pending requests", released, len(cancelled))
	}
	return released
}

// Counts returns a consistent snapshot of the pool.
func (p *SlotPool) Counts() PoolCounts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

// State returns the state of a registered slot.
func (p *SlotPool) State(id cluster.SlotId) (SlotState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.slots[id]; ok {
		return e.state, true
	}
	return Free, false
}

func (p *SlotPool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := []*slotEntry{}
	for _, id := range p.sortedIds() {
		entries = append(entries, p.slots[id])
	}
	return fmt.Sprintf("%+v\n%s", p.countsLocked(), spew.Sdump(entries))
}

//
// Everything below is called with p.mu held, except fulfill.
//

func (p *SlotPool) countsLocked() PoolCounts {
	c := PoolCounts{Total: len(p.slots), Pending: len(p.pending)}
	for _, e := range p.slots {
		switch e.state {
		case Free:
			c.Free++
		case Reserved:
			c.Reserved++
		case Allocated:
			c.Allocated++
		}
	}
	return c
}

func (p *SlotPool) updateGauges() {
	c := p.countsLocked()
	p.stat.Gauge(stats.SlotPoolTotalSlotsGauge).Update(int64(c.Total))
	p.stat.Gauge(stats.SlotPoolFreeSlotsGauge).Update(int64(c.Free))
	p.stat.Gauge(stats.SlotPoolReservedSlotsGauge).Update(int64(c.Reserved))
	p.stat.Gauge(stats.SlotPoolAllocatedSlotsGauge).Update(int64(c.Allocated))
	p.stat.Gauge(stats.SlotPoolPendingRequestsGauge).Update(int64(c.Pending))
}

func (p *SlotPool) reserve(id cluster.SlotId, req SlotRequest) Lease {
	e := p.slots[id]
	p.lastLease++
	e.state = Reserved
	e.lease = p.lastLease
	e.job = req.Job
	e.owner = req.Owner
	e.onLost = req.OnLost
	log.WithFields(log.Fields{"jobID": req.Job, "slotID": id}).Debugf("Reserved slot for %s, lease %d", req.Owner, e.lease)
	return Lease{Slot: e.slot, Token: e.lease}
}

func (p *SlotPool) makeFree(e *slotEntry) {
	e.state = Free
	e.lease = 0
	e.job = ""
	e.owner = ""
	e.onLost = nil
	p.free = append(p.free, e.slot.Id)
}

func (p *SlotPool) popFree() cluster.SlotId {
	id := p.free[0]
	p.free = p.free[1:]
	return id
}

func (p *SlotPool) removeFree(id cluster.SlotId) {
	for i, f := range p.free {
		if f == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// Pairs free slots with pending requests, oldest first on both sides.
func (p *SlotPool) drain() []fulfillment {
	var done []fulfillment
	for len(p.pending) > 0 && len(p.free) > 0 {
		pr := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		pr.timer.Stop()
		pr.lease = p.reserve(p.popFree(), pr.req)
		p.inflight[pr] = struct{}{}
		done = append(done, fulfillment{pending: pr, lease: pr.lease})
	}
	return done
}

func (p *SlotPool) fulfill(done []fulfillment) {
	for _, f := range done {
		p.mu.Lock()
		delete(p.inflight, f.pending)
		revoked := f.pending.revoked
		p.mu.Unlock()

		f.pending.latency.Stop()
		if revoked {
			f.pending.promise.Fail(errors.Wrapf(domain.ErrCancelled, "request %s for %s", f.pending.id, f.pending.req.Owner))
			continue
		}
		f.pending.promise.Complete(f.lease)
	}
}

// Removes pr from the queue. Returns false if it was already dequeued.
func (p *SlotPool) dequeue(pr *pendingRequest) bool {
	for i, q := range p.pending {
		if q == pr {
			copy(p.pending[i:], p.pending[i+1:])
			p.pending[len(p.pending)-1] = nil
			p.pending = p.pending[:len(p.pending)-1]
			pr.timer.Stop()
			p.updateGauges()
			return true
		}
	}
	return false
}

// A request whose slot is reserved but not yet delivered is revoked: the slot is
// freed now and the pending completion fails the request instead.
func (p *SlotPool) cancel(pr *pendingRequest) bool {
	p.mu.Lock()
	if p.dequeue(pr) {
		p.mu.Unlock()
		p.stat.Counter(stats.SlotPoolRequestCancelledCounter).Inc(1)
		pr.promise.Fail(errors.Wrapf(domain.ErrCancelled, "request %s for %s", pr.id, pr.req.Owner))
		return true
	}
	if _, ok := p.inflight[pr]; !ok {
		p.mu.Unlock()
		return false
	}
	var done []fulfillment
	if !pr.revoked {
		pr.revoked = true
		if e, ok := p.slots[pr.lease.Slot.Id]; ok && e.holds(pr.lease) {
			p.makeFree(e)
			done = p.drain()
		}
		p.updateGauges()
	}
	p.mu.Unlock()

	p.stat.Counter(stats.SlotPoolRequestCancelledCounter).Inc(1)
	p.fulfill(done)
	return true
}

func (p *SlotPool) expire(pr *pendingRequest, timeout time.Duration) {
	p.mu.Lock()
	ok := p.dequeue(pr)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.stat.Counter(stats.SlotPoolRequestTimeoutCounter).Inc(1)
	log.WithFields(log.Fields{"jobID": pr.req.Job, "requestID": pr.id}).Infof("Slot request for %s timed out after %s", pr.req.Owner, timeout)
	pr.promise.Fail(errors.Wrapf(domain.ErrSlotRequestTimeout, "request %s for %s after %s", pr.id, pr.req.Owner, timeout))
}

func (p *SlotPool) sortedIds() []cluster.SlotId {
	ids := make([]cluster.SlotId, 0, len(p.slots))
	for id := range p.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func newRequestId() string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("request-%d", time.Now().UnixNano())
	}
	return id.String()
}
