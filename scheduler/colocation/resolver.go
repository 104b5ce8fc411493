// Package colocation pins same-index subtasks of co-located vertices to the
// identical slot.
package colocation

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/async"
	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

// ResolveFunc performs the underlying slot request for the first member of an
// anchor. It returns the request and the function that gives the slot back once
// the last member released it.
type ResolveFunc func() (*slotpool.SlotFuture, func())

type anchorKey struct {
	group string
	index int
}

func (k anchorKey) String() string {
	return fmt.Sprintf("%s[%d]", k.group, k.index)
}

type anchor struct {
	key      anchorKey
	promise  *async.Promise // completed with the anchor lease
	release  func()
	lease    slotpool.Lease
	hasSlot  bool
	released bool
	members  map[domain.VertexID]*async.Promise
}

// Resolver keeps the co-location anchors of one job under its own lock.
type Resolver struct {
	mu      sync.Mutex
	job     domain.JobID
	anchors map[anchorKey]*anchor
	stat    stats.StatsReceiver
}

func NewResolver(job domain.JobID, stat stats.StatsReceiver) *Resolver {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Resolver{job: job, anchors: map[anchorKey]*anchor{}, stat: stat}
}

// Bind returns the anchor slot of index in group. Only the member that creates
// the anchor invokes resolve, later members reuse its result. Binding a vertex
// twice fails with ErrConstraintViolation. A failed resolution is not kept, the
// next member to arrive resolves again.
func (r *Resolver) Bind(group string, index int, vertex domain.VertexID, resolve ResolveFunc) *slotpool.SlotFuture {
	key := anchorKey{group: group, index: index}
	r.mu.Lock()
	a, exists := r.anchors[key]
	if exists {
		if _, dup := a.members[vertex]; dup {
			r.mu.Unlock()
			return slotpool.FailedSlotFuture(errors.Wrapf(domain.ErrConstraintViolation,
				"vertex %s already bound to co-location anchor %s of job %s", vertex, key, r.job))
		}
	} else {
		a = &anchor{key: key, promise: async.NewPromise(), members: map[domain.VertexID]*async.Promise{}}
		r.anchors[key] = a
		r.updateGauge()
	}
	member := async.NewPromise()
	a.members[vertex] = member
	r.mu.Unlock()

	if !exists {
		log.WithFields(log.Fields{"jobID": r.job, "vertexID": vertex, "subtask": index}).
			Debugf("Establishing co-location anchor %s", key)
		future, release := resolve()
		r.attach(a, future, release)
	}
	a.promise.OnComplete(func(v interface{}, err error) {
		if err != nil {
			member.Fail(err)
		} else {
			member.Complete(v)
		}
	})
	return slotpool.NewSlotFuture(member, func() bool {
		if !member.Fail(errors.Wrapf(domain.ErrCancelled, "vertex %s left co-location anchor %s", vertex, key)) {
			return false
		}
		r.unbind(a, vertex, member)
		return true
	})
}

// Release removes vertex from the anchor of index in group. The last member
// forwards the release to the underlying request and clears the anchor.
func (r *Resolver) Release(group string, index int, vertex domain.VertexID) {
	r.mu.Lock()
	a, ok := r.anchors[anchorKey{group: group, index: index}]
	if !ok {
		r.mu.Unlock()
		return
	}
	member, ok := a.members[vertex]
	r.mu.Unlock()
	if !ok {
		return
	}
	member.Fail(errors.Wrapf(domain.ErrCancelled, "vertex %s left co-location anchor %s", vertex, a.key))
	r.unbind(a, vertex, member)
}

// Forget clears every anchor holding the lost lease without forwarding a release.
func (r *Resolver) Forget(lease slotpool.Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, a := range r.anchors {
		if a.hasSlot && a.lease == lease {
			a.released = true
			delete(r.anchors, key)
		}
	}
	r.updateGauge()
}

// Anchor returns the slot anchoring index in group, if resolved.
func (r *Resolver) Anchor(group string, index int) (cluster.Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.anchors[anchorKey{group: group, index: index}]; ok && a.hasSlot {
		return a.lease.Slot, true
	}
	return cluster.Slot{}, false
}

// Returns the number of anchors, resolved or not.
func (r *Resolver) NumAnchors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anchors)
}

func (r *Resolver) attach(a *anchor, future *slotpool.SlotFuture, release func()) {
	r.mu.Lock()
	if a.released {
		r.mu.Unlock()
		release()
		return
	}
	a.release = release
	r.mu.Unlock()

	future.OnLease(func(lease slotpool.Lease, err error) {
		r.mu.Lock()
		if err != nil {
			if r.anchors[a.key] == a {
				delete(r.anchors, a.key)
				r.updateGauge()
			}
		} else {
			a.lease = lease
			a.hasSlot = true
		}
		r.mu.Unlock()

		if err != nil {
			log.WithFields(log.Fields{"jobID": r.job}).Infof("Co-location anchor %s not established: %v", a.key, err)
			a.promise.Fail(err)
		} else {
			a.promise.Complete(lease)
		}
	})
}

func (r *Resolver) unbind(a *anchor, vertex domain.VertexID, member *async.Promise) {
	r.mu.Lock()
	if a.members[vertex] != member {
		r.mu.Unlock()
		return
	}
	delete(a.members, vertex)
	if len(a.members) > 0 || a.released {
		r.mu.Unlock()
		return
	}
	a.released = true
	if r.anchors[a.key] == a {
		delete(r.anchors, a.key)
		r.updateGauge()
	}
	release := a.release
	r.mu.Unlock()

	if release != nil {
		release()
	}
}

func (r *Resolver) updateGauge() {
	r.stat.Gauge(stats.ColocationAnchorsGauge).Update(int64(len(r.anchors)))
}
