// Package sharing lets subtasks of different vertices with the same subtask index
// share one physical slot.
package sharing

//go:generate mockgen -source=manager.go -package=sharing -destination=slot_provider_mock.go

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/async"
	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/domain"
	"github.com/dataflow/coord/scheduler/slotpool"
)

// SlotProvider hands out physical slots, implemented by slotpool.SlotPool.
type SlotProvider interface {
	RequestExclusive(req slotpool.SlotRequest) *slotpool.SlotFuture
	Release(lease slotpool.Lease)
}

type recordKey struct {
	group string
	index int
}

func (k recordKey) String() string {
	return fmt.Sprintf("%s[%d]", k.group, k.index)
}

// sharedSlot is the record of one physical slot shared by same-index subtasks of
// one sharing group. The member count is its reference count.
type sharedSlot struct {
	key      recordKey
	promise  *async.Promise // completed with the physical lease
	physical *slotpool.SlotFuture
	lease    slotpool.Lease
	hasSlot  bool
	released bool
	members  map[domain.VertexID]*async.Promise
}

// Manager keeps the shared slot records of one job. Its lock is never held while
// calling the SlotProvider.
type Manager struct {
	mu       sync.Mutex
	job      domain.JobID
	provider SlotProvider
	timeout  time.Duration
	onLost   func(slotpool.Lease)
	records  map[recordKey]*sharedSlot
	stat     stats.StatsReceiver
}

// NewManager creates the manager for job. Physical requests carry timeout and onLost.
func NewManager(job domain.JobID, provider SlotProvider, timeout time.Duration, onLost func(slotpool.Lease), stat stats.StatsReceiver) *Manager {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Manager{
		job:      job,
		provider: provider,
		timeout:  timeout,
		onLost:   onLost,
		records:  map[recordKey]*sharedSlot{},
		stat:     stat,
	}
}

// RequestShared returns the slot shared by subtask index of group, requesting a
// new physical slot for the first member. A vertex already hosted in the record
// fails with ErrDuplicateVertexInShare.
func (m *Manager) RequestShared(group string, vertex domain.VertexID, index int) *slotpool.SlotFuture {
	key := recordKey{group: group, index: index}
	m.mu.Lock()
	rec, exists := m.records[key]
	if exists {
		if _, dup := rec.members[vertex]; dup {
			m.mu.Unlock()
			return slotpool.FailedSlotFuture(errors.Wrapf(domain.ErrDuplicateVertexInShare, "vertex %s in shared slot %s of job %s", vertex, key, m.job))
		}
	} else {
		rec = &sharedSlot{
			key:     key,
			promise: async.NewPromise(),
			members: map[domain.VertexID]*async.Promise{},
		}
		m.records[key] = rec
		m.updateGauge()
	}
	member := async.NewPromise()
	rec.members[vertex] = member
	m.mu.Unlock()

	if !exists {
		log.WithFields(log.Fields{"jobID": m.job, "vertexID": vertex, "subtask": index}).
			Debugf("Requesting physical slot for shared slot %s", key)
		m.attach(rec, m.provider.RequestExclusive(slotpool.SlotRequest{
			Job:     m.job,
			Owner:   "shared slot " + key.String(),
			Timeout: m.timeout,
			OnLost:  m.onLost,
		}))
	}
	rec.promise.OnComplete(func(v interface{}, err error) {
		if err != nil {
			member.Fail(err)
		} else {
			member.Complete(v)
		}
	})
	return slotpool.NewSlotFuture(member, func() bool { return m.cancelMember(rec, vertex, member) })
}

// Release removes vertex from the shared slot of index in group. The physical slot
// goes back to the provider when the last member leaves, a still pending physical
// request is cancelled. Unknown members are ignored.
func (m *Manager) Release(group string, vertex domain.VertexID, index int) {
	m.mu.Lock()
	rec, ok := m.records[recordKey{group: group, index: index}]
	if !ok {
		m.mu.Unlock()
		return
	}
	member, ok := rec.members[vertex]
	if !ok {
		m.mu.Unlock()
		return
	}
	physical := m.removeMember(rec, vertex)
	m.mu.Unlock()

	member.Fail(errors.Wrapf(domain.ErrCancelled, "vertex %s left shared slot %s", vertex, rec.key))
	if physical != nil {
		physical.CancelOrRelease(m.provider.Release)
	}
}

// Forget drops every record holding the lost lease without returning the slot.
func (m *Manager) Forget(lease slotpool.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.records {
		if rec.hasSlot && rec.lease == lease {
			rec.released = true
			delete(m.records, key)
			log.WithFields(log.Fields{"jobID": m.job, "slotID": lease.Slot.Id}).Infof("Dropped shared slot %s on lost lease %s", key, lease)
		}
	}
	m.updateGauge()
}

// Returns the number of shared slot records.
func (m *Manager) NumSharedSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Returns the vertices hosted by the shared slot of index in group, sorted.
func (m *Manager) Members(group string, index int) []domain.VertexID {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := []domain.VertexID{}
	if rec, ok := m.records[recordKey{group: group, index: index}]; ok {
		for v := range rec.members {
			members = append(members, v)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (m *Manager) attach(rec *sharedSlot, physical *slotpool.SlotFuture) {
	m.mu.Lock()
	if rec.released {
		m.mu.Unlock()
		physical.CancelOrRelease(m.provider.Release)
		return
	}
	rec.physical = physical
	m.mu.Unlock()

	physical.OnLease(func(lease slotpool.Lease, err error) {
		m.mu.Lock()
		if err != nil {
			// Not cached, the next request for this key starts over.
			if m.records[rec.key] == rec {
				delete(m.records, rec.key)
				m.updateGauge()
			}
		} else {
			rec.lease = lease
			rec.hasSlot = true
		}
		m.mu.Unlock()

		if err != nil {
			log.WithFields(log.Fields{"jobID": m.job}).Infof("Shared slot %s failed: %v", rec.key, err)
			rec.promise.Fail(err)
		} else {
			rec.promise.Complete(lease)
		}
	})
}

func (m *Manager) cancelMember(rec *sharedSlot, vertex domain.VertexID, member *async.Promise) bool {
	if !member.Fail(errors.Wrapf(domain.ErrCancelled, "vertex %s left shared slot %s", vertex, rec.key)) {
		return false
	}
	m.mu.Lock()
	var physical *slotpool.SlotFuture
	if rec.members[vertex] == member {
		physical = m.removeMember(rec, vertex)
	}
	m.mu.Unlock()
	if physical != nil {
		physical.CancelOrRelease(m.provider.Release)
	}
	return true
}

// Drops vertex from rec. Returns the physical request to give back when rec lost
// its last member. Called with m.mu held.
func (m *Manager) removeMember(rec *sharedSlot, vertex domain.VertexID) *slotpool.SlotFuture {
	delete(rec.members, vertex)
	if len(rec.members) > 0 || rec.released {
		return nil
	}
	rec.released = true
	if m.records[rec.key] == rec {
		delete(m.records, rec.key)
		m.updateGauge()
	}
	return rec.physical
}

func (m *Manager) updateGauge() {
	m.stat.Gauge(stats.SharingSharedSlotsGauge).Update(int64(len(m.records)))
}
