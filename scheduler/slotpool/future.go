package slotpool

import (
	"context"

	"github.com/dataflow/coord/async"
	"github.com/dataflow/coord/cloud/cluster"
)

// SlotFuture is the handle returned by every slot request that may not be
// satisfiable immediately. It completes exactly once with a lease or an error
// (ErrSlotRequestTimeout, ErrCancelled, ...).
type SlotFuture struct {
	promise *async.Promise
	cancel  func() bool
}

// NewSlotFuture wraps a promise completed by the producer with a Lease (or a bare
// cluster.Slot, which reads as a lease with token 0).
// cancel withdraws the request and reports whether it was still pending, it may be nil.
func NewSlotFuture(promise *async.Promise, cancel func() bool) *SlotFuture {
	return &SlotFuture{promise: promise, cancel: cancel}
}

// Returns a future already holding lease.
func LeasedSlotFuture(lease Lease) *SlotFuture {
	return NewSlotFuture(async.Completed(lease), nil)
}

// Returns a future already holding slot, with no lease token.
func ResolvedSlotFuture(slot cluster.Slot) *SlotFuture {
	return LeasedSlotFuture(Lease{Slot: slot})
}

// Returns a future that already failed with err.
func FailedSlotFuture(err error) *SlotFuture {
	return NewSlotFuture(async.Failed(err), nil)
}

func leaseOf(v interface{}) Lease {
	switch l := v.(type) {
	case Lease:
		return l
	case cluster.Slot:
		return Lease{Slot: l}
	}
	return Lease{}
}

// AwaitLease blocks until the request completes or ctx is done. ctx expiry leaves
// the request pending, use Cancel to withdraw it.
func (f *SlotFuture) AwaitLease(ctx context.Context) (Lease, error) {
	v, err := f.promise.Await(ctx)
	if err != nil {
		return Lease{}, err
	}
	return leaseOf(v), nil
}

// Await is AwaitLease for callers that only need the slot.
func (f *SlotFuture) Await(ctx context.Context) (cluster.Slot, error) {
	l, err := f.AwaitLease(ctx)
	return l.Slot, err
}

// Done is closed once the request completed.
func (f *SlotFuture) Done() <-chan struct{} {
	return f.promise.Done()
}

// TryGetLease returns whether the request completed and, if so, its outcome.
func (f *SlotFuture) TryGetLease() (bool, Lease, error) {
	done, v, err := f.promise.TryGetValue()
	if !done || err != nil {
		return done, Lease{}, err
	}
	return true, leaseOf(v), nil
}

func (f *SlotFuture) TryGet() (bool, cluster.Slot, error) {
	done, l, err := f.TryGetLease()
	return done, l.Slot, err
}

// OnLease registers cb to run once the request completed.
func (f *SlotFuture) OnLease(cb func(Lease, error)) {
	f.promise.OnComplete(func(v interface{}, err error) {
		if err != nil {
			cb(Lease{}, err)
			return
		}
		cb(leaseOf(v), nil)
	})
}

func (f *SlotFuture) OnComplete(cb func(cluster.Slot, error)) {
	f.OnLease(func(l Lease, err error) { cb(l.Slot, err) })
}

// Cancel withdraws a request, which then fails with ErrCancelled. A request whose
// slot is reserved but not yet delivered is revoked and its slot freed before
// Cancel returns. It returns false when the request already completed: if that
// outcome is a lease, the caller owns it and must release it.
func (f *SlotFuture) Cancel() bool {
	if f.cancel == nil {
		return false
	}
	return f.cancel()
}

// Cancels the request, or releases the lease it completed with. Either way the
// request holds no slot once this returns.
func (f *SlotFuture) CancelOrRelease(release func(Lease)) {
	if f.Cancel() {
		return
	}
	// Cancel only fails for completed requests, Done is already closed or about to be.
	<-f.Done()
	if done, lease, err := f.TryGetLease(); done && err == nil {
		release(lease)
	}
}
