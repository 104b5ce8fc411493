// Async provides tools for values that are produced by another goroutine.
package async

import (
	"context"
	"sync"
)

// Promise is an async value that will eventually hold either a value or an error.
// It is completed exactly once, by Complete or Fail. Later completions are ignored
// and report false, so concurrent producers (a slot offer racing a timeout or a
// cancellation) can decide ownership of the value by the returned bool.
//
// Callbacks registered with OnComplete run on the goroutine that completes the
// Promise, after its internal lock is released, or immediately if the Promise
// is already completed.
type Promise struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     interface{}
	err       error
	callbacks []func(interface{}, error)
}

// The function type of the callback invoked when a Promise is completed.
type CompletionHandler func(value interface{}, err error)

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Returns a Promise that is already completed with the given value.
func Completed(value interface{}) *Promise {
	p := NewPromise()
	p.Complete(value)
	return p
}

// Returns a Promise that has already failed with the given error.
func Failed(err error) *Promise {
	p := NewPromise()
	p.Fail(err)
	return p
}

// Sets the value for the Promise. Returns false if it was already completed.
func (p *Promise) Complete(value interface{}) bool {
	return p.finish(value, nil)
}

// Fails the Promise with err. Returns false if it was already completed.
func (p *Promise) Fail(err error) bool {
	return p.finish(nil, err)
}

func (p *Promise) finish(value interface{}, err error) bool {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return false
	}
	p.completed = true
	p.value = value
	p.err = err
	cbs := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(value, err)
	}
	return true
}

// OnComplete registers cb to be invoked with the final value and error.
func (p *Promise) OnComplete(cb CompletionHandler) {
	p.mu.Lock()
	if !p.completed {
		p.callbacks = append(p.callbacks, cb)
		p.mu.Unlock()
		return
	}
	value, err := p.value, p.err
	p.mu.Unlock()
	cb(value, err)
}

// Done is closed once the Promise is completed.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Returns whether the Promise is completed and, if so, its value and error.
// Unlike the channel based AsyncError this may be called any number of times.
func (p *Promise) TryGetValue() (bool, interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.completed {
		return false, nil, nil
	}
	return true, p.value, p.err
}

// Await blocks until the Promise is completed or ctx is done.
// A ctx expiry does not complete the Promise.
func (p *Promise) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-p.done:
		_, value, err := p.TryGetValue()
		return value, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
