package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Verify that TryGetValue returns false for an uncompleted Promise
func TestPromise_NotCompleted(t *testing.T) {
	p := NewPromise()
	ok, value, err := p.TryGetValue()

	assert.False(t, ok, "Expected TryGetValue to return false for uncompleted Promise")
	assert.Nil(t, value)
	assert.Nil(t, err)
}

// Verify that only the first completion wins
func TestPromise_CompletesOnce(t *testing.T) {
	p := NewPromise()
	testErr := errors.New("Test Error!")

	assert.True(t, p.Complete("slot1"))
	assert.False(t, p.Fail(testErr))
	assert.False(t, p.Complete("slot2"))

	ok, value, err := p.TryGetValue()
	assert.True(t, ok)
	assert.Equal(t, "slot1", value)
	assert.NoError(t, err)

	// TryGetValue is repeatable
	ok, value, _ = p.TryGetValue()
	assert.True(t, ok)
	assert.Equal(t, "slot1", value)
}

func TestPromise_OnComplete(t *testing.T) {
	p := NewPromise()
	var got []interface{}
	p.OnComplete(func(v interface{}, err error) { got = append(got, v) })
	assert.Empty(t, got, "callback must not run before completion")

	p.Complete(1)
	assert.Equal(t, []interface{}{1}, got)

	// registering after completion runs immediately
	p.OnComplete(func(v interface{}, err error) { got = append(got, v) })
	assert.Equal(t, []interface{}{1, 1}, got)
}

func TestPromise_AwaitContext(t *testing.T) {
	p := NewPromise()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	ok, _, _ := p.TryGetValue()
	assert.False(t, ok, "ctx expiry must not complete the promise")

	go p.Fail(errors.New("boom"))
	_, err = p.Await(context.Background())
	assert.EqualError(t, err, "boom")
}

// Many concurrent completers, exactly one succeeds.
func TestPromise_ConcurrentCompletion(t *testing.T) {
	p := NewPromise()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Complete(i) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	select {
	case <-p.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestPromise_CompletedHelpers(t *testing.T) {
	ok, v, err := Completed("x").TryGetValue()
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	assert.NoError(t, err)

	ok, _, err = Failed(errors.New("nope")).TryGetValue()
	assert.True(t, ok)
	assert.EqualError(t, err, "nope")
}
