// Package notify provides the small synchronization primitives the log server is built
// from: a monotonically advancing value whose readers can wait for a target, a
// broadcast trigger and a one-shot future.
package notify

import (
	"cmp"
	"context"
	"fmt"
	"sync"
)

type waiter[T cmp.Ordered] struct {
	target T
	ch     chan struct{}
}

// Value is a non-decreasing value. WhenAtLeast hands out channels that are closed once
// the value reaches the requested target.
type Value[T cmp.Ordered] struct {
	mu      sync.Mutex
	val     T
	waiters []waiter[T]
}

func NewValue[T cmp.Ordered](init T) *Value[T] {
	return &Value[T]{val: init}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

// Set advances the value. Moving it backwards is a programming error.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if val < v.val {
		panic(fmt.Sprintf("notify: value moved backwards from %v to %v", v.val, val))
	}
	v.val = val

	kept := v.waiters[:0]
	for _, w := range v.waiters {
		if w.target <= val {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(v.waiters); i++ {
		v.waiters[i] = waiter[T]{}
	}
	v.waiters = kept
}

// WhenAtLeast returns a channel closed once the value is >= target.
func (v *Value[T]) WhenAtLeast(target T) <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan struct{})
	if v.val >= target {
		close(ch)
		return ch
	}
	v.waiters = append(v.waiters, waiter[T]{target: target, ch: ch})
	return ch
}

// Wait blocks until the value is >= target or ctx is done.
func (v *Value[T]) Wait(ctx context.Context, target T) error {
	select {
	case <-v.WhenAtLeast(target):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger wakes everyone currently waiting on it. Waiters that arrive after Fire wait
// for the next one.
type Trigger struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{})}
}

func (t *Trigger) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

func (t *Trigger) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.ch)
	t.ch = make(chan struct{})
}

// Future is set exactly once, either with success or with an error.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Send completes the future successfully. Later completions are ignored.
func (f *Future) Send() {
	f.complete(nil)
}

// Fail completes the future with err. Later completions are ignored.
func (f *Future) Fail(err error) {
	f.complete(err)
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error. It is only meaningful once Done is closed.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
