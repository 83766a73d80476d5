// Package promise provides a single-assignment result that several producers may race to settle.
package promise

import (
	"context"
	"sync"
)

// Promise holds a value or an error. Only the first call to Resolve or Reject has any effect;
// later calls return false and leave the settled result untouched.
type Promise[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve settles the promise with v. It reports whether this call won.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(v, nil)
}

// Reject settles the promise with err. It reports whether this call won.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) bool {
	won := false
	p.once.Do(func() {
		p.val = v
		p.err = err
		won = true
		close(p.done)
	})
	return won
}

// Done is closed once the promise is settled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise is settled or ctx is done. A done ctx does not settle the promise.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
