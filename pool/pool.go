// Package pool bounds concurrent use of expensive, reusable handles.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Acquire once Close has been called.
	ErrClosed = errors.New("pool: closed")
)

// Pool is a fixed-capacity blocking queue of resources. A resource is held by
// at most one caller between Acquire and Release. Waiters are served in
// arrival order by the channel's receive queue.
type Pool[T comparable] struct {
	idle    chan T
	all     []T
	dispose func(T) error

	mu       sync.Mutex
	busy     map[T]struct{}
	closed   bool
	inflight sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps an existing set of distinct resources.
func New[T comparable](resources []T, dispose func(T) error) (*Pool[T], error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("pool: at least one resource is required")
	}
	p := &Pool[T]{
		idle:    make(chan T, len(resources)),
		all:     make([]T, 0, len(resources)),
		dispose: dispose,
		busy:    make(map[T]struct{}, len(resources)),
		done:    make(chan struct{}),
	}
	seen := make(map[T]struct{}, len(resources))
	for _, r := range resources {
		if _, dup := seen[r]; dup {
			return nil, fmt.Errorf("pool: duplicate resource")
		}
		seen[r] = struct{}{}
		p.all = append(p.all, r)
		p.idle <- r
	}
	return p, nil
}

// Open creates size resources up front. If any creation fails, the resources
// created so far are disposed and the error is returned.
func Open[T comparable](ctx context.Context, size int, create func(context.Context) (T, error), dispose func(T) error) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive")
	}
	resources := make([]T, 0, size)
	fail := func(err error) (*Pool[T], error) {
		errs := []error{err}
		for _, created := range resources {
			if dispose != nil {
				if derr := dispose(created); derr != nil {
					errs = append(errs, derr)
				}
			}
		}
		return nil, errors.Join(errs...)
	}
	for i := 0; i < size; i++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		r, err := create(ctx)
		if err != nil {
			return fail(fmt.Errorf("create resource %d: %w", i, err))
		}
		resources = append(resources, r)
	}
	return New(resources, dispose)
}

// Size returns the fixed capacity of the pool.
func (p *Pool[T]) Size() int {
	return len(p.all)
}

// InUse returns the number of resources currently checked out.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Acquire blocks until a resource is idle, ctx is done, or the pool closes.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	select {
	case r := <-p.idle:
		p.mu.Lock()
		p.busy[r] = struct{}{}
		p.mu.Unlock()
		return r, nil
	case <-ctx.Done():
		p.inflight.Done()
		return zero, ctx.Err()
	case <-p.done:
		p.inflight.Done()
		return zero, ErrClosed
	}
}

// Release returns r to the pool. Releasing a resource that is not checked out
// is a no-op.
func (p *Pool[T]) Release(r T) {
	p.mu.Lock()
	if _, ok := p.busy[r]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.busy, r)
	p.mu.Unlock()

	p.idle <- r
	p.inflight.Done()
}

// Do runs fn with an acquired resource and releases it on every exit path.
func (p *Pool[T]) Do(ctx context.Context, fn func(T) error) error {
	r, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(r)
	return fn(r)
}

// Close stops new acquisitions, waits for every checked-out resource to be
// released, then disposes each resource exactly once.
func (p *Pool[T]) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		p.mu.Unlock()

		p.inflight.Wait()

		var errs []error
		for _, r := range p.all {
			if p.dispose == nil {
				continue
			}
			if err := p.dispose(r); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
