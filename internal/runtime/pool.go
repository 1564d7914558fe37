package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// workerPool bounds the number of blocking handlers running at once.
type workerPool struct {
	size int64
	sem  *semaphore.Weighted
	busy atomic.Int64
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

type outcome struct {
	result any
	err    error
}

// Do waits for a free worker and runs fn on it. When ctx ends first Do
// returns the context error; fn keeps its worker until it returns.
func (p *workerPool) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	done := make(chan outcome, 1)
	go func() {
		defer p.sem.Release(1)
		p.busy.Add(1)
		defer p.busy.Add(-1)
		result, err := protect(fn)
		done <- outcome{result: result, err: err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Busy is the number of workers currently running a handler.
func (p *workerPool) Busy() int { return int(p.busy.Load()) }

// Size is the worker count.
func (p *workerPool) Size() int { return int(p.size) }

// goAsync runs fn on its own goroutine and waits for it or for ctx.
func goAsync(ctx context.Context, fn func() (any, error)) (any, error) {
	done := make(chan outcome, 1)
	go func() {
		result, err := protect(fn)
		done <- outcome{result: result, err: err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// protect converts a handler panic into an Internal error carrying the stack.
func protect(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r, debug.Stack())
		}
	}()
	return fn()
}

func panicError(r any, stack []byte) error {
	e := errspkg.New(errspkg.KindInternal, "%s", fmt.Sprint(r))
	e.Trace = string(stack)
	return e
}
