// Package hart runs the per-hart schedule loop of spec.md §4.F as a pool
// of goroutines, one per simulated hart (SPEC_FULL.md §0: "A hart is a
// goroutine running an Executor loop, not a physical core").
//
// Grounded on original_source/kernel/src/main.rs's multi-hart boot, which
// starts every secondary hart spinning on the same executor loop after
// the boot hart finishes early init. There is no secondary-hart start
// mechanism to model in a hosted program — goroutines already start
// concurrently — so this just launches N of them and lets
// golang.org/x/sync/errgroup do what the original's "first hart to panic
// halts the machine" behavior does: cancel every other hart's context on
// the first fatal error.
package hart

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Demindiro/norost-a-sub000/internal/executor"
)

// TimerFunc blocks until nanos nanoseconds have elapsed or ctx is
// cancelled, whichever comes first. Production callers pass a wrapper
// around time.NewTimer;
// tests pass something that returns immediately so the loop drains
// deterministically.
type TimerFunc func(ctx context.Context, nanos uint64) error

// NowFunc returns the current time in nanoseconds, matching spec.md
// §4.E's now().
type NowFunc func() uint64

// Pool launches and supervises one Executor goroutine per hart.
type Pool struct {
	executors []*executor.Executor
	now       NowFunc
	wait      TimerFunc
}

// New builds a pool of N executors over pool, one per hart id
// [0, numHarts).
func New(tasks *executor.Pool, numHarts int, quotaNanos uint64, now NowFunc, wait TimerFunc) *Pool {
	execs := make([]*executor.Executor, numHarts)
	for i := range execs {
		execs[i] = executor.New(tasks, i, quotaNanos)
	}
	return &Pool{executors: execs, now: now, wait: wait}
}

// Run starts every hart's schedule loop and blocks until ctx is
// cancelled or one hart returns a fatal error, in which case every other
// hart's context is cancelled too (the goroutine analogue of the
// original's "first fault halts every hart").
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range p.executors {
		e := e
		g.Go(func() error {
			return p.runOne(gctx, e)
		})
	}
	return g.Wait()
}

func (p *Pool) runOne(ctx context.Context, e *executor.Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hart %d: %v", e.HartID, r)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		now := p.now()
		sel := e.Schedule(now)
		var delta uint64
		if sel.TimerNanos > now {
			delta = sel.TimerNanos - now
		}
		if err := p.wait(ctx, delta); err != nil {
			return err
		}
	}
}
