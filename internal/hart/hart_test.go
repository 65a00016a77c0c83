package hart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Demindiro/norost-a-sub000/internal/executor"
	"github.com/Demindiro/norost-a-sub000/internal/pfn"
	"github.com/Demindiro/norost-a-sub000/internal/shared"
	"github.com/Demindiro/norost-a-sub000/internal/sv39"
	"github.com/Demindiro/norost-a-sub000/internal/task"
)

func instantWait(ctx context.Context, nanos uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func TestPoolRunStopsOnContextCancel(t *testing.T) {
	tasks := executor.NewPool(4)
	alloc := pfn.New(1, 16)
	alloc.InsertRanges([]pfn.Range{{Start: 0x5000, Count: 8}})
	root := shared.NewRoot(alloc)
	vms, st := sv39.New(alloc, root, nil, 0)
	if !st.OK() {
		t.Fatalf("new vms: %v", st)
	}
	tasks.Spawn(task.New(vms, 0, 0, 4))

	var tick uint64
	now := func() uint64 {
		tick++
		return tick
	}

	p := New(tasks, 1, 1_000_000, now, instantWait)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestPoolRunRecoversPanic(t *testing.T) {
	tasks := executor.NewPool(0)
	p := New(tasks, 1, 1_000_000, func() uint64 { return 0 }, func(ctx context.Context, n uint64) error {
		panic("boom")
	})
	err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected the panic to surface as an error")
	}
}
