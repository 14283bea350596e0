package persist

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestQueueRunsJobsInOrder(t *testing.T) {
	q := NewQueue(16, zap.NewNop())

	var order []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		q.Enqueue("write", func(ctx context.Context) error {
			order = append(order, i)
			if i == 2 {
				close(done)
			}
			return nil
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not run")
	}

	q.Close()
	for i, got := range order {
		if got != i {
			t.Errorf("job order: got %v", order)
			break
		}
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(1, zap.NewNop())
	blocker := make(chan struct{})

	q.Enqueue("slow", func(ctx context.Context) error {
		<-blocker
		return nil
	})

	var ran atomic.Int32
	// Fill the buffer, then overflow it. Enqueue must never block.
	for i := 0; i < 10; i++ {
		q.Enqueue("write", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	close(blocker)
	q.Close()

	if got := ran.Load(); got > 1 {
		t.Errorf("overflowed writes ran: %d", got)
	}
}

func TestQueueDropsAfterClose(t *testing.T) {
	q := NewQueue(4, zap.NewNop())
	q.Close()

	// A session can outlive the listener during shutdown; its late
	// writes must be dropped, never panic the process.
	var ran atomic.Int32
	q.Enqueue("late", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})

	if got := ran.Load(); got != 0 {
		t.Errorf("write enqueued after close ran %d times", got)
	}

	// Closing again is a no-op.
	q.Close()
}

func TestQueueSurvivesFailingWrites(t *testing.T) {
	q := NewQueue(16, zap.NewNop())

	q.Enqueue("bad", func(ctx context.Context) error {
		return errors.New("store unreachable")
	})

	done := make(chan struct{})
	q.Enqueue("good", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after a failed write")
	}
	q.Close()
}
