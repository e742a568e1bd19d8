package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/infra/lock"
)

func TestWithLocks_SerializesSameAccount(t *testing.T) {
	c := lock.NewCoordinator()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WithLocks(context.Background(), []string{"A"}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most 1 holder at a time, got %d", maxInside)
	}
	if c.Held() != 0 {
		t.Errorf("expected lock entries to be cleaned up, got %d", c.Held())
	}
}

func TestWithLocks_OppositeOrderDoesNotDeadlock(t *testing.T) {
	c := lock.NewCoordinator()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = c.WithLocks(context.Background(), []string{"A", "B"}, func(ctx context.Context) error { return nil })
			}()
			go func() {
				defer wg.Done()
				_ = c.WithLocks(context.Background(), []string{"B", "A"}, func(ctx context.Context) error { return nil })
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposite-order lock acquisition deadlocked")
	}
}

func TestWithLocks_ContextCancelledWhileWaiting(t *testing.T) {
	c := lock.NewCoordinator()

	holding := make(chan struct{})
	releaseHolder := make(chan struct{})
	go func() {
		_ = c.WithLocks(context.Background(), []string{"A"}, func(ctx context.Context) error {
			close(holding)
			<-releaseHolder
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := c.WithLocks(ctx, []string{"B", "A"}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if called {
		t.Error("fn must not run when locks were not acquired")
	}

	// B must have been released by the cancelled caller.
	if err := c.WithLocks(context.Background(), []string{"B"}, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("lock B after cancel: %v", err)
	}

	close(releaseHolder)
}

func TestWithLocks_ReleasesOnPanic(t *testing.T) {
	c := lock.NewCoordinator()

	func() {
		defer func() { _ = recover() }()
		_ = c.WithLocks(context.Background(), []string{"A"}, func(ctx context.Context) error {
			panic("boom")
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WithLocks(ctx, []string{"A"}, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("lock after panic: %v", err)
	}
}

func TestWithLocks_ReportsWait(t *testing.T) {
	var observed int32
	c := lock.NewCoordinator(lock.WithWaitObserver(func(time.Duration) {
		atomic.AddInt32(&observed, 1)
	}))

	err := c.WithLocks(context.Background(), []string{"A", "A", ""}, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed != 1 {
		t.Errorf("expected one wait observation, got %d", observed)
	}
}
