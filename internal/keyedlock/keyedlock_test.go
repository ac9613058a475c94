package keyedlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireMutualExclusion(t *testing.T) {
	l := New(time.Second, time.Second)
	const goroutines = 20
	const iterations = 50
	var counter int
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				release, err := l.Acquire(context.Background(), "k")
				if err != nil {
					t.Errorf("Acquire() = %v", err)
					return
				}
				counter++
				release()
			}
		}()
	}
	wg.Wait()
	if got, want := counter, goroutines*iterations; got != want {
		t.Errorf("counter = %d, want %d", got, want)
	}
}

func TestAcquireFIFOOrder(t *testing.T) {
	l := New(time.Second, time.Second)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}

	const waiters = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Acquire(context.Background(), "k")
			if err != nil {
				t.Errorf("Acquire() = %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		// Each goroutine must be queued before the next starts.
		time.Sleep(20 * time.Millisecond)
	}
	release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("grant order = %v, want ascending", order)
		}
	}
}

func TestAcquireDistinctKeysDoNotBlock(t *testing.T) {
	l := New(50*time.Millisecond, time.Second)
	releaseA, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire(a) = %v", err)
	}
	defer releaseA()

	releaseB, err := l.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("Acquire(b) while a is held = %v", err)
	}
	releaseB()
}

func TestAcquireTimeout(t *testing.T) {
	l := New(time.Second, time.Second)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k"); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Acquire() under held lock = %v, want ErrLockTimeout", err)
	}
}

func TestLateGrantReleasesForNextWaiter(t *testing.T) {
	// A waiter whose deadline fired must pass a late grant straight to the
	// next waiter instead of swallowing it.
	l := New(time.Second, time.Second)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	timedOut := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "k")
		timedOut <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		r, err := l.Acquire(context.Background(), "k")
		if err == nil {
			r()
		}
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Cancel the first waiter, then release. Whichever way the race lands,
	// the first waiter reports a timeout and the second still gets the lock.
	cancel()
	release()

	if err := <-timedOut; !errors.Is(err, ErrLockTimeout) {
		t.Errorf("cancelled waiter = %v, want ErrLockTimeout", err)
	}
	select {
	case err := <-second:
		if err != nil {
			t.Errorf("second waiter = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second waiter never granted; late grant was swallowed")
	}
}

func TestDoRunsFn(t *testing.T) {
	l := New(time.Second, time.Second)
	ran := false
	err := l.Do(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	if !ran {
		t.Error("fn never ran")
	}
}

func TestDoPropagatesFnError(t *testing.T) {
	l := New(time.Second, time.Second)
	sentinel := errors.New("boom")
	if err := l.Do(context.Background(), "k", func(context.Context) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("Do() = %v, want %v", err, sentinel)
	}
}

func TestDoExecutionTimeout(t *testing.T) {
	l := New(time.Second, 30*time.Millisecond)
	fnDone := make(chan struct{})
	err := l.Do(context.Background(), "k", func(ctx context.Context) error {
		defer close(fnDone)
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("Do() = %v, want ErrOperationTimeout", err)
	}

	// The lock must stay held until fn actually returns.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if _, err := l.Acquire(ctx, "k"); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Acquire() during overrun = %v, want ErrLockTimeout", err)
	}
	cancel()

	<-fnDone
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() after overrun finished = %v", err)
	}
	release()
}

func TestDoAcquireTimeout(t *testing.T) {
	l := New(30*time.Millisecond, time.Second)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	defer release()

	err = l.Do(context.Background(), "k", func(context.Context) error {
		t.Error("fn ran without the lock")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Do() = %v, want ErrLockTimeout", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(time.Second, time.Second)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	release()
	release()

	r2, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() after double release = %v", err)
	}
	r2()
}
