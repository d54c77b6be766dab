package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSettleOnce(t *testing.T) {
	f := New[int]()
	if !f.Resolve(1) {
		t.Fatal("first Resolve should win")
	}
	if f.Resolve(2) {
		t.Fatal("second Resolve should be ignored")
	}
	if f.Reject(errors.New("late")) {
		t.Fatal("Reject after Resolve should be ignored")
	}

	v, err := f.Result()
	if err != nil || v != 1 {
		t.Fatalf("expect 1, got %v (%v)", v, err)
	}
}

func TestConcurrentSettle(t *testing.T) {
	f := New[int]()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				if f.Resolve(n) {
					wins.Add(1)
				}
			} else if f.Reject(errors.New("odd")) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expect exactly one winner, got %d", wins.Load())
	}
}

func TestGo(t *testing.T) {
	v, err := Go(func() (string, error) { return "ok", nil }).Result()
	if err != nil || v != "ok" {
		t.Fatalf("expect ok, got %q (%v)", v, err)
	}

	_, err = Go(func() (string, error) { return "", errors.New("failed") }).Result()
	if err == nil || err.Error() != "failed" {
		t.Fatalf("expect failed, got %v", err)
	}

	_, err = Go(func() (string, error) { panic("boom") }).Result()
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expect panic to reject with boom, got %v", err)
	}
}

func TestAwaitContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}

	// The future is still usable after Await gave up.
	f.Resolve(5)
	if v, _ := f.Await(context.Background()); v != 5 {
		t.Fatalf("expect 5, got %d", v)
	}
}

func TestRejectNil(t *testing.T) {
	_, err := Rejected[int](nil).Result()
	if err == nil {
		t.Fatal("expect non-nil error")
	}
	if v, _ := Resolved(3).Result(); v != 3 {
		t.Fatalf("expect 3, got %d", v)
	}
}
