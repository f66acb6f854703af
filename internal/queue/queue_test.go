package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitResult reads a task result with a test-scoped deadline.
func waitResult[T any](t *testing.T, ch <-chan Result[T]) Result[T] {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
		return Result[T]{}
	}
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 2
	q := New[int](limit)

	var (
		inFlight int32
		peak     int32
	)
	release := make(chan struct{})

	work := func() (int, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return 0, nil
	}

	var results []<-chan Result[int]
	for i := 0; i < 8; i++ {
		results = append(results, q.Enqueue(work, EnqueueOptions{}))
	}

	// Give the dispatcher a chance to (incorrectly) overfill.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&inFlight); got > limit {
		t.Fatalf("in-flight = %d, want <= %d", got, limit)
	}
	if st := q.Stats(); st.Processing > limit {
		t.Fatalf("Stats().Processing = %d, want <= %d", st.Processing, limit)
	}

	close(release)
	for _, ch := range results {
		if r := waitResult(t, ch); r.Err != nil {
			t.Fatalf("task failed: %v", r.Err)
		}
	}

	if got := atomic.LoadInt32(&peak); got > limit {
		t.Fatalf("peak concurrency = %d, want <= %d", got, limit)
	}
	if st := q.Stats(); st.Completed != 8 {
		t.Fatalf("Completed = %d, want 8", st.Completed)
	}
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	q := New[string](1)

	var (
		mu    sync.Mutex
		order []string
	)
	block := make(chan struct{})

	// Occupy the single slot so subsequent enqueues stay pending.
	first := q.Enqueue(func() (string, error) {
		<-block
		return "first", nil
	}, EnqueueOptions{})

	record := func(name string) func() (string, error) {
		return func() (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	lowA := q.Enqueue(record("low-a"), EnqueueOptions{Priority: 0})
	lowB := q.Enqueue(record("low-b"), EnqueueOptions{Priority: 0})
	high := q.Enqueue(record("high"), EnqueueOptions{Priority: 5})

	close(block)
	waitResult(t, first)
	waitResult(t, high)
	waitResult(t, lowA)
	waitResult(t, lowB)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "low-a", "low-b"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestRetryableErrorRetriesWithBackoff(t *testing.T) {
	const base = 5 * time.Millisecond
	q := New[int](1, WithBackoffBase[int](base))

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	work := func() (int, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return 0, errors.New("upstream returned 429")
	}

	r := waitResult(t, q.Enqueue(work, EnqueueOptions{MaxRetries: 3}))
	if r.Err == nil {
		t.Fatal("expected terminal error after retries exhaust")
	}
	if r.Err.Error() != "upstream returned 429" {
		t.Fatalf("terminal error = %v, want the last task error", r.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 4 {
		t.Fatalf("attempts = %d, want 4 (1 initial + 3 retries)", len(attempts))
	}
	// Each retry waits base * 2^(n-1); allow generous slack on the upper side
	// but verify the lower bound strictly.
	for i := 1; i < len(attempts); i++ {
		wantDelay := base << (i - 1)
		if gap := attempts[i].Sub(attempts[i-1]); gap < wantDelay {
			t.Fatalf("retry %d fired after %v, want >= %v", i, gap, wantDelay)
		}
	}

	st := q.Stats()
	if st.Retried != 3 {
		t.Fatalf("Retried = %d, want 3", st.Retried)
	}
	if st.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", st.Failed)
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	q := New[int](1, WithBackoffBase[int](time.Millisecond))

	var calls int32
	work := func() (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("request unauthorized")
	}

	r := waitResult(t, q.Enqueue(work, EnqueueOptions{MaxRetries: 5}))
	if r.Err == nil {
		t.Fatal("expected an error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("work ran %d times, want 1", got)
	}
	if st := q.Stats(); st.Retried != 0 {
		t.Fatalf("Retried = %d, want 0", st.Retried)
	}
}

func TestRetriedTaskRunsBeforeFreshArrivals(t *testing.T) {
	q := New[string](1, WithBackoffBase[string](50*time.Millisecond))

	var (
		mu    sync.Mutex
		order []string
	)
	block := make(chan struct{})
	failedOnce := false

	flaky := q.Enqueue(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if !failedOnce {
			failedOnce = true
			return "", errors.New("connection reset by peer")
		}
		order = append(order, "flaky-retry")
		return "ok", nil
	}, EnqueueOptions{})

	// Wait for the first failure, then occupy the slot and fill the pending
	// list while the retry is held in backoff.
	time.Sleep(10 * time.Millisecond)
	blocker := q.Enqueue(func() (string, error) {
		<-block
		return "", nil
	}, EnqueueOptions{})
	fresh := q.Enqueue(func() (string, error) {
		mu.Lock()
		order = append(order, "fresh")
		mu.Unlock()
		return "", nil
	}, EnqueueOptions{})

	// Let the backoff expire so the retry sits in the retry lane while the
	// blocker still holds the only slot.
	time.Sleep(80 * time.Millisecond)

	close(block)
	waitResult(t, blocker)
	waitResult(t, flaky)
	waitResult(t, fresh)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "flaky-retry" {
		t.Fatalf("order = %v, want the retried task first", order)
	}
}

func TestClearRejectsPending(t *testing.T) {
	q := New[int](1)

	block := make(chan struct{})
	running := q.Enqueue(func() (int, error) {
		<-block
		return 42, nil
	}, EnqueueOptions{})

	pending := q.Enqueue(func() (int, error) { return 1, nil }, EnqueueOptions{})

	// Let the first task occupy the slot.
	time.Sleep(20 * time.Millisecond)
	q.Clear()

	r := waitResult(t, pending)
	if !errors.Is(r.Err, ErrCleared) {
		t.Fatalf("pending task error = %v, want ErrCleared", r.Err)
	}

	// The in-flight task is untouched and still completes.
	close(block)
	if r := waitResult(t, running); r.Err != nil || r.Value != 42 {
		t.Fatalf("in-flight task settled as (%v, %v), want (42, nil)", r.Value, r.Err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	q := New[int](1)

	_, err := q.Do(func() (int, error) {
		panic("boom")
	}, EnqueueOptions{})
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("Request Timeout"), true},
		{errors.New("upstream 503 service unavailable"), true},
		{errors.New("socket hang up"), true},
		{errors.New("ECONNREFUSED: connection refused"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("operation was cancelled"), false},
		{errors.New("Invalid request body"), false},
		{errors.New("404 model not found"), false},
		{errors.New("401 unauthorized"), false},
		{fmt.Errorf("invoke: %w", context.Canceled), false},
		{fmt.Errorf("invoke: %w", context.DeadlineExceeded), false},
		{errors.New("something inscrutable"), true}, // conservative default
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("Retryable(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}
