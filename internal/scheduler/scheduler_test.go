package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mash/internal/testutil"
)

func newStarted(t *testing.T) *Scheduler {
	t.Helper()
	s := New()
	s.Start()
	t.Cleanup(func() {
		go func() {
			for range s.Events() {
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestDateFiresOnce(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	var calls atomic.Int64
	if err := s.Add("job-1", Now(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ev := testutil.Receive(t, s.Events(), 2*time.Second)
	if ev.JobID != "job-1" || ev.Kind != EventExecuted {
		t.Fatalf("event = %+v, want executed job-1", ev)
	}
	testutil.Consistently(t, func() bool { return calls.Load() == 1 }, testutil.WithTimeout(100*time.Millisecond))
	if s.Scheduled("job-1") {
		t.Error("one-shot entry still scheduled after firing")
	}
}

func TestDateInFuture(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	at := time.Now().Add(150 * time.Millisecond)
	if err := s.Add("later", Date(at), func(context.Context) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	ev := testutil.Receive(t, s.Events(), 2*time.Second)
	if ev.Started.Before(at.Add(-10 * time.Millisecond)) {
		t.Errorf("fired at %v, before %v", ev.Started, at)
	}
}

func TestErrorEvent(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	boom := errors.New("boom")
	_ = s.Add("bad", Now(), func(context.Context) (any, error) { return nil, boom })

	ev := testutil.Receive(t, s.Events(), 2*time.Second)
	if ev.Kind != EventError || !errors.Is(ev.Err, boom) {
		t.Fatalf("event = %+v, want error boom", ev)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	_ = s.Add("panicky", Now(), func(context.Context) (any, error) { panic("oops") })

	ev := testutil.Receive(t, s.Events(), 2*time.Second)
	if ev.Kind != EventError || ev.Err == nil {
		t.Fatalf("event = %+v, want error", ev)
	}
}

func TestConflictingID(t *testing.T) {
	t.Parallel()
	s := New()

	fn := func(context.Context) (any, error) { return nil, nil }
	if err := s.Add("dup", Interval(time.Hour, time.Time{}), fn); err != nil {
		t.Fatalf("first Add() error = %v", err)
	}
	err := s.Add("dup", Now(), fn)
	if !errors.Is(err, ErrConflictingID) {
		t.Fatalf("second Add() error = %v, want ErrConflictingID", err)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	var calls atomic.Int64
	_ = s.Add("gone", Date(time.Now().Add(100*time.Millisecond)), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	if !s.Remove("gone") {
		t.Fatal("Remove() = false, want true")
	}
	if s.Remove("gone") {
		t.Error("second Remove() = true, want false")
	}
	testutil.Consistently(t, func() bool { return calls.Load() == 0 }, testutil.WithTimeout(250*time.Millisecond))
}

func TestIntervalSingleFlight(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	var inFlight, maxInFlight, runs atomic.Int64
	err := s.Add("nonstop", Interval(20*time.Millisecond, time.Now()), func(context.Context) (any, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(70 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	var skipped, executed int
	deadline := time.After(3 * time.Second)
	for skipped == 0 || executed < 2 {
		select {
		case ev := <-s.Events():
			switch ev.Kind {
			case EventSkipped:
				skipped++
			case EventExecuted:
				executed++
			}
		case <-deadline:
			t.Fatalf("skipped=%d executed=%d after deadline", skipped, executed)
		}
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent executions = %d, want 1", got)
	}
	if !s.Scheduled("nonstop") {
		t.Error("interval entry should stay scheduled")
	}
}

func TestEventCarriesValue(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	_ = s.Add("valued", Now(), func(context.Context) (any, error) { return "pass-1", nil })

	ev := testutil.Receive(t, s.Events(), 2*time.Second)
	if ev.Kind != EventExecuted || ev.Value != "pass-1" {
		t.Fatalf("event = %+v, want executed with value pass-1", ev)
	}
}

func TestOneShotDeferredBehindRunning(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int64
	run := func(value string) Func {
		return func(context.Context) (any, error) {
			if n := inFlight.Add(1); n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			defer inFlight.Add(-1)
			if value == "old" {
				<-release
			}
			return value, nil
		}
	}

	if err := s.Add("42", Now(), run("old")); err != nil {
		t.Fatalf("first Add() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return s.Running("42") })

	if err := s.Add("42", Now(), run("new")); err != nil {
		t.Fatalf("Add() while running error = %v", err)
	}
	// The new entry stays pending while the old execution holds the id.
	testutil.Consistently(t, func() bool { return s.Scheduled("42") }, testutil.WithTimeout(100*time.Millisecond))
	if err := s.Add("42", Now(), run("third")); !errors.Is(err, ErrConflictingID) {
		t.Fatalf("Add() over deferred entry error = %v, want ErrConflictingID", err)
	}

	close(release)
	first := testutil.Receive(t, s.Events(), 2*time.Second)
	second := testutil.Receive(t, s.Events(), 2*time.Second)
	if first.Value != "old" || second.Value != "new" {
		t.Fatalf("events = %v then %v, want old then new", first.Value, second.Value)
	}
	for _, ev := range []Event{first, second} {
		if ev.Kind != EventExecuted {
			t.Errorf("event %v kind = %v, want executed", ev.Value, ev.Kind)
		}
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent executions = %d, want 1", got)
	}
	testutil.MustWaitFor(t, func() bool { return !s.Running("42") && !s.Scheduled("42") })
}

func TestRemoveDropsDeferredRun(t *testing.T) {
	t.Parallel()
	s := newStarted(t)

	release := make(chan struct{})
	var calls atomic.Int64
	_ = s.Add("42", Now(), func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return nil, nil
	})
	testutil.MustWaitFor(t, func() bool { return s.Running("42") })
	_ = s.Add("42", Now(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	testutil.MustWaitFor(t, func() bool { return s.Scheduled("42") })

	if !s.Remove("42") {
		t.Fatal("Remove() = false, want true for the deferred entry")
	}
	close(release)

	testutil.Receive(t, s.Events(), 2*time.Second)
	testutil.Consistently(t, func() bool { return calls.Load() == 1 }, testutil.WithTimeout(150*time.Millisecond))
	if s.Running("42") {
		t.Error("id still running after the only execution returned")
	}
}

func TestStopWaitsAndClosesEvents(t *testing.T) {
	t.Parallel()
	s := New()
	s.Start()

	release := make(chan struct{})
	_ = s.Add("slow", Now(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	testutil.MustWaitFor(t, func() bool { return s.Running("slow") })

	done := make(chan error, 1)
	go func() { done <- s.Stop(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Stop returned while an execution was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	ev := testutil.Receive(t, s.Events(), 2*time.Second)
	if ev.Kind != EventExecuted {
		t.Errorf("event = %+v, want executed", ev)
	}
	if err := testutil.Receive(t, done, 2*time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("Events channel still open after Stop")
	}
	if err := s.Add("late", Now(), func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Add after Stop error = %v, want ErrStopped", err)
	}
}

func TestStopDeadlineCancelsContext(t *testing.T) {
	t.Parallel()
	s := New()
	s.Start()

	_ = s.Add("stuck", Now(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	testutil.MustWaitFor(t, func() bool { return s.Running("stuck") })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() error = %v, want deadline exceeded", err)
	}

	ev := testutil.Receive(t, s.Events(), 2*time.Second)
	if !errors.Is(ev.Err, context.Canceled) {
		t.Errorf("event err = %v, want context.Canceled", ev.Err)
	}
}

func TestOnceScheduleNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	past := &onceSchedule{at: now.Add(-time.Hour)}
	if got := past.Next(now); !got.Equal(now) {
		t.Errorf("past Next = %v, want %v", got, now)
	}
	if got := past.Next(now); !got.IsZero() {
		t.Errorf("second Next = %v, want zero", got)
	}

	future := &onceSchedule{at: now.Add(time.Hour)}
	if got := future.Next(now); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("future Next = %v", got)
	}
}

func TestIntervalScheduleNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		start time.Time
		first time.Time
	}{
		{"zero start", time.Time{}, now.Add(time.Minute)},
		{"past start", now.Add(-time.Hour), now},
		{"future start", now.Add(time.Hour), now.Add(time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sch := &intervalSchedule{every: time.Minute, start: tt.start}
			if got := sch.Next(now); !got.Equal(tt.first) {
				t.Errorf("first Next = %v, want %v", got, tt.first)
			}
			if got := sch.Next(now); !got.Equal(now.Add(time.Minute)) {
				t.Errorf("second Next = %v, want %v", got, now.Add(time.Minute))
			}
		})
	}
}
