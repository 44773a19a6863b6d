// Package scheduler runs job passes under a single-flight guard: at most one
// execution per job id is in flight at any time, however many triggers fire.
//
// Timing is delegated to robfig/cron. An interval firing that finds the
// previous execution of the same id still running is dropped, not queued,
// and reported as an EventSkipped. A one-shot firing in the same situation
// is deferred until that execution returns, so an id re-added while its old
// execution drains still runs exactly once. Completion is reported on the
// Events channel instead of through callbacks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// ErrConflictingID is returned by Add when the id already has a pending
// entry. Callers treat it as a benign duplicate submission.
var ErrConflictingID = errors.New("conflicting job id")

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Func is one execution. Its value is delivered in Event.Value. The context
// is cancelled when Stop gives up waiting.
type Func func(ctx context.Context) (any, error)

// EventKind classifies an Event.
type EventKind int

const (
	EventExecuted EventKind = iota
	EventError
	EventSkipped
)

func (k EventKind) String() string {
	switch k {
	case EventExecuted:
		return "executed"
	case EventError:
		return "error"
	case EventSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Event reports the end of an execution or a skipped firing.
type Event struct {
	JobID    string
	Kind     EventKind
	Value    any
	Err      error
	Started  time.Time
	Duration time.Duration
}

type entry struct {
	cronID    cronv3.EntryID
	recurring bool
}

// deferredRun is a one-shot firing waiting for the running execution of
// the same id.
type deferredRun struct {
	entry *entry
	fn    Func
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cron   *cronv3.Cron
	logger *slog.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	running  map[string]bool
	deferred map[string]deferredRun
	active   sync.WaitGroup
	stopped  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventBuffer sets the capacity of the Events channel (default 64).
// Executions block on a full channel.
func WithEventBuffer(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.events = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger (default slog.Default with component=scheduler).
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   slog.With("component", "scheduler"),
		events:   make(chan Event, 64),
		entries:  make(map[string]*entry),
		running:  make(map[string]bool),
		deferred: make(map[string]deferredRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cronv3.New(cronv3.WithLogger(cronLogger{s.logger}))
	return s
}

// Events delivers one event per finished execution or skipped firing. It is
// closed by Stop once every execution has returned.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Start begins firing triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Add schedules fn for id. It fails with ErrConflictingID while id has a
// pending entry. An id whose one-shot entry already fired may be added again
// even if that execution is still running; the new entry then runs after the
// old execution returns.
func (s *Scheduler) Add(id string, trigger Trigger, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("job %s: %w", id, ErrConflictingID)
	}

	e := &entry{recurring: trigger.recurring()}
	e.cronID = s.cron.Schedule(trigger.schedule(), cronv3.FuncJob(func() {
		s.fire(id, e, fn)
	}))
	s.entries[id] = e
	return nil
}

// Remove drops the pending entry for id and reports whether there was one.
// A running execution is not interrupted.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	s.cron.Remove(e.cronID)
	if d, ok := s.deferred[id]; ok && d.entry == e {
		delete(s.deferred, id)
	}
	return true
}

// Scheduled reports whether id has a pending entry.
func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Running reports whether an execution of id is in flight.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *Scheduler) fire(id string, e *entry, fn Func) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.active.Add(1)
	defer s.active.Done()
	if s.running[id] {
		if !e.recurring && s.entries[id] == e {
			// The entry stays pending until execute picks it up.
			s.cron.Remove(e.cronID)
			s.deferred[id] = deferredRun{entry: e, fn: fn}
			s.mu.Unlock()
			s.logger.Debug("Previous execution still running, firing deferred", "jobId", id)
			return
		}
		s.mu.Unlock()
		s.logger.Warn("Previous execution still running, firing skipped", "jobId", id)
		s.emit(Event{JobID: id, Kind: EventSkipped, Started: time.Now()})
		return
	}
	if !e.recurring && s.entries[id] == e {
		delete(s.entries, id)
		s.cron.Remove(e.cronID)
	}
	s.running[id] = true
	s.mu.Unlock()

	s.execute(id, fn)
}

// execute runs fn and then any one-shot firing deferred behind it. The id
// stays marked running across the hand-over.
func (s *Scheduler) execute(id string, fn Func) {
	for {
		started := time.Now()
		value, err := s.call(fn)

		s.mu.Lock()
		next, ok := s.deferred[id]
		delete(s.deferred, id)
		if ok && !s.stopped && s.entries[id] == next.entry {
			delete(s.entries, id)
		} else {
			ok = false
			delete(s.running, id)
		}
		s.mu.Unlock()

		ev := Event{JobID: id, Kind: EventExecuted, Value: value, Started: started, Duration: time.Since(started)}
		if err != nil {
			ev.Kind, ev.Err = EventError, err
		}
		s.emit(ev)

		if !ok {
			return
		}
		fn = next.fn
	}
}

func (s *Scheduler) call(fn Func) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("Execution panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return fn(s.ctx)
}

func (s *Scheduler) emit(ev Event) {
	s.events <- ev
}

// Stop stops firing triggers and waits for running executions. If ctx ends
// first their context is cancelled and ctx.Err() is returned; the Events
// channel is closed once they return. The Events channel must be drained
// while Stop waits.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, e := range s.entries {
		s.cron.Remove(e.cronID)
		delete(s.entries, id)
	}
	clear(s.deferred)
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.active.Wait()
		close(s.events)
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
