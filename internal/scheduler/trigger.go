package scheduler

import (
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Trigger decides when a job fires.
type Trigger interface {
	schedule() cronv3.Schedule
	recurring() bool
}

type dateTrigger struct{ at time.Time }

// Date fires once at at, or immediately if at is zero or in the past.
func Date(at time.Time) Trigger { return dateTrigger{at: at} }

// Now fires once, immediately.
func Now() Trigger { return dateTrigger{} }

func (d dateTrigger) schedule() cronv3.Schedule { return &onceSchedule{at: d.at} }
func (d dateTrigger) recurring() bool           { return false }

type intervalTrigger struct {
	every time.Duration
	start time.Time
}

// Interval fires every period. The first firing is at start, immediately if
// start is in the past, or one period from now if start is zero. A firing
// that is missed because the process was busy is coalesced into one.
func Interval(every time.Duration, start time.Time) Trigger {
	return intervalTrigger{every: every, start: start}
}

func (i intervalTrigger) schedule() cronv3.Schedule {
	return &intervalSchedule{every: i.every, start: i.start}
}
func (i intervalTrigger) recurring() bool { return true }

// onceSchedule returns its time on the first call to Next and the zero time
// afterwards, which the cron run loop treats as never.
type onceSchedule struct {
	mu   sync.Mutex
	at   time.Time
	used bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return time.Time{}
	}
	s.used = true
	if s.at.Before(t) {
		return t
	}
	return s.at
}

// intervalSchedule allows periods below one second, which cronv3.Every
// rounds up.
type intervalSchedule struct {
	mu      sync.Mutex
	every   time.Duration
	start   time.Time
	started bool
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return t.Add(s.every)
	}
	s.started = true
	switch {
	case s.start.IsZero():
		return t.Add(s.every)
	case s.start.Before(t):
		return t
	default:
		return s.start
	}
}
