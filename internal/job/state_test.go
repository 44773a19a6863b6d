package job

import (
	"context"
	"errors"
	"testing"

	"mash/internal/apperrors"
)

func newJob(t *testing.T, utc string) *Job {
	t.Helper()
	cfg := validConfig()
	cfg["utctime"] = utc
	j, err := New("testing", cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return j
}

func outcome(s Status) Executor {
	return ExecutorFunc(func(context.Context, *Job) (Outcome, error) {
		return Outcome{Status: s, Error: map[Status]string{StatusFailed: "image not found"}[s]}, nil
	})
}

func TestTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		utc       string
		path      []Status
		wantError bool
	}{
		{"single pass", "now", []Status{StatusRunning, StatusSuccess}, false},
		{"upstream failure", "now", []Status{StatusFailed}, false},
		{"engine fault", "now", []Status{StatusRunning, StatusException}, false},
		{"skip running", "now", []Status{StatusSuccess}, true},
		{"single job cannot rerun", "now", []Status{StatusRunning, StatusSuccess, StatusRunning}, true},
		{"recurring reruns after success", "always", []Status{StatusRunning, StatusSuccess, StatusRunning}, false},
		{"recurring reruns after failure", "always", []Status{StatusRunning, StatusFailed, StatusRunning}, false},
		{"recurring reruns after exception", "always", []Status{StatusRunning, StatusException, StatusRunning}, false},
		{"no way back to prepared", "always", []Status{StatusRunning, StatusPrepared}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := newJob(t, tt.utc)
			var err error
			for _, s := range tt.path {
				if err = j.Transition(s); err != nil {
					break
				}
			}
			if tt.wantError {
				if !errors.Is(err, apperrors.ErrConflict) {
					t.Errorf("expected conflict, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestRunPass_IterationCountMatchesPasses(t *testing.T) {
	t.Parallel()
	j := newJob(t, "always")
	ctx := context.Background()

	statuses := []Status{StatusSuccess, StatusFailed, StatusSuccess, StatusSuccess}
	for i, s := range statuses {
		got, err := j.RunPass(ctx, outcome(s))
		if err != nil {
			t.Fatalf("pass %d error = %v", i+1, err)
		}
		if got != s {
			t.Errorf("pass %d status = %s, want %s", i+1, got, s)
		}
		if j.IterationCount() != i+1 {
			t.Errorf("after pass %d IterationCount() = %d", i+1, j.IterationCount())
		}
	}
}

func TestRunPass_FailureRecordsError(t *testing.T) {
	t.Parallel()
	j := newJob(t, "now")
	status, err := j.RunPass(context.Background(), outcome(StatusFailed))
	if err != nil || status != StatusFailed {
		t.Fatalf("RunPass() = %s, %v", status, err)
	}
	if j.LastError() != "image not found" {
		t.Errorf("LastError() = %q", j.LastError())
	}
}

func TestRunPass_ExecutorError(t *testing.T) {
	t.Parallel()
	j := newJob(t, "now")
	boom := errors.New("sdk exploded")

	_, err := j.RunPass(context.Background(), ExecutorFunc(func(context.Context, *Job) (Outcome, error) {
		return Outcome{}, boom
	}))
	if !errors.Is(err, apperrors.ErrExecution) || !errors.Is(err, boom) {
		t.Fatalf("RunPass() error = %v", err)
	}
	if j.Status() != StatusRunning {
		t.Errorf("Status() = %s, want running until mapped", j.Status())
	}

	j.MarkException(err)
	if j.Status() != StatusException || j.IterationCount() != 1 {
		t.Errorf("after MarkException status=%s iteration=%d", j.Status(), j.IterationCount())
	}
}

func TestRunPass_InvalidOutcome(t *testing.T) {
	t.Parallel()
	j := newJob(t, "now")
	_, err := j.RunPass(context.Background(), outcome(StatusPrepared))
	if !errors.Is(err, apperrors.ErrExecution) {
		t.Errorf("RunPass() error = %v, want ErrExecution", err)
	}
}

func TestRunPass_ResultReset(t *testing.T) {
	t.Parallel()
	j := newJob(t, "always")
	ctx := context.Background()
	_, _ = j.RunPass(ctx, ExecutorFunc(func(context.Context, *Job) (Outcome, error) {
		return Outcome{Status: StatusSuccess, Result: map[string]any{"cloud_image_name": "img-1"}}, nil
	}))
	if j.Result()["cloud_image_name"] != "img-1" {
		t.Errorf("Result() = %v", j.Result())
	}
	_, _ = j.RunPass(ctx, outcome(StatusSuccess))
	if len(j.Result()) != 0 {
		t.Errorf("Result() after second pass = %v", j.Result())
	}
}

func TestMarkUpstreamFailure(t *testing.T) {
	t.Parallel()
	j := newJob(t, "now")
	if err := j.MarkUpstreamFailure("upload failed"); err != nil {
		t.Fatalf("MarkUpstreamFailure() error = %v", err)
	}
	if j.Status() != StatusFailed || j.LastError() != "upload failed" {
		t.Errorf("status=%s error=%q", j.Status(), j.LastError())
	}
	if err := j.MarkUpstreamFailure("again"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second MarkUpstreamFailure() error = %v, want conflict", err)
	}
}

type skipper struct{ Executor }

func (skipper) SkipCredentials(j *Job) bool { return j.Provider == Azure }

func TestNeedsCredentials(t *testing.T) {
	t.Parallel()
	ec2 := newJob(t, "now")
	cfg := validConfig()
	cfg["provider"] = "azure"
	azure, _ := New("deprecation", cfg)

	if !NeedsCredentials(outcome(StatusSuccess), ec2) {
		t.Error("plain executors need credentials")
	}
	s := skipper{outcome(StatusSuccess)}
	if NeedsCredentials(s, azure) {
		t.Error("skipper should skip azure")
	}
	if !NeedsCredentials(s, ec2) {
		t.Error("skipper should not skip ec2")
	}
}
