// Package container runs a stage's provider tool as a short-lived container
// and reports its exit code and output.
package container

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Labels applied to every container so leftovers can be found after a crash.
const (
	LabelManagedBy = "managed-by"
	LabelJobID     = "mash.job_id"
	LabelService   = "mash.service"
	LabelRegion    = "mash.region"
	ManagedBy      = "mash-service"
)

// maxOutput bounds captured stdout and stderr. The tail is kept.
const maxOutput = 64 << 10

// Spec describes one tool run.
type Spec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string
	Timeout time.Duration
}

// Environ renders Env as sorted KEY=VALUE pairs.
func (s Spec) Environ() []string {
	env := make([]string, 0, len(s.Env))
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Result is the outcome of a finished run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Succeeded reports whether the tool exited 0.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Summary is the last non-empty line of stderr, else of stdout.
func (r Result) Summary() string {
	for _, out := range []string{r.Stderr, r.Stdout} {
		lines := strings.Split(strings.TrimRight(out, "\r\n"), "\n")
		if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
			return last
		}
	}
	return ""
}

// Runner runs tool containers. An error means the run could not be carried
// out; a tool that ran and failed is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
	Ready(ctx context.Context) error
	Close() error
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
