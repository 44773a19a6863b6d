//go:build integration

package container

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDocker_RunToCompletion(t *testing.T) {
	ctx := context.Background()

	d, err := NewDocker(ctx)
	if err != nil {
		t.Fatalf("NewDocker() error = %v", err)
	}
	defer d.Close()

	if err := d.Ready(ctx); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}

	res, err := d.Run(ctx, Spec{
		Name:    fmt.Sprintf("mash-test-%d", time.Now().UnixNano()),
		Image:   "alpine:latest",
		Command: []string{"/bin/sh", "-c", "echo hello $REGION; echo oops >&2; exit 3"},
		Env:     map[string]string{"REGION": "us-east-1"},
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello us-east-1") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Summary() != "oops" {
		t.Errorf("Summary() = %q, want oops", res.Summary())
	}
}

func TestDocker_Timeout(t *testing.T) {
	ctx := context.Background()

	d, err := NewDocker(ctx)
	if err != nil {
		t.Fatalf("NewDocker() error = %v", err)
	}
	defer d.Close()

	_, err = d.Run(ctx, Spec{
		Name:    fmt.Sprintf("mash-timeout-%d", time.Now().UnixNano()),
		Image:   "alpine:latest",
		Command: []string{"sleep", "30"},
		Timeout: 2 * time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Run() error = %v, want timeout", err)
	}
}
