package provider

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mash/internal/config"
	"mash/internal/job"
	"mash/internal/provider/container"
)

func newJob(t *testing.T, stage string, cfg map[string]any) *job.Job {
	t.Helper()
	base := map[string]any{"id": "42", "provider": "ec2", "utctime": "now"}
	for k, v := range cfg {
		base[k] = v
	}
	j, err := job.New(stage, base)
	if err != nil {
		t.Fatalf("job.New() error = %v", err)
	}
	j.SetLogCallback(func(string, string, bool) {})
	return j
}

func runPass(t *testing.T, j *job.Job, exec job.Executor) (job.Status, error) {
	t.Helper()
	return j.RunPass(context.Background(), exec)
}

func TestTool_RunsEveryRegion(t *testing.T) {
	t.Parallel()
	runner := container.NewFake(func(_ context.Context, spec container.Spec) (container.Result, error) {
		return container.Result{Stdout: `{"image_id":"ami-` + spec.Env["MASH_REGION"] + `"}`}, nil
	})
	tool := &Tool{Stage: StageReplication, Provider: job.EC2, Config: config.ToolConfig{Image: "replicate:1"}, Runner: runner}
	j := newJob(t, StageReplication, map[string]any{
		"replication_source_regions": map[string]any{
			"us-east-1": map[string]any{"account": "acct-a"},
			"eu-west-1": map[string]any{"account": "acct-b"},
		},
	})
	j.SetCredentials(map[string][]byte{"acct-a": []byte("A"), "acct-b": []byte("B")})

	status, err := runPass(t, j, tool)
	if err != nil || status != job.StatusSuccess {
		t.Fatalf("RunPass() = %v, %v; want success", status, err)
	}

	runs := runner.Runs()
	if len(runs) != 2 {
		t.Fatalf("ran %d containers, want 2", len(runs))
	}
	for _, spec := range runs {
		want := map[string]string{"us-east-1": "A", "eu-west-1": "B"}[spec.Env["MASH_REGION"]]
		if spec.Env["MASH_CREDENTIALS"] != want {
			t.Errorf("region %s got credentials %q, want %q", spec.Env["MASH_REGION"], spec.Env["MASH_CREDENTIALS"], want)
		}
		if spec.Image != "replicate:1" || spec.Env["MASH_JOB_ID"] != "42" || spec.Env["MASH_ITERATION"] != "1" {
			t.Errorf("unexpected spec %+v", spec)
		}
	}

	regions, _ := j.Result()[KeyRegionResults].(map[string]any)
	east, _ := regions["us-east-1"].(map[string]any)
	if east["image_id"] != "ami-us-east-1" {
		t.Errorf("region results = %v", regions)
	}
}

func TestTool_FailingRegionFailsPass(t *testing.T) {
	t.Parallel()
	runner := container.NewFake(func(_ context.Context, spec container.Spec) (container.Result, error) {
		if spec.Env["MASH_REGION"] == "b" {
			return container.Result{ExitCode: 1, Stderr: "quota exceeded\n"}, nil
		}
		return container.Result{}, nil
	})
	tool := &Tool{Stage: StageTesting, Provider: job.EC2, Config: config.ToolConfig{Image: "test:1"}, Runner: runner}
	j := newJob(t, StageTesting, map[string]any{"test_regions": []any{"a", "b", "c"}})

	status, err := runPass(t, j, tool)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	if status != job.StatusFailed {
		t.Fatalf("status = %v, want failed", status)
	}
	if got := j.LastError(); got != "b: quota exceeded" {
		t.Errorf("LastError() = %q", got)
	}
	if n := len(runner.Runs()); n != 3 {
		t.Errorf("ran %d regions, want all 3", n)
	}
}

func TestTool_RunnerErrorIsExecutionFault(t *testing.T) {
	t.Parallel()
	runner := container.NewFake(func(context.Context, container.Spec) (container.Result, error) {
		return container.Result{}, errors.New("daemon gone")
	})
	tool := &Tool{Stage: StageObs, Provider: job.EC2, Config: config.ToolConfig{Image: "obs:1"}, Runner: runner}
	j := newJob(t, StageObs, nil)

	if _, err := runPass(t, j, tool); err == nil || !strings.Contains(err.Error(), "daemon gone") {
		t.Fatalf("RunPass() error = %v, want runner error", err)
	}
}

func TestTool_MissingImage(t *testing.T) {
	t.Parallel()
	tool := &Tool{Stage: StageObs, Provider: job.OCI, Runner: container.NewFake(nil)}
	if _, err := runPass(t, newJob(t, StageObs, nil), tool); err == nil {
		t.Fatal("RunPass() error = nil, want missing tool error")
	}
}

func TestTool_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int64
	runner := container.NewFake(func(context.Context, container.Spec) (container.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return container.Result{}, nil
	})
	tool := &Tool{Stage: StagePublisher, Provider: job.EC2, Config: config.ToolConfig{Image: "pub:1"}, Runner: runner, MaxWorkers: 2}
	j := newJob(t, StagePublisher, map[string]any{"publish_regions": []any{"r1", "r2", "r3", "r4", "r5"}})

	if status, err := runPass(t, j, tool); err != nil || status != job.StatusSuccess {
		t.Fatalf("RunPass() = %v, %v", status, err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestTool_Account(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		stage    string
		provider job.Provider
		cfg      map[string]any
		region   string
		want     string
	}{
		{"job account", StageUploader, job.EC2, map[string]any{"account": "main"}, "", "main"},
		{"region account", StageUploader, job.EC2, map[string]any{"account": "main", "target_regions": map[string]any{"r": map[string]any{"account": "regional"}}}, "r", "regional"},
		{"gce testing account", StageTesting, job.GCE, map[string]any{"provider": "gce", "account": "main", "testing_account": "tester"}, "", "tester"},
		{"gce testing fallback", StageTesting, job.GCE, map[string]any{"provider": "gce", "account": "main"}, "", "main"},
		{"ec2 ignores testing account", StageTesting, job.EC2, map[string]any{"account": "main", "testing_account": "tester"}, "", "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tool := &Tool{Stage: tt.stage, Provider: tt.provider}
			if got := tool.account(newJob(t, tt.stage, tt.cfg), tt.region); got != tt.want {
				t.Errorf("account() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTool_MissingAccountCredentials(t *testing.T) {
	t.Parallel()
	tool := &Tool{Stage: StageUploader, Provider: job.EC2, Config: config.ToolConfig{Image: "up:1"}, Runner: container.NewFake(nil)}
	j := newJob(t, StageUploader, map[string]any{"account": "missing", "target_regions": []any{"r"}})
	j.SetCredentials(map[string][]byte{"other": []byte("x")})

	if _, err := runPass(t, j, tool); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("RunPass() error = %v, want missing credentials", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		MaxRegionWorkers: 3,
		Tools: map[string]map[string]config.ToolConfig{
			StageDeprecation: {"ec2": {Image: "deprecate:1"}},
		},
	}
	r := Default(cfg, StageDeprecation, container.NewFake(nil))

	azure, err := r.Lookup(StageDeprecation, job.Azure)
	if err != nil {
		t.Fatalf("Lookup(azure) error = %v", err)
	}
	j := newJob(t, StageDeprecation, map[string]any{"provider": "azure"})
	if job.NeedsCredentials(azure, j) {
		t.Error("azure deprecation should not need credentials")
	}
	if status, err := runPass(t, j, azure); err != nil || status != job.StatusSuccess {
		t.Errorf("azure deprecation = %v, %v; want success", status, err)
	}

	ec2, err := r.Lookup(StageDeprecation, job.EC2)
	if err != nil {
		t.Fatalf("Lookup(ec2) error = %v", err)
	}
	tool, ok := ec2.(*Tool)
	if !ok || tool.Config.Image != "deprecate:1" || tool.MaxWorkers != 3 {
		t.Errorf("ec2 executor = %#v", ec2)
	}
	if !job.NeedsCredentials(ec2, j) {
		t.Error("tool executor should need credentials")
	}

	if _, err := NewRegistry().Lookup(StageObs, job.EC2); err == nil {
		t.Error("empty registry Lookup() error = nil")
	}
}

func TestTool_ObsSkipsCredentials(t *testing.T) {
	t.Parallel()
	j := newJob(t, StageObs, nil)
	if job.NeedsCredentials(&Tool{Stage: StageObs, Provider: job.EC2}, j) {
		t.Error("obs tool should not need credentials")
	}
	if !job.NeedsCredentials(&Tool{Stage: StageUploader, Provider: job.EC2}, j) {
		t.Error("uploader tool should need credentials")
	}
}

func TestLastJSONLine(t *testing.T) {
	t.Parallel()
	if got := lastJSONLine("progress\n{\"a\":1}\n"); got["a"] != float64(1) {
		t.Errorf("lastJSONLine = %v", got)
	}
	if got := lastJSONLine("done\n"); got != nil {
		t.Errorf("lastJSONLine(plain) = %v, want nil", got)
	}
}
