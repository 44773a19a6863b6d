package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mash/internal/config"
	"mash/internal/job"
	"mash/internal/provider/container"
)

// KeyRegionResults holds the per-region output a pass forwards downstream.
const KeyRegionResults = "region_results"

const defaultMaxWorkers = 4

// Tool runs the configured container tool once per region of a pass.
//
// The tool sees the job through MASH_* environment variables. Exit code 0
// means success. When the last line of stdout is a JSON object it becomes
// the region's result.
type Tool struct {
	Stage      string
	Provider   job.Provider
	Config     config.ToolConfig
	Runner     container.Runner
	MaxWorkers int
}

type regionOutcome struct {
	region string
	ok     bool
	detail string
	output map[string]any
}

// Execute implements job.Executor. Regions run concurrently, at most
// MaxWorkers at a time, and are all joined before it returns. A region whose
// tool fails makes the pass fail; a region that cannot be run at all makes
// Execute return an error.
func (t *Tool) Execute(ctx context.Context, j *job.Job) (job.Outcome, error) {
	if t.Config.Image == "" {
		return job.Outcome{}, fmt.Errorf("no %s tool configured for provider %s", t.Stage, t.Provider)
	}

	regions := j.Regions(RegionKey(t.Stage))
	if len(regions) == 0 {
		regions = []string{""}
	}

	workers := t.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers
	}

	var g errgroup.Group
	outcomes := make([]regionOutcome, len(regions))
	g.SetLimit(workers)
	for i, region := range regions {
		g.Go(func() error {
			out, err := t.runRegion(ctx, j, region)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return job.Outcome{}, err
	}

	return t.fold(regions, outcomes), nil
}

// SkipCredentials implements job.CredentialSkipper. Image download reads
// from a public build service and needs no cloud account.
func (t *Tool) SkipCredentials(*job.Job) bool {
	return t.Stage == StageObs
}

func (t *Tool) fold(regions []string, outcomes []regionOutcome) job.Outcome {
	var failures []string
	result := make(map[string]any)
	perRegion := make(map[string]any)

	for _, out := range outcomes {
		if !out.ok {
			if out.region == "" {
				failures = append(failures, out.detail)
			} else {
				failures = append(failures, fmt.Sprintf("%s: %s", out.region, out.detail))
			}
		}
		if out.region == "" {
			maps.Copy(result, out.output)
		} else if out.output != nil {
			perRegion[out.region] = out.output
		}
	}
	if len(regions) > 1 || regions[0] != "" {
		result[KeyRegionResults] = perRegion
	}

	if len(failures) > 0 {
		return job.Outcome{Status: job.StatusFailed, Error: strings.Join(failures, "; "), Result: result}
	}
	return job.Outcome{Status: job.StatusSuccess, Result: result}
}

func (t *Tool) runRegion(ctx context.Context, j *job.Job, region string) (regionOutcome, error) {
	out := regionOutcome{region: region}
	label := region
	if label == "" {
		label = string(t.Provider)
	}

	env, err := t.environment(j, region)
	if err != nil {
		return out, err
	}

	name := fmt.Sprintf("mash-%s-%s-%d", t.Stage, j.ID, j.IterationCount())
	if region != "" {
		name += "-" + sanitize(region)
	}

	res, err := t.Runner.Run(ctx, container.Spec{
		Name:    name,
		Image:   t.Config.Image,
		Command: t.Config.Command,
		Env:     env,
		Labels: map[string]string{
			container.LabelJobID:   j.ID,
			container.LabelService: t.Stage,
			container.LabelRegion:  region,
		},
		Timeout: t.Config.Timeout,
	})
	if err != nil {
		j.Log(fmt.Sprintf("%s: %v", label, err), false)
		return out, fmt.Errorf("region %s: %w", label, err)
	}

	out.output = lastJSONLine(res.Stdout)
	if res.Succeeded() {
		out.ok = true
		j.Log(fmt.Sprintf("%s: %s finished in %s.", label, t.Stage, res.Duration.Round(time.Millisecond)), true)
		return out, nil
	}

	out.detail = res.Summary()
	if out.detail == "" {
		out.detail = fmt.Sprintf("tool exited with code %d", res.ExitCode)
	}
	j.Log(fmt.Sprintf("%s: %s", label, out.detail), false)
	return out, nil
}

// environment builds the variables a tool run sees.
func (t *Tool) environment(j *job.Job, region string) (map[string]string, error) {
	snap := j.Snapshot()
	doc, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode job document: %w", err)
	}

	env := maps.Clone(t.Config.Env)
	if env == nil {
		env = make(map[string]string)
	}
	env["MASH_JOB_ID"] = j.ID
	env["MASH_SERVICE"] = t.Stage
	env["MASH_PROVIDER"] = string(t.Provider)
	env["MASH_ITERATION"] = strconv.Itoa(j.IterationCount())
	env["MASH_JOB"] = string(doc)
	if region != "" {
		env["MASH_REGION"] = region
	}

	if account := t.account(j, region); account != "" {
		env["MASH_ACCOUNT"] = account
		if creds, ok := j.Credentials(account); ok {
			env["MASH_CREDENTIALS"] = string(creds)
		} else if j.HasCredentials() {
			return nil, fmt.Errorf("no credentials received for account %s", account)
		}
	}
	return env, nil
}

// account picks the cloud account whose credentials a region uses.
func (t *Tool) account(j *job.Job, region string) string {
	if t.Stage == StageTesting && t.Provider == job.GCE {
		if a := j.String("testing_account"); a != "" {
			return a
		}
	}
	if region != "" {
		if a := j.RegionSetting(RegionKey(t.Stage), region, "account"); a != "" {
			return a
		}
	}
	return j.String("account")
}

func lastJSONLine(stdout string) map[string]any {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(last), &out); err != nil {
		return nil
	}
	return out
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
