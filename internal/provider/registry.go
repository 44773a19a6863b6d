// Package provider holds the per-stage, per-provider execution strategies a
// pipeline stage runs for each pass.
package provider

import (
	"fmt"
	"sync"

	"mash/internal/apperrors"
	"mash/internal/config"
	"mash/internal/job"
	"mash/internal/provider/container"
)

// Stage names of the default pipeline.
const (
	StageObs         = "obs"
	StageUploader    = "uploader"
	StageTesting     = "testing"
	StageReplication = "replication"
	StagePublisher   = "publisher"
	StageDeprecation = "deprecation"
)

var regionKeys = map[string]string{
	StageUploader:    "target_regions",
	StageTesting:     "test_regions",
	StageReplication: "replication_source_regions",
	StagePublisher:   "publish_regions",
	StageDeprecation: "deprecation_regions",
}

// RegionKey returns the job document key listing a stage's regions, or ""
// for stages that run once per pass.
func RegionKey(stage string) string {
	return regionKeys[stage]
}

// Registry maps a stage and provider to the executor that runs its passes.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]map[job.Provider]job.Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]map[job.Provider]job.Executor)}
}

// Register sets the executor for stage and provider, replacing any earlier one.
func (r *Registry) Register(stage string, p job.Provider, exec job.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strategies[stage] == nil {
		r.strategies[stage] = make(map[job.Provider]job.Executor)
	}
	r.strategies[stage][p] = exec
}

// Lookup returns the executor for stage and provider.
func (r *Registry) Lookup(stage string, p job.Provider) (job.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.strategies[stage][p]
	if !ok {
		return nil, apperrors.Validation(job.KeyProvider, fmt.Sprintf("Provider %s is not supported.", p))
	}
	return exec, nil
}

// Supports reports whether stage has an executor for p.
func (r *Registry) Supports(stage string, p job.Provider) bool {
	_, err := r.Lookup(stage, p)
	return err == nil
}

// Default registers a container tool executor for every provider of stage,
// using the tools configured in cfg. Azure has nothing to deprecate, so its
// deprecation stage succeeds without credentials.
func Default(cfg *config.Config, stage string, runner container.Runner) *Registry {
	r := NewRegistry()
	for _, p := range job.Providers {
		if stage == StageDeprecation && p == job.Azure {
			r.Register(stage, p, Noop{Message: "Deprecation is a no-op for Azure images."})
			continue
		}
		tool, _ := cfg.Tool(stage, string(p))
		r.Register(stage, p, &Tool{
			Stage:      stage,
			Provider:   p,
			Config:     tool,
			Runner:     runner,
			MaxWorkers: cfg.MaxRegionWorkers,
		})
	}
	return r
}
