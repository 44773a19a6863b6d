// Package store persists job configuration snapshots so that a service can
// recover its jobs after a restart.
package store

import (
	"context"
	"fmt"
	"strings"

	"mash/internal/apperrors"
)

// JobFileKey is the configuration key that records where a snapshot lives.
const JobFileKey = "job_file"

// Store persists one snapshot per job id.
type Store interface {
	// Persist durably writes cfg and returns its location. The location is
	// also recorded in cfg under JobFileKey before writing.
	Persist(ctx context.Context, cfg map[string]any) (string, error)
	// ListPending returns every stored snapshot in unspecified order.
	ListPending(ctx context.Context) ([]map[string]any, error)
	// Remove deletes a snapshot. A missing snapshot is not an error.
	Remove(ctx context.Context, location string) error
}

func jobID(cfg map[string]any) (string, error) {
	id, _ := cfg["id"].(string)
	if id == "" {
		return "", apperrors.Validation("id", "job id is required to persist a snapshot")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", apperrors.Validation("id", fmt.Sprintf("job id %q is not a valid snapshot name", id))
	}
	return id, nil
}
