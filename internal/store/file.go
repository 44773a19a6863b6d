package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mash/internal/apperrors"
)

const (
	filePrefix = "job-"
	fileSuffix = ".json"
)

// File stores snapshots as job-<id>.json files in one directory.
// encoding/json writes map keys in sorted order, so snapshots are
// deterministic.
type File struct {
	dir    string
	logger *slog.Logger
}

// NewFile creates the directory if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperrors.Persistence("store.mkdir", err)
	}
	return &File{dir: dir, logger: slog.With("component", "store", "dir", dir)}, nil
}

// Path returns the snapshot path for a job id.
func (s *File) Path(id string) string {
	return filepath.Join(s.dir, filePrefix+id+fileSuffix)
}

// Persist writes to a temporary file, syncs it and renames it into place so
// a crash never leaves a partial snapshot.
func (s *File) Persist(_ context.Context, cfg map[string]any) (string, error) {
	id, err := jobID(cfg)
	if err != nil {
		return "", err
	}
	path := s.Path(id)
	cfg[JobFileKey] = path

	data, err := json.Marshal(cfg)
	if err != nil {
		return "", apperrors.Persistence("store.encode", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+filePrefix+id+"-*.tmp")
	if err != nil {
		return "", apperrors.Persistence("store.create", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", apperrors.Persistence("store.write", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", apperrors.Persistence("store.sync", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", apperrors.Persistence("store.close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", apperrors.Persistence("store.rename", err)
	}
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return path, nil
}

// ListPending decodes every snapshot in the directory. Unreadable snapshots
// are logged and skipped so that one bad file does not block recovery.
func (s *File) ListPending(_ context.Context) ([]map[string]any, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Persistence("store.list", err)
	}

	var out []map[string]any
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Snapshot unreadable", "file", name, "error", err)
			continue
		}
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil || cfg == nil {
			s.logger.Warn("Snapshot corrupt", "file", name, "error", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Remove deletes a snapshot path. Paths outside the store directory are
// refused.
func (s *File) Remove(_ context.Context, path string) error {
	if path == "" {
		return nil
	}
	if filepath.Dir(filepath.Clean(path)) != filepath.Clean(s.dir) {
		return apperrors.Validation(JobFileKey, "snapshot path is outside the job directory")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Persistence("store.remove", err)
	}
	return nil
}
