// Package job defines the job entity shared by every pipeline stage: its
// identity, status state machine, pass counter and the executor contract
// through which provider specific logic runs.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"mash/internal/apperrors"
)

const maxJobIDLength = 128

// jobIDPattern allows alphanumeric, hyphens, and underscores. Ids end up in
// queue names and snapshot file names.
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// isoLayouts are tried in order for an explicit utctime.
var isoLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05"}

// Acker is the handle to the inbound message that triggered a pass.
type Acker interface {
	Ack() error
}

// LogFunc receives pass-numbered job log lines.
type LogFunc func(jobID, msg string, success bool)

// Job is one image moving through one pipeline stage.
//
// Identity fields are fixed at construction. Mutable state is guarded by the
// job's own mutex because passes run on scheduler goroutines while the
// pipeline driver and the API read the job.
type Job struct {
	ID                string
	Provider          Provider
	Service           string
	LastService       string
	UTCTime           string
	NotificationEmail string
	NotificationType  string

	mu          sync.Mutex
	status      Status
	iteration   int
	config      map[string]any
	credentials map[string][]byte
	jobFile     string
	listenerMsg Acker
	result      map[string]any
	lastError   string
	logFunc     LogFunc
}

// New validates the core fields of cfg and builds a prepared job owned by
// service. cfg is copied; provider specific keys are kept opaque. A stored
// iteration_count is carried over so that recovery never rewinds it.
func New(service string, cfg map[string]any) (*Job, error) {
	id, _ := cfg[KeyID].(string)
	if err := validateID(id); err != nil {
		return nil, err
	}

	providerName, _ := cfg[KeyProvider].(string)
	if providerName == "" {
		return nil, apperrors.Validation(KeyProvider, "provider is required")
	}
	provider, err := ParseProvider(providerName)
	if err != nil {
		return nil, err
	}

	utc, _ := cfg[KeyUTCTime].(string)
	if err := validateUTCTime(utc); err != nil {
		return nil, err
	}

	notifType, _ := cfg[KeyNotificationType].(string)
	if notifType == "" {
		notifType = NotifySingle
	}
	if notifType != NotifySingle && notifType != NotifyPeriodic {
		return nil, apperrors.Validation(KeyNotificationType, fmt.Sprintf("notification_type must be %s or %s", NotifySingle, NotifyPeriodic))
	}

	lastService, _ := cfg[KeyLastService].(string)
	email, _ := cfg[KeyNotificationEmail].(string)
	jobFile, _ := cfg[KeyJobFile].(string)

	j := &Job{
		ID:                id,
		Provider:          provider,
		Service:           service,
		LastService:       lastService,
		UTCTime:           utc,
		NotificationEmail: email,
		NotificationType:  notifType,
		status:            StatusPrepared,
		iteration:         intValue(cfg[KeyIterationCount]),
		config:            maps.Clone(cfg),
		jobFile:           jobFile,
	}
	j.logFunc = j.defaultLog
	return j, nil
}

func validateID(id string) error {
	if id == "" {
		return apperrors.Validation(KeyID, "job id is required")
	}
	if len(id) > maxJobIDLength {
		return apperrors.Validation(KeyID, fmt.Sprintf("job id exceeds maximum length of %d", maxJobIDLength))
	}
	if !jobIDPattern.MatchString(id) {
		return apperrors.Validation(KeyID, "job id must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}
	return nil
}

func validateUTCTime(utc string) error {
	switch utc {
	case "":
		return apperrors.Validation(KeyUTCTime, "utctime is required")
	case UTCNow, UTCAlways:
		return nil
	}
	if _, ok := parseISO(utc); !ok {
		return apperrors.Validation(KeyUTCTime, fmt.Sprintf("utctime %q is not now, always or an ISO-8601 time", utc))
	}
	return nil
}

func parseISO(s string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Recurring reports whether the job re-executes on every trigger.
func (j *Job) Recurring() bool {
	return j.UTCTime == UTCAlways
}

// StartTime returns the time of the first pass. ok is false for recurring
// jobs and for "now".
func (j *Job) StartTime() (t time.Time, ok bool) {
	if j.UTCTime == UTCNow || j.UTCTime == UTCAlways {
		return time.Time{}, false
	}
	return parseISO(j.UTCTime)
}

// Terminal reports whether this stage is the last one the job visits.
func (j *Job) Terminal() bool {
	return j.LastService != "" && j.LastService == j.Service
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// IterationCount returns the number of passes started.
func (j *Job) IterationCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.iteration
}

// LastError returns the failure detail of the latest pass.
func (j *Job) LastError() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastError
}

// Get returns a configuration value.
func (j *Job) Get(key string) (any, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.config[key]
	return v, ok
}

// String returns a string configuration value, or "".
func (j *Job) String(key string) string {
	v, _ := j.Get(key)
	s, _ := v.(string)
	return s
}

// Merge copies fields into the configuration. Core identity keys are
// ignored so that upstream messages cannot rename a job.
func (j *Job) Merge(fields map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, v := range fields {
		switch k {
		case KeyID, KeyProvider, KeyUTCTime, KeyLastService, KeyStatus, KeyJobFile:
			continue
		}
		j.config[k] = v
	}
}

// Snapshot returns the configuration to persist, including the pass counter.
func (j *Job) Snapshot() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := maps.Clone(j.config)
	snap[KeyIterationCount] = j.iteration
	if j.jobFile != "" {
		snap[KeyJobFile] = j.jobFile
	}
	return snap
}

// SetJobFile records where the snapshot was persisted.
func (j *Job) SetJobFile(path string) {
	j.mu.Lock()
	j.jobFile = path
	j.mu.Unlock()
}

// JobFile returns the snapshot location, or "" if never persisted.
func (j *Job) JobFile() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jobFile
}

// SetCredentials stores decrypted credentials for the coming pass.
func (j *Job) SetCredentials(creds map[string][]byte) {
	j.mu.Lock()
	j.credentials = maps.Clone(creds)
	j.mu.Unlock()
}

// Credentials returns the decrypted payload for account.
func (j *Job) Credentials(account string) ([]byte, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.credentials[account]
	return c, ok
}

// HasCredentials reports whether a credential exchange has completed.
func (j *Job) HasCredentials() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.credentials != nil
}

// ClearCredentials forgets the decrypted credentials. A later pass fetches
// them again.
func (j *Job) ClearCredentials() {
	j.mu.Lock()
	j.credentials = nil
	j.mu.Unlock()
}

// HoldListenerMsg keeps the triggering message until the pass is published.
// A message still held from an earlier pass is acknowledged first.
func (j *Job) HoldListenerMsg(msg Acker) {
	j.mu.Lock()
	prev := j.listenerMsg
	j.listenerMsg = msg
	j.mu.Unlock()
	if prev != nil {
		_ = prev.Ack()
	}
}

// AckListenerMsg acknowledges and drops the held message, if any.
func (j *Job) AckListenerMsg() error {
	j.mu.Lock()
	msg := j.listenerMsg
	j.listenerMsg = nil
	j.mu.Unlock()
	if msg == nil {
		return nil
	}
	return msg.Ack()
}

// Result returns the fields the latest pass produced for the next stage.
func (j *Job) Result() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return maps.Clone(j.result)
}

// SetLogCallback replaces the default slog based job log.
func (j *Job) SetLogCallback(fn LogFunc) {
	j.mu.Lock()
	if fn == nil {
		fn = j.defaultLog
	}
	j.logFunc = fn
	j.mu.Unlock()
}

// Log emits msg prefixed with the current pass number.
func (j *Job) Log(msg string, success bool) {
	j.mu.Lock()
	line := fmt.Sprintf("Pass[%d]: %s", j.iteration, msg)
	fn := j.logFunc
	j.mu.Unlock()
	fn(j.ID, line, success)
}

func (j *Job) defaultLog(jobID, msg string, success bool) {
	level := slog.LevelInfo
	if !success {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, msg, "jobId", jobID, "service", j.Service)
}

// Summarize returns the externally visible state.
func (j *Job) Summarize() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Summary{
		ID:             j.ID,
		Provider:       string(j.Provider),
		Service:        j.Service,
		LastService:    j.LastService,
		UTCTime:        j.UTCTime,
		Status:         string(j.status),
		IterationCount: j.iteration,
		JobFile:        j.jobFile,
	}
}

// Regions returns the target regions stored under key. Both a list of names
// and a mapping of region to settings are accepted; the result is sorted
// for mappings and in document order for lists.
func (j *Job) Regions(key string) []string {
	v, ok := j.Get(key)
	if !ok {
		return nil
	}
	switch r := v.(type) {
	case []any:
		out := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), r...)
	case map[string]any:
		return slices.Sorted(maps.Keys(r))
	default:
		return nil
	}
}

// RegionSetting returns a string setting for one region of a mapping, e.g.
// the account a region uses.
func (j *Job) RegionSetting(key, region, setting string) string {
	v, _ := j.Get(key)
	m, _ := v.(map[string]any)
	entry, _ := m[region].(map[string]any)
	s, _ := entry[setting].(string)
	return s
}

