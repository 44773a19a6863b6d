package service

import (
	"encoding/json"
	"fmt"

	"mash/internal/apperrors"
	"mash/internal/job"
)

// Message document keys, all prefixed by a stage name.
func jobDocumentKey(service string) string { return service + "_job" }
func jobDeleteKey(service string) string   { return service + "_job_delete" }
func resultKey(service string) string      { return service + "_result" }

// invalidConfigKey wraps the notice sent back when a job document is rejected.
const invalidConfigKey = "invalid_config"

// decodeEnvelope decodes a message body of the form {"<key>": value}.
func decodeEnvelope(body []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperrors.Validation("message", fmt.Sprintf("message is not a JSON object: %v", err))
	}
	return doc, nil
}

// encode serialises a document. Map keys are sorted by encoding/json, which
// keeps published messages and logs reproducible.
func encode(doc map[string]any) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

func invalidConfigNotice(service, jobID string, problems []string) map[string]any {
	errs := make([]any, len(problems))
	for i, p := range problems {
		errs[i] = p
	}
	return map[string]any{
		invalidConfigKey: map[string]any{
			"service": service,
			"job_id":  jobID,
			"errors":  errs,
		},
	}
}

// resultMessage builds the document a finished pass forwards downstream.
func resultMessage(service string, j *job.Job) map[string]any {
	body := j.Result()
	if body == nil {
		body = make(map[string]any)
	}
	body[job.KeyID] = j.ID
	body[job.KeyStatus] = string(j.Status())
	if msg := j.LastError(); msg != "" && j.Status() != job.StatusSuccess {
		body[job.KeyErrorMsg] = msg
	}
	return map[string]any{resultKey(service): body}
}

// listenerResult is an upstream result addressed to this stage.
type listenerResult struct {
	ID     string
	Status job.Status
	Error  string
	Fields map[string]any
	Raw    map[string]any
}

func parseListenerResult(previous string, doc map[string]any) (*listenerResult, error) {
	raw, ok := doc[resultKey(previous)].(map[string]any)
	if !ok {
		return nil, apperrors.Validation(resultKey(previous), fmt.Sprintf("listener message must contain %s", resultKey(previous)))
	}
	id, _ := raw[job.KeyID].(string)
	if id == "" {
		return nil, apperrors.Validation(job.KeyID, "listener message has no job id")
	}
	status, _ := raw[job.KeyStatus].(string)
	if status == "" {
		return nil, apperrors.Validation(job.KeyStatus, "listener message has no status")
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != job.KeyID && k != job.KeyStatus {
			fields[k] = v
		}
	}
	errMsg, _ := raw[job.KeyErrorMsg].(string)
	return &listenerResult{ID: id, Status: job.Status(status), Error: errMsg, Fields: fields, Raw: raw}, nil
}
