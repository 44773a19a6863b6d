package apperrors

import (
	"errors"
	"net/http"
)

// kinds orders the sentinels from most to least specific. An error joined
// from several kinds reports the first one listed.
var kinds = []struct {
	sentinel error
	status   int
	public   string // body for server side failures; empty exposes the message
}{
	{ErrValidation, http.StatusBadRequest, ""},
	{ErrNotFound, http.StatusNotFound, ""},
	{ErrConflict, http.StatusConflict, ""},
	{ErrConnection, http.StatusServiceUnavailable, "message broker unavailable"},
	{ErrCredential, http.StatusBadGateway, "credential exchange failed"},
	{ErrPersistence, http.StatusInternalServerError, "job store failure"},
	{ErrExecution, http.StatusInternalServerError, "job execution failure"},
}

// HTTPStatus maps an error to the status the job API answers with.
func HTTPStatus(err error) int {
	status, _ := HTTPResponse(err)
	return status
}

// HTTPResponse returns the status and the error text the job API may show.
// Client errors carry their message; server errors get a fixed text so
// broker addresses and credential details stay in the log.
func HTTPResponse(err error) (int, string) {
	if err == nil {
		return http.StatusInternalServerError, "internal server error"
	}
	for _, k := range kinds {
		if !errors.Is(err, k.sentinel) {
			continue
		}
		if k.public != "" {
			return k.status, k.public
		}
		var ae *Error
		if errors.As(err, &ae) && ae.Message != "" {
			return k.status, ae.Message
		}
		return k.status, err.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}
