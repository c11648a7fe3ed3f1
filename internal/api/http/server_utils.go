package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/usecase"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeRelayError answers a failure that happened before any body byte was
// sent. Provider error text never reaches the client. size is the file size
// when known, used for the Content-Range of 416 answers.
func writeRelayError(w http.ResponseWriter, err error, size int64) int {
	status, message := relayErrorStatus(err)
	if status == http.StatusRequestedRangeNotSatisfiable && size >= 0 {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
	}
	code := domain.ErrorKind(err)
	if errors.Is(err, errOverloaded) {
		code = "overloaded"
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, code, message)
	return status
}

func relayErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidLocator):
		return http.StatusBadRequest, "invalid share locator"
	case errors.Is(err, domain.ErrAmbiguousTarget):
		return http.StatusBadRequest, "share is a folder, nodeId is required"
	case errors.Is(err, usecase.ErrNoVideos):
		return http.StatusNotFound, "no video files found"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "file not found"
	case errors.Is(err, domain.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable, "range not satisfiable"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		if domain.IsTimeout(err) {
			return http.StatusGatewayTimeout, "upstream timed out"
		}
		return http.StatusBadGateway, "upstream unavailable"
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusNotImplemented, "operation not supported for this share"
	case errors.Is(err, errOverloaded):
		return http.StatusServiceUnavailable, "relay capacity exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
