package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/promptdhq/promptd/internal/auth"
	"github.com/promptdhq/promptd/internal/registry"
	"github.com/promptdhq/promptd/internal/scheduler"
	"github.com/promptdhq/promptd/internal/store"
	"github.com/promptdhq/promptd/internal/token"
)

// Outcome kinds surfaced to clients. Every sentinel the lower layers return
// maps onto exactly one of these.
const (
	kindAuthentication = "authentication_failed"
	kindAuthorization  = "authorization_failed"
	kindNotFound       = "not_found"
	kindConflict       = "conflict"
	kindValidation     = "validation_failed"
	kindRateLimited    = "rate_limited"
	kindShutdown       = "shutdown"
	kindStorage        = "storage_failed"
)

// errForbidden is the only error minted at this layer: a valid subject
// acting on another owner's job.
var errForbidden = errors.New("subject may not act on this job")

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorKind(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// writeError classifies an error from the lower layers into an HTTP status
// and outcome kind. Unrecognized errors are reported as storage failures
// with the message sanitized so host paths never leak to clients.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = s.sanitizeErrorMessage(msg)
	}
	writeErrorKind(w, status, kind, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, auth.ErrBadPassword),
		errors.Is(err, auth.ErrNoShadow),
		errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrExpiredToken):
		return http.StatusUnauthorized, kindAuthentication
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, kindAuthorization
	case errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, registry.ErrAlreadyExists),
		errors.Is(err, registry.ErrBusy),
		errors.Is(err, registry.ErrNotReady),
		errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, store.ErrUploadExists):
		return http.StatusConflict, kindConflict
	case errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidRequest),
		errors.Is(err, registry.ErrIndexUnaware),
		errors.Is(err, scheduler.ErrInvalidRequest),
		errors.Is(err, store.ErrInvalidUploadName),
		errors.Is(err, store.ErrInvalidJobID):
		return http.StatusBadRequest, kindValidation
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable, kindShutdown
	default:
		return http.StatusInternalServerError, kindStorage
	}
}

func (s *Server) sanitizeErrorMessage(msg string) string {
	if s.cfg != nil && s.cfg.DataDir != "" {
		msg = strings.ReplaceAll(msg, s.cfg.DataDir, "<data-dir>")
	}
	tmp := os.TempDir()
	if tmp != "" {
		msg = strings.ReplaceAll(msg, tmp, "<tmp>")
	}
	return msg
}
