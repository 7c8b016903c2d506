package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qkdnet/kmed/internal/localkm"
	"github.com/qkdnet/kmed/internal/pool"
	"github.com/qkdnet/kmed/internal/ratelimit"
	"github.com/qkdnet/kmed/internal/userpool"
)

// Errors raised at the HTTP boundary itself rather than in a backing
// package.
var (
	// ErrUnknownSAE means the calling SAE could not be resolved, or no
	// KME claims the SAE named in the path.
	ErrUnknownSAE = errors.New("api: unknown SAE")

	// errMalformedBody covers bodies that fail to decode.
	errMalformedBody = errors.New("api: malformed request body")
)

// ErrorResponse is the envelope for every non-2xx answer, ETSI GS QKD
// 014 shape: a bare message field.
type ErrorResponse struct {
	Message string `json:"message"`
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Message: message})
}

// WriteStatusError maps err onto its transport status and writes the
// envelope with the error text as the message.
func WriteStatusError(w http.ResponseWriter, err error) {
	WriteError(w, StatusFor(err), err.Error())
}

// StatusFor maps pipeline errors onto HTTP statuses. Validation
// failures, unknown SAEs, duplicate registrations and drained user
// pools are terminal 400s; a shared pool drained past the acquire
// window answers 503 so the caller knows a retry may succeed.
func StatusFor(err error) int {
	var maxBytesErr *http.MaxBytesError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, localkm.ErrPartial):
		return http.StatusPartialContent
	case errors.Is(err, localkm.ErrNoKeysFound):
		return http.StatusNotFound
	case errors.Is(err, localkm.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, localkm.ErrNoUpstream):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrNoKeys),
		errors.Is(err, pool.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownSAE),
		errors.Is(err, errMalformedBody),
		errors.Is(err, userpool.ErrValidation),
		errors.Is(err, userpool.ErrUserNotFound),
		errors.Is(err, userpool.ErrAlreadyExists),
		errors.Is(err, userpool.ErrInsufficientKeys),
		errors.Is(err, userpool.ErrKeySize):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteRateLimitError writes a 429 with a Retry-After hint (RFC 6585).
func WriteRateLimitError(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))

	WriteError(w, http.StatusTooManyRequests,
		"rate limit exceeded, retry after the indicated delay")
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

// writeDoc writes a pre-rendered JSON document as produced by the Local
// Key Manager.
func writeDoc(w http.ResponseWriter, statusCode int, doc []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(doc); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
