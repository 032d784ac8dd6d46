package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/claim"
	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine and collaborator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidInput),
		errors.Is(err, market.ErrInvalidOutcome),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrInvalidAttestation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, market.ErrAlreadySettled),
		errors.Is(err, market.ErrNotSettled),
		errors.Is(err, market.ErrNotOpen),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, claim.ErrAllDust),
		errors.Is(err, claim.ErrMissingSignature),
		errors.Is(err, claim.ErrNoWinningBets):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusLocked
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the mapped status. Server faults are logged
// and hidden from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %v: %w", err, market.ErrInvalidInput)
	}
	return nil
}

// parseListOpts reads limit (default 50, max 500), offset, settled and the
// since/until unix timestamps.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = min(n, 500)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		opts.Offset = n
	}
	if b, err := strconv.ParseBool(q.Get("settled")); err == nil {
		opts.Settled = &b
	}
	if ts, err := strconv.ParseInt(q.Get("since"), 10, 64); err == nil {
		t := time.Unix(ts, 0).UTC()
		opts.Since = &t
	}
	if ts, err := strconv.ParseInt(q.Get("until"), 10, 64); err == nil {
		t := time.Unix(ts, 0).UTC()
		opts.Until = &t
	}
	return opts
}
