package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
)

// Attachments travel inline as data URLs, hence the generous limit.
const maxRequestBodySize = 8 << 20

// readJSON decodes a required JSON body, answering 400 or 413 itself when
// it cannot.
func readJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	v, err := decodeBody[T](w, r, limit)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return v, true
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		writeError(w, http.StatusBadRequest, "invalid request body")
	}
	return v, false
}

// readOptionalJSON decodes a body that may be absent. Malformed input is
// treated like no body at all.
func readOptionalJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) T {
	v, err := decodeBody[T](w, r, limit)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.DebugContext(r.Context(), "ignoring unreadable optional body", "path", r.URL.Path, "error", err)
		}
		var zero T
		return zero
	}
	return v
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, error) {
	var v T
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(&v)
	return v, err
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// queryInt reads an integer query parameter; absent or invalid yields 0.
func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps domain sentinels to status codes. notFoundMsg is the
// body for ErrNotFound; validation errors show their detail.
func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
	case errors.Is(err, domain.ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, usage.OutOfMessagesNotice)
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "chat was modified concurrently")
	default:
		writeInternalError(w, err)
	}
}

// writeInternalError logs err and answers with a generic 500.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
