package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	chimw "github.com/go-chi/chi/v5/middleware"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/cron"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeStoreError maps sentinel errors to HTTP status codes. Anything
// unrecognised is logged and answered with a generic 500.
func (a *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound), errors.Is(err, cron.ErrUnknownEntry):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidState), errors.Is(err, dispatch.ErrAlreadyReplayed),
		errors.Is(err, dispatch.ErrJobAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrUnknownQueue), errors.Is(err, dispatch.ErrUnknownJobType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

const maxLimit = 500

func defaultLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 50
	}
	return min(n, maxLimit)
}

func parseOffset(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
