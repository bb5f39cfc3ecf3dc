package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teacurran/village-dispatch/dlq"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/queue"
)

// DeadCountResponse is returned by GET /v1/dead/count.
type DeadCountResponse struct {
	Count int64 `json:"count"`
}

// PurgeResponse is returned by POST /v1/dead/purge.
type PurgeResponse struct {
	Purged int64     `json:"purged"`
	Before time.Time `json:"before"`
}

// ReplayResponse names the fresh job created by a replay.
type ReplayResponse struct {
	JobID id.JobID `json:"job_id"`
}

func (a *API) listDead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := a.eng.DeadJobs(r.Context(), dlq.ListOpts{
		Limit:  defaultLimit(q.Get("limit")),
		Offset: parseOffset(q.Get("offset")),
		Queue:  queue.Name(q.Get("queue")),
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDead(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	entry, err := a.eng.DLQ().Get(r.Context(), jobID)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) replayDead(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	fresh, err := a.eng.Replay(r.Context(), jobID)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReplayResponse{JobID: fresh})
}

// purgeDead removes dead jobs older than ?older_than (a Go duration),
// defaulting to 30 days.
func (a *API) purgeDead(w http.ResponseWriter, r *http.Request) {
	age := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid older_than")
			return
		}
		age = d
	}
	before := time.Now().UTC().Add(-age)

	n, err := a.eng.DLQ().Purge(r.Context(), before)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: n, Before: before})
}

func (a *API) deadCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.eng.DLQ().Count(r.Context(), queue.Name(r.URL.Query().Get("queue")))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeadCountResponse{Count: n})
}
