package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	Type        string      `json:"type"`
	Queue       string      `json:"queue,omitempty"`
	Payload     job.Payload `json:"payload,omitempty"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
}

// maxEnqueueBody caps the size of a POST /v1/jobs body.
const maxEnqueueBody = 1 << 20

// EnqueueResponse is returned for an accepted job.
type EnqueueResponse struct {
	JobID id.JobID `json:"job_id"`
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEnqueueBody)

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type required")
		return
	}

	jobID, err := a.eng.Enqueue(r.Context(), req.Type, queue.Name(req.Queue), req.Payload, req.ScheduledAt)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{JobID: jobID})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	j, err := a.eng.GetJob(r.Context(), jobID)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
