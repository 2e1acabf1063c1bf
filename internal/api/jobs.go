package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/poem-engine/internal/database"
	"github.com/snarg/poem-engine/internal/jobs"
	"github.com/snarg/poem-engine/internal/pipeline"
)

// Liveness answers GET /.
func Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Poem Engine is live")
}

type JobsHandler struct {
	runner SyncRunner
	queue  JobQueue
	store  JobStore
}

// SubmitResponse is returned by a successful synchronous job.
type SubmitResponse struct {
	JobID        string            `json:"job_id"`
	ArtifactPath string            `json:"artifact_path"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// decodeRequest reads and validates a job request, writing the error response
// itself when it fails.
func decodeRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	var req pipeline.Request
	if err := DecodeJSON(r, &req); err != nil {
		WriteJobError(w, "", &pipeline.Error{Kind: pipeline.KindInvalidOptions, Op: "decode", Err: err})
		return req, false
	}
	if err := req.Validate(); err != nil {
		WriteJobError(w, "", err)
		return req, false
	}
	return req, true
}

// Submit runs a job synchronously and answers with the artifact path or a
// typed failure. The job runs to completion even if the client goes away;
// stage timeouts still bound it.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		WriteError(w, http.StatusServiceUnavailable, "job runner not configured")
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	id, res, err := h.runner.Run(context.WithoutCancel(r.Context()), "", jobs.SourceHTTP, req)
	annotateJob(w, r, id, err)
	if err != nil {
		WriteJobError(w, id, err)
		return
	}
	WriteJSON(w, http.StatusOK, SubmitResponse{
		JobID:        id,
		ArtifactPath: res.ArtifactPath,
		Metadata:     res.Metadata,
	})
}

// Enqueue queues a job on the worker pool.
func (h *JobsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		WriteError(w, http.StatusServiceUnavailable, "job queue not configured")
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	id, ok := h.queue.Enqueue(jobs.Job{Source: jobs.SourceAPI, Request: req})
	if !ok {
		w.Header().Set("Retry-After", "30")
		WriteError(w, http.StatusServiceUnavailable, "job queue full")
		return
	}
	annotateJob(w, r, id, nil)
	WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// List returns recent jobs from the ledger, newest first.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "job ledger not configured")
		return
	}
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}
	filter := database.JobFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "status"); ok {
		filter.Status = &v
	}
	if v, ok := QueryString(r, "source"); ok {
		filter.Source = &v
	}
	if _, present := QueryString(r, "since"); present {
		t, ok := QueryTime(r, "since")
		if !ok {
			WriteError(w, http.StatusBadRequest, "invalid since: must be RFC 3339")
			return
		}
		filter.Since = &t
	}

	list, total, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "failed to list jobs", err.Error())
		return
	}
	if list == nil {
		list = []database.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   list,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

// Get returns one ledger row.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "job ledger not configured")
		return
	}
	j, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "failed to get job", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, j)
}
