package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/banshee-data/scaninspect/internal/httputil"
	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/version"
)

type jobList struct {
	Jobs []*inspection.JobRecord `json:"jobs"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var d inspection.Descriptor
	if err := httputil.DecodeJSON(r.Body, &d); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ack, err := s.svc.Submit(r.Context(), d)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusAccepted, ack)
	case errors.Is(err, inspection.ErrExists):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, inspection.ErrInvalidDescriptor):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, inspection.ErrQueueClosed):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.logger.Error("submit failed", "job_id", d.JobID, "err", err)
		httputil.InternalServerError(w, "failed to submit job")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.svc.Get(r.Context(), id)
	if errors.Is(err, inspection.ErrNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", "job_id", id, "err", err)
		httputil.InternalServerError(w, "failed to load job")
		return
	}
	httputil.WriteJSONOK(w, rec)
}

// handleListJobs serves GET /v1/jobs?status=queued,failed. Without a status
// filter every job is listed, oldest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []inspection.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := inspection.ParseStatus(part)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}
	recs, err := s.svc.Store().ListByStatus(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("list jobs failed", "err", err)
		httputil.InternalServerError(w, "failed to list jobs")
		return
	}
	if recs == nil {
		recs = []*inspection.JobRecord{}
	}
	httputil.WriteJSONOK(w, jobList{Jobs: recs})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if s.cleaner == nil {
		httputil.MethodNotAllowed(w)
		return
	}
	id := chi.URLParam(r, "id")
	err := s.cleaner.Delete(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, inspection.ErrNotFound):
		httputil.NotFound(w, "job not found")
	case errors.Is(err, inspection.ErrJobActive):
		httputil.Conflict(w, err.Error())
	default:
		s.logger.Error("delete job failed", "job_id", id, "err", err)
		httputil.InternalServerError(w, "failed to delete job")
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.svc.Queue().Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"busy":    s.svc.Queue().Busy(),
	})
}
