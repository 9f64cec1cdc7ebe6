package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/membersync/pkg/types"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// DefaultArchiveAge is used when an archive request has no older_than
const DefaultArchiveAge = 30 * 24 * time.Hour

// EnqueueRequest is the body of POST /v1/work
type EnqueueRequest struct {
	Type    types.WorkType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type EnqueueResponse struct {
	ID string `json:"id"`
}

type TaskList struct {
	Tasks []*types.Task `json:"tasks"`
}

type RetryResponse struct {
	Retried bool `json:"retried"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type ArchiveResponse struct {
	Archived int `json:"archived"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) enqueueWork(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Type == "" {
		badRequest(w, "type is required")
		return
	}
	if len(req.Payload) == 0 {
		badRequest(w, "payload is required")
		return
	}

	id, err := s.svc.EnqueueWork(r.Context(), req.Type, req.Payload)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id})
}

func (s *Server) getWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.GetWorkItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := types.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.svc.ListTasks(r.Context(), status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, TaskList{Tasks: tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.RetryTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryResponse{Retried: ok})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: ok})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetQueueStatus(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) reconcileMember(w http.ResponseWriter, r *http.Request) {
	var member types.Member
	if err := decodeBody(w, r, &member); err != nil {
		badRequest(w, err.Error())
		return
	}

	res, err := s.svc.ReconcileMember(r.Context(), member)
	if err != nil {
		handleError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) archive(w http.ResponseWriter, r *http.Request) {
	olderThan := DefaultArchiveAge
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			badRequest(w, fmt.Sprintf("older_than: %q is not a non-negative duration", v))
			return
		}
		olderThan = d
	}

	n, err := s.svc.ArchiveWorkItems(r.Context(), olderThan)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ArchiveResponse{Archived: n})
}
