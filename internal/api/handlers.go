package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elicit-dev/elicit/internal/types"
)

type startRequest struct {
	TabID string `json:"tab_id"`
}

type answerRequest struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}

// sessionView is the status payload of one session
type sessionView struct {
	SessionID          string                 `json:"session_id"`
	TabID              string                 `json:"tab_id"`
	State              types.State            `json:"state"`
	PendingQuestion    string                 `json:"pending_question,omitempty"`
	Progress           types.Progress         `json:"progress"`
	ThresholdMetrics   types.ThresholdMetrics `json:"threshold_metrics"`
	Skills             []string               `json:"skills"`
	Workflows          []string               `json:"workflows"`
	GeneratedInstances []types.Instance       `json:"generated_instances,omitempty"`
	DatasetID          string                 `json:"dataset_id,omitempty"`
	LastError          string                 `json:"last_error,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	tabID := strings.TrimSpace(req.TabID)
	if tabID == "" {
		tabID = "default"
	}

	res, err := s.svc.StartSession(r.Context(), UserIDFromContext(r.Context()), tabID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	JSON(w, status, res)
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.SubmitAnswer(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "tabID"), req.SessionID, req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Resume(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "tabID"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.GetStatus(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "tabID"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, sessionView{
		SessionID:          snap.SessionID,
		TabID:              snap.TabID,
		State:              snap.State,
		PendingQuestion:    snap.PendingQuestion,
		Progress:           s.svc.Progress(snap),
		ThresholdMetrics:   snap.ThresholdMetrics,
		Skills:             snap.ExtractedSkills.Sorted(),
		Workflows:          snap.IdentifiedWorkflows.Sorted(),
		GeneratedInstances: snap.GeneratedInstances,
		DatasetID:          snap.DatasetID,
		LastError:          snap.LastError,
		CreatedAt:          snap.CreatedAt,
		UpdatedAt:          snap.UpdatedAt,
	})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CloseSession(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "tabID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.svc.ListSessions(r.Context(), UserIDFromContext(r.Context())),
	})
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	stats := s.quota.Stats(UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]interface{}{
		"used":          stats.Used,
		"reserved":      stats.Reserved,
		"limit":         stats.Limit,
		"remaining":     stats.Remaining,
		"total_used":    stats.TotalUsed,
		"window_start":  stats.WindowStart,
		"resets_in_sec": int64(stats.TimeToReset.Seconds()),
		"status":        stats.Status.String(),
	})
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.datasets.ListDatasets(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, fmt.Errorf("list datasets: %w", err))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"datasets": datasets})
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "datasetID")
	ds, err := s.datasets.GetDataset(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	// Other users' datasets look missing
	if ds.OwnerID != UserIDFromContext(r.Context()) {
		writeError(w, fmt.Errorf("dataset %s: %w", id, types.ErrNotFound))
		return
	}
	JSON(w, http.StatusOK, ds)
}
