package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/bulk"
	"github.com/pagetrail/pagetrail/internal/coverage"
	"github.com/pagetrail/pagetrail/internal/scheduler"
)

// domainStatus is the GET status payload.
type domainStatus struct {
	DomainID           string     `json:"domain_id"`
	Name               string     `json:"name"`
	Enabled            bool       `json:"enabled"`
	LastRunDate        *time.Time `json:"last_run_date,omitempty"`
	NextRunDate        *time.Time `json:"next_run_date,omitempty"`
	CoveragePercentage float64    `json:"coverage_percentage"`
	TotalGaps          int        `json:"total_gaps"`
	ActiveRunID        string     `json:"active_run_id,omitempty"`
}

func (s *Server) getDomainStatus(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain_id")
	domain, err := s.deps.Domains.GetDomain(r.Context(), domainID)
	if err != nil {
		writeStoreError(w, err, "domain")
		return
	}
	status, err := s.buildStatus(r, domain)
	if err != nil {
		s.logger.Error("build domain status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) buildStatus(r *http.Request, domain archiver.Domain) (domainStatus, error) {
	ctx := r.Context()
	timestamps, err := s.deps.Pages.CaptureTimestamps(ctx, domain.ID)
	if err != nil {
		return domainStatus{}, fmt.Errorf("load capture timestamps: %w", err)
	}
	gaps, err := s.deps.Gaps.ListGaps(ctx, domain.ID)
	if err != nil {
		return domainStatus{}, fmt.Errorf("list gaps: %w", err)
	}

	status := domainStatus{
		DomainID:           domain.ID,
		Name:               domain.Name,
		Enabled:            domain.Enabled,
		LastRunDate:        domain.LastRunAt,
		NextRunDate:        domain.NextRunAt(),
		CoveragePercentage: coverage.Percentage(timestamps, gaps, s.deps.Clock.Now()),
		TotalGaps:          len(gaps),
	}
	active, err := s.deps.Runs.ActiveRun(ctx, domain.ID)
	switch {
	case err == nil:
		status.ActiveRunID = active.ID
	case !errors.Is(err, archiver.ErrNotFound):
		return domainStatus{}, fmt.Errorf("check active run: %w", err)
	}
	return status, nil
}

func (s *Server) putDomainConfig(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain_id")
	domain, err := s.deps.Domains.GetDomain(r.Context(), domainID)
	if err != nil {
		writeStoreError(w, err, "domain")
		return
	}

	// Partial update: fields absent from the body keep their current values.
	cfg := domain.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	updated, err := s.deps.Domains.UpdateDomainConfig(r.Context(), domainID, cfg)
	if err != nil {
		writeStoreError(w, err, "domain")
		return
	}
	status, err := s.buildStatus(r, updated)
	if err != nil {
		s.logger.Error("build domain status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getDomainGaps(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain_id")
	if _, err := s.deps.Domains.GetDomain(r.Context(), domainID); err != nil {
		writeStoreError(w, err, "domain")
		return
	}
	gaps, err := s.deps.Gaps.ListGaps(r.Context(), domainID)
	if err != nil {
		s.logger.Error("list gaps", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list gaps")
		return
	}
	if gaps == nil {
		gaps = []archiver.CoverageGap{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

func (s *Server) getDomainHistory(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain_id")
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, total, err := s.deps.Runs.ListRuns(r.Context(), domainID, limit, offset)
	if err != nil {
		s.logger.Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []archiver.IncrementalRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":        runs,
		"total_count": total,
		"has_more":    offset+len(runs) < total,
	})
}

type triggerRequest struct {
	RunType           string   `json:"run_type"`
	DomainIDs         []string `json:"domain_ids"`
	ForceFullCoverage bool     `json:"force_full_coverage"`
	PriorityBoost     bool     `json:"priority_boost"`
}

type triggerError struct {
	DomainID string `json:"domain_id"`
	Error    string `json:"error"`
}

func (s *Server) postTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.DomainIDs) == 0 {
		writeError(w, http.StatusBadRequest, "domain_ids required")
		return
	}
	runType := archiver.RunType(req.RunType)
	if req.RunType == "" {
		runType = archiver.RunTypeManual
	}
	if runType != archiver.RunTypeManual && runType != archiver.RunTypeScheduled {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported run_type %q", req.RunType))
		return
	}

	var (
		runIDs   []string
		failures []triggerError
	)
	for _, domainID := range req.DomainIDs {
		run, err := s.deps.Sched.Trigger(r.Context(), scheduler.TriggerRequest{
			DomainID:          domainID,
			Type:              runType,
			ForceFullCoverage: req.ForceFullCoverage,
			PriorityBoost:     req.PriorityBoost,
		})
		if err != nil {
			failures = append(failures, triggerError{DomainID: domainID, Error: err.Error()})
			continue
		}
		runIDs = append(runIDs, run.ID)
	}
	if runIDs == nil {
		runIDs = []string{}
	}

	status := http.StatusAccepted
	if len(runIDs) == 0 {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"task_id": uuid.NewString(),
		"run_ids": runIDs,
		"errors":  failures,
	})
}

type gapsFillRequest struct {
	GapIDs []string `json:"gap_ids"`
}

func (s *Server) postGapsFill(w http.ResponseWriter, r *http.Request) {
	var req gapsFillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.GapIDs) == 0 {
		writeError(w, http.StatusBadRequest, "gap_ids required")
		return
	}
	run, err := s.deps.Sched.FillGaps(r.Context(), req.GapIDs)
	if err != nil {
		switch {
		case errors.Is(err, archiver.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, archiver.ErrLockConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": uuid.NewString(),
		"run_ids": []string{run.ID},
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) postRunCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.deps.Sched.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, archiver.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "cancellation requested"})
}

type bulkRequest struct {
	PageIDs []string  `json:"page_ids"`
	Data    bulk.Data `json:"data"`
}

func (s *Server) postBulkAction(w http.ResponseWriter, r *http.Request) {
	action := bulk.Action(chi.URLParam(r, "action"))
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.deps.Bulk.Apply(r.Context(), action, req.PageIDs, req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if result.Updated == nil {
		result.Updated = []archiver.Page{}
	}
	if result.Errors == nil {
		result.Errors = []bulk.PageError{}
	}
	writeJSON(w, http.StatusOK, result)
}

func writeStoreError(w http.ResponseWriter, err error, noun string) {
	if errors.Is(err, archiver.ErrNotFound) {
		writeError(w, http.StatusNotFound, noun+" not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func parseLimitOffset(r *http.Request, def, max int) (int, int, error) {
	limit := def
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", raw)
		}
		if v > max {
			v = max
		}
		limit = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", raw)
		}
		offset = v
	}
	return limit, offset, nil
}
