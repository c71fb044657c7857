package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fixation.watch/internal/actuator"
	"github.com/banshee-data/fixation.watch/internal/db"
	"github.com/banshee-data/fixation.watch/internal/httputil"
	"github.com/banshee-data/fixation.watch/internal/monitoring"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/pipeline"
	"github.com/banshee-data/fixation.watch/internal/report"
)

type lockRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (s *Server) lock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := httputil.DecodeOptionalJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var at *pupil.Point2D
	switch {
	case req.X != nil && req.Y != nil:
		at = &pupil.Point2D{X: *req.X, Y: *req.Y}
	case req.X != nil || req.Y != nil:
		httputil.WriteJSONError(w, http.StatusBadRequest, "both x and y are required for an explicit lock")
		return
	}
	ref, err := s.tracker.Lock(at)
	if errors.Is(err, pipeline.ErrNoEllipse) {
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, pipeline.LockState{
		Locked:    true,
		Reference: &ref,
		Threshold: s.tracker.LockState().Threshold,
	})
}

func (s *Server) unlock(w http.ResponseWriter, r *http.Request) {
	s.tracker.Unlock()
	httputil.WriteJSON(w, http.StatusAccepted, pipeline.LockState{
		Threshold: s.tracker.LockState().Threshold,
	})
}

type thresholdRequest struct {
	Threshold *float64 `json:"threshold"`
}

func (s *Server) setLockThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := httputil.DecodeOptionalJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Threshold == nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "threshold is required")
		return
	}
	if err := s.tracker.SetLockThreshold(*req.Threshold); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]float64{"threshold": *req.Threshold})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.tracker.Reset()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "reset queued"})
}

// controllerCommand adapts a fire-and-forget controller call to a handler.
// Commands are queued, so success is 202.
func (s *Server) controllerCommand(fn func(Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ctrl == nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, actuator.ErrLinkUnavailable.Error())
			return
		}
		if err := fn(s.ctrl); err != nil {
			monitoring.Logf("[api] %s: %v", r.URL.Path, err)
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, actuator.ErrLinkUnavailable.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.ctrl.Ping(ctx); err != nil {
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"pong":       true,
		"latency_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
}

// ResultResponse is a stored result with its derived summary.
type ResultResponse struct {
	db.TestResult
	Summary actuator.Summary `json:"summary"`
}

func withSummary(r db.TestResult) ResultResponse {
	return ResultResponse{TestResult: r, Summary: r.Summary()}
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "result store disabled")
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 || n > 1000 {
		return 0, fmt.Errorf("limit must be between 1 and 1000")
	}
	return n, nil
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.db.ListTestResults(r.URL.Query().Get("session_id"), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ResultResponse, len(results))
	for i, res := range results {
		out[i] = withSummary(res)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// lookupResult resolves the {id} path value, writing the error response
// itself when it fails.
func (s *Server) lookupResult(w http.ResponseWriter, r *http.Request) (*db.TestResult, bool) {
	if !s.requireDB(w) {
		return nil, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "invalid result id")
		return nil, false
	}
	res, err := s.db.GetTestResult(id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return res, true
}

func (s *Server) showResult(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, withSummary(*res))
}

func (s *Server) resultChart(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	err := report.WriteChartPNG(&buf, res.Report)
	if errors.Is(err, report.ErrNoPattern) {
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", "inline; filename="+report.Filename(res.ID, res.Recorded, "png"))
	w.Write(buf.Bytes())
}

func (s *Server) exportResult(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, res.Summary()); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename(res.ID, res.Recorded, "csv"))
	w.Write(buf.Bytes())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.db.ListSessions(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSON(w, http.StatusOK, sessions)
}
