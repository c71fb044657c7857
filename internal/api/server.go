// Package api serves tracker status, lock control, controller commands and
// stored test results over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fixation.watch/internal/actuator"
	"github.com/banshee-data/fixation.watch/internal/config"
	"github.com/banshee-data/fixation.watch/internal/db"
	"github.com/banshee-data/fixation.watch/internal/httputil"
	"github.com/banshee-data/fixation.watch/internal/monitoring"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/pipeline"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Tracker is the control surface of a running pipeline.Session.
type Tracker interface {
	Latest() *pipeline.FrameResult
	LockState() pipeline.LockState
	Stats() pipeline.Stats
	Lock(p *pupil.Point2D) (pupil.Point2D, error)
	Unlock()
	SetLockThreshold(px float64) error
	Reset()
}

// Controller is the command surface of an actuator.Bridge.
type Controller interface {
	StartTest() error
	EndTest() error
	RequestResults() error
	Ping(ctx context.Context) error
	Latest() *actuator.Report
	Stats() actuator.BridgeStats
}

type Server struct {
	tracker Tracker
	ctrl    Controller
	db      *db.DB
	cfg     *config.Config
}

// NewServer builds a Server. ctrl and store may be nil, in which case the
// routes needing them answer 503.
func NewServer(tracker Tracker, ctrl Controller, store *db.DB, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Empty()
	}
	return &Server{tracker: tracker, ctrl: ctrl, db: store, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every API route. Debug routes are attached
// to it separately by their owners.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("GET /api/config", s.showConfig)

	mux.HandleFunc("POST /api/lock", s.lock)
	mux.HandleFunc("POST /api/unlock", s.unlock)
	mux.HandleFunc("POST /api/lock/threshold", s.setLockThreshold)
	mux.HandleFunc("POST /api/reset", s.reset)

	mux.HandleFunc("POST /api/test/start", s.controllerCommand(Controller.StartTest))
	mux.HandleFunc("POST /api/test/end", s.controllerCommand(Controller.EndTest))
	mux.HandleFunc("POST /api/test/results", s.controllerCommand(Controller.RequestResults))
	mux.HandleFunc("POST /api/test/ping", s.ping)

	mux.HandleFunc("GET /api/results", s.listResults)
	mux.HandleFunc("GET /api/results/{id}", s.showResult)
	mux.HandleFunc("GET /api/results/{id}/chart.png", s.resultChart)
	mux.HandleFunc("GET /api/results/{id}/export.csv", s.exportResult)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	return mux
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Frame  *pipeline.FrameResult `json:"frame"`
	Lock   pipeline.LockState    `json:"lock"`
	Stats  pipeline.Stats        `json:"stats"`
	Link   LinkStatus            `json:"link"`
	Report *actuator.Report      `json:"report"`
}

// LinkStatus describes the controller link.
type LinkStatus struct {
	Enabled bool                 `json:"enabled"`
	Stats   actuator.BridgeStats `json:"stats"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Frame: s.tracker.Latest(),
		Lock:  s.tracker.LockState(),
		Stats: s.tracker.Stats(),
	}
	if s.ctrl != nil {
		resp.Link = LinkStatus{Enabled: true, Stats: s.ctrl.Stats()}
		resp.Report = s.ctrl.Latest()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// EffectiveConfig is the configuration after defaults are applied.
type EffectiveConfig struct {
	InputMethod      string   `json:"input_method"`
	VideoPath        string   `json:"video_path,omitempty"`
	FrameWidth       int      `json:"frame_width"`
	FrameHeight      int      `json:"frame_height"`
	ZoomFactor       float64  `json:"zoom_factor"`
	LockposThreshold float64  `json:"lockpos_threshold"`
	SwitchMargin     float64  `json:"threshold_switch_confidence_margin"`
	MarginMode       string   `json:"margin_mode"`
	ThresholdOffsets [3]int   `json:"threshold_offsets"`
	Locator          string   `json:"locator"`
	Denoiser         string   `json:"denoiser"`
	ArduinoEnabled   bool     `json:"arduino_enabled"`
	ArduinoPort      string   `json:"arduino_port,omitempty"`
	BaudRate         int      `json:"baud_rate"`
	PortIdentifiers  []string `json:"port_identifiers"`
	DriftMode        string   `json:"drift_mode"`
}

func effectiveConfig(c *config.Config) EffectiveConfig {
	tc := c.TrackerConfig()
	w, h := c.GetFrameSize()
	return EffectiveConfig{
		InputMethod:      string(c.GetInputMethod()),
		VideoPath:        c.GetVideoPath(),
		FrameWidth:       w,
		FrameHeight:      h,
		ZoomFactor:       c.GetZoomFactor(),
		LockposThreshold: tc.LockThreshold,
		SwitchMargin:     tc.Selector.Margin,
		MarginMode:       string(tc.Selector.Mode),
		ThresholdOffsets: tc.Cascade.Offsets,
		Locator:          string(tc.Locator),
		Denoiser:         string(tc.Denoiser),
		ArduinoEnabled:   c.GetArduinoEnabled(),
		ArduinoPort:      c.GetArduinoPort(),
		BaudRate:         c.PortOptions().BaudRate,
		PortIdentifiers:  c.GetPortIdentifiers(),
		DriftMode:        string(c.BridgeConfig().DriftMode),
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"file":      s.cfg,
		"effective": effectiveConfig(s.cfg),
	})
}
