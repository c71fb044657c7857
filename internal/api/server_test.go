package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fixation.watch/internal/actuator"
	"github.com/banshee-data/fixation.watch/internal/config"
	"github.com/banshee-data/fixation.watch/internal/db"
	"github.com/banshee-data/fixation.watch/internal/monitoring"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/pipeline"
	"github.com/banshee-data/fixation.watch/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeTracker struct {
	mu        sync.Mutex
	latest    *pipeline.FrameResult
	lock      pipeline.LockState
	calls     []string
	threshold float64
}

func (f *fakeTracker) Latest() *pipeline.FrameResult { return f.latest }
func (f *fakeTracker) LockState() pipeline.LockState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lock
}
func (f *fakeTracker) Stats() pipeline.Stats { return pipeline.Stats{Frames: 12, OK: 10, Skipped: 2} }

func (f *fakeTracker) Lock(p *pupil.Point2D) (pupil.Point2D, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "lock")
	if p != nil {
		return *p, nil
	}
	if f.latest == nil || f.latest.Ellipse == nil {
		return pupil.Point2D{}, pipeline.ErrNoEllipse
	}
	return f.latest.Ellipse.Center, nil
}

func (f *fakeTracker) Unlock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unlock")
}

func (f *fakeTracker) SetLockThreshold(px float64) error {
	if px < 0 {
		return errors.New("lock threshold must be non-negative")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = px
	f.lock.Threshold = px
	return nil
}

func (f *fakeTracker) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reset")
}

type fakeController struct {
	commands []string
	err      error
	pingErr  error
	report   *actuator.Report
}

func (f *fakeController) record(c string) error {
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, c)
	return nil
}

func (f *fakeController) StartTest() error      { return f.record("start-test") }
func (f *fakeController) EndTest() error        { return f.record("end-test") }
func (f *fakeController) RequestResults() error { return f.record("request-test-results") }
func (f *fakeController) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.record("ping")
}
func (f *fakeController) Latest() *actuator.Report { return f.report }
func (f *fakeController) Stats() actuator.BridgeStats {
	return actuator.BridgeStats{Active: true, Sent: uint64(len(f.commands))}
}

type testEnv struct {
	tracker *fakeTracker
	ctrl    *fakeController
	db      *db.DB
	mux     http.Handler
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		tracker: &fakeTracker{lock: pipeline.LockState{Threshold: 48}},
		ctrl:    &fakeController{},
		db:      store,
	}
	env.mux = LoggingMiddleware(NewServer(env.tracker, env.ctrl, store, config.Empty()).ServeMux())
	return env
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	env := setupTestServer(t)
	e := pupil.Ellipse{Center: pupil.Point2D{X: 320, Y: 240}, SemiMajor: 30, SemiMinor: 28}
	env.tracker.latest = &pipeline.FrameResult{Seq: 7, Outcome: pipeline.OK, Ellipse: &e}
	env.ctrl.report = &actuator.Report{TestStatus: actuator.StatusRunning, PointsShown: 3, TotalPoints: 100}

	rec := env.do(http.MethodGet, "/api/status", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, string(got["frame"]), `"outcome":"ok"`)
	assert.Contains(t, string(got["stats"]), `"frames":12`)
	assert.Contains(t, string(got["link"]), `"enabled":true`)
	assert.Contains(t, string(got["report"]), `"test_status":"Test Running"`)
}

func TestStatus_NoControllerNoFrame(t *testing.T) {
	tr := &fakeTracker{}
	mux := NewServer(tr, nil, nil, nil).ServeMux()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	resp := decode[StatusResponse](t, rec)
	assert.Nil(t, resp.Frame)
	assert.Nil(t, resp.Report)
	assert.False(t, resp.Link.Enabled)
}

func TestLock(t *testing.T) {
	tests := []struct {
		name     string
		latest   *pipeline.FrameResult
		body     string
		wantCode int
		wantRef  *pupil.Point2D
	}{
		{
			name:     "explicit point",
			body:     `{"x": 100, "y": 120}`,
			wantCode: http.StatusAccepted,
			wantRef:  &pupil.Point2D{X: 100, Y: 120},
		},
		{
			name:     "current centre",
			latest:   &pipeline.FrameResult{Ellipse: &pupil.Ellipse{Center: pupil.Point2D{X: 5, Y: 6}}},
			wantCode: http.StatusAccepted,
			wantRef:  &pupil.Point2D{X: 5, Y: 6},
		},
		{name: "no ellipse yet", wantCode: http.StatusConflict},
		{name: "half a point", body: `{"x": 1}`, wantCode: http.StatusBadRequest},
		{name: "bad json", body: `{"x":`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			env.tracker.latest = tt.latest
			rec := env.do(http.MethodPost, "/api/lock", tt.body)
			testutil.AssertStatusCode(t, rec.Code, tt.wantCode)
			if tt.wantRef == nil {
				return
			}
			ls := decode[pipeline.LockState](t, rec)
			assert.True(t, ls.Locked)
			assert.Equal(t, tt.wantRef, ls.Reference)
			assert.Equal(t, 48.0, ls.Threshold)
		})
	}
}

func TestUnlockAndReset(t *testing.T) {
	env := setupTestServer(t)
	testutil.AssertStatusCode(t, env.do(http.MethodPost, "/api/unlock", "").Code, http.StatusAccepted)
	testutil.AssertStatusCode(t, env.do(http.MethodPost, "/api/reset", "").Code, http.StatusAccepted)
	assert.Equal(t, []string{"unlock", "reset"}, env.tracker.calls)
}

func TestSetLockThreshold(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid", `{"threshold": 30}`, http.StatusAccepted},
		{"zero", `{"threshold": 0}`, http.StatusAccepted},
		{"negative", `{"threshold": -1}`, http.StatusBadRequest},
		{"missing", `{}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			rec := env.do(http.MethodPost, "/api/lock/threshold", tt.body)
			testutil.AssertStatusCode(t, rec.Code, tt.wantCode)
		})
	}

	env := setupTestServer(t)
	env.do(http.MethodPost, "/api/lock/threshold", `{"threshold": 22.5}`)
	assert.Equal(t, 22.5, env.tracker.threshold)
}

func TestControllerCommands(t *testing.T) {
	env := setupTestServer(t)
	for _, path := range []string{"/api/test/start", "/api/test/results", "/api/test/end"} {
		rec := env.do(http.MethodPost, path, "")
		testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	}
	assert.Equal(t, []string{"start-test", "request-test-results", "end-test"}, env.ctrl.commands)

	env.ctrl.err = actuator.ErrLinkUnavailable
	rec := env.do(http.MethodPost, "/api/test/start", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
	assert.Contains(t, rec.Body.String(), "actuator link unavailable")

	rec = env.do(http.MethodGet, "/api/test/start", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestControllerCommands_Disabled(t *testing.T) {
	mux := NewServer(&fakeTracker{}, nil, nil, nil).ServeMux()
	for _, path := range []string{"/api/test/start", "/api/test/end", "/api/test/results", "/api/test/ping"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
	}
}

func TestPing(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(http.MethodPost, "/api/test/ping", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"pong":true`)

	env.ctrl.pingErr = errors.New("no PONG within 2s")
	rec = env.do(http.MethodPost, "/api/test/ping", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusGatewayTimeout)
}

func storeResult(t *testing.T, store *db.DB, pattern string, clicks int) *db.TestResult {
	t.Helper()
	res, err := store.InsertTestResult("", actuator.Report{
		TestStatus:        actuator.StatusFinished,
		PointsShown:       len(pattern),
		TotalPoints:       len(pattern),
		Clicks:            clicks,
		ClickPattern:      pattern,
		OutOfThresCounter: 1,
		Received:          time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return res
}

func TestResults_ListAndShow(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(http.MethodGet, "/api/results", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.JSONEq(t, `[]`, rec.Body.String())

	res := storeResult(t, env.db, "1101", 4)

	rec = env.do(http.MethodGet, "/api/results?limit=10", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	list := decode[[]ResultResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, res.ID, list[0].ID)
	assert.Equal(t, 3, list[0].Summary.Detected)
	assert.Equal(t, 1, list[0].Summary.Missed)
	assert.Equal(t, 1, list[0].Summary.FalsePresses)
	assert.InDelta(t, 75.0, list[0].Summary.Accuracy, 1e-9)

	rec = env.do(http.MethodGet, "/api/results/"+itoa(res.ID), "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	one := decode[ResultResponse](t, rec)
	assert.Equal(t, "1101", one.Report.ClickPattern)

	testutil.AssertStatusCode(t, env.do(http.MethodGet, "/api/results?limit=0", "").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, env.do(http.MethodGet, "/api/results/abc", "").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, env.do(http.MethodGet, "/api/results/999", "").Code, http.StatusNotFound)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestResults_ExportCSV(t *testing.T) {
	env := setupTestServer(t)
	res := storeResult(t, env.db, "1101", 4)

	rec := env.do(http.MethodGet, "/api/results/"+itoa(res.ID)+"/export.csv", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "test-results-"+itoa(res.ID)+"-20260202-100000.csv")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, []string{"Metric", "Value"}, rows[0])
	assert.Equal(t, []string{"Detection accuracy", "75.0%"}, rows[6])
}

func TestResults_Chart(t *testing.T) {
	env := setupTestServer(t)
	res := storeResult(t, env.db, "110101", 4)

	rec := env.do(http.MethodGet, "/api/results/"+itoa(res.ID)+"/chart.png", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)

	empty := storeResult(t, env.db, "", 0)
	rec = env.do(http.MethodGet, "/api/results/"+itoa(empty.ID)+"/chart.png", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusUnprocessableEntity)
}

func TestResults_NoStore(t *testing.T) {
	mux := NewServer(&fakeTracker{}, nil, nil, nil).ServeMux()
	for _, path := range []string{"/api/results", "/api/results/1", "/api/results/1/export.csv", "/api/sessions"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
	}
}

func TestSessions(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.JSONEq(t, `[]`, rec.Body.String())

	s := &db.Session{Source: "synthetic", Locator: "batched", ThresholdOffsets: []int{5, 15, 25}}
	require.NoError(t, env.db.InsertSession(s))
	rec = env.do(http.MethodGet, "/api/sessions", "")
	list := decode[[]db.Session](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)
}

func TestConfig(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(http.MethodGet, "/api/config", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body struct {
		File      *config.Config  `json:"file"`
		Effective EffectiveConfig `json:"effective"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, config.Empty(), body.File)
	eff := body.Effective
	assert.Equal(t, "synthetic", eff.InputMethod)
	assert.Equal(t, 48.0, eff.LockposThreshold)
	assert.Equal(t, 0.25, eff.SwitchMargin)
	assert.Equal(t, [3]int{5, 15, 25}, eff.ThresholdOffsets)
	assert.Equal(t, "batched", eff.Locator)
	assert.Equal(t, "per_point", eff.Denoiser)
	assert.Equal(t, 115200, eff.BaudRate)
	assert.Equal(t, "transition", eff.DriftMode)
	assert.Equal(t, 640, eff.FrameWidth)
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	orig := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(orig)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x?y=1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, lines, 1)
}
