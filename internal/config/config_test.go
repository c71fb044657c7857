package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/fixation.watch/internal/actuator"
	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/pupil/contour"
	"github.com/banshee-data/fixation.watch/internal/pupil/locate"
	"github.com/banshee-data/fixation.watch/internal/pupil/pipeline"
	"github.com/banshee-data/fixation.watch/internal/pupil/selector"
	"github.com/banshee-data/fixation.watch/internal/serialmux"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultsFileMatchesBuiltInDefaults(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	// The shipped file and an empty config must configure the same
	// pipeline.
	opts := cmp.Options{
		cmpopts.EquateApprox(0, 1e-12),
		cmpopts.IgnoreFields(pipeline.Config{}, "Fit"),
	}
	if diff := cmp.Diff(Empty().TrackerConfig(), cfg.TrackerConfig(), opts); diff != "" {
		t.Errorf("TrackerConfig mismatch (-empty +defaults):\n%s", diff)
	}
	if diff := cmp.Diff(Empty().SimulatorConfig(), cfg.SimulatorConfig()); diff != "" {
		t.Errorf("SimulatorConfig mismatch (-empty +defaults):\n%s", diff)
	}
	if got := cfg.PortOptions().BaudRate; got != 115200 {
		t.Errorf("BaudRate = %d, want 115200", got)
	}
	if got := cfg.GetPortIdentifiers(); !cmp.Equal(got, serialmux.DefaultIdentifiers) {
		t.Errorf("GetPortIdentifiers() = %v", got)
	}
	if cfg.GetArduinoEnabled() {
		t.Error("Expected arduino disabled by default")
	}
}

func TestEmptyConfigGetters(t *testing.T) {
	cfg := Empty()

	if got := cfg.GetInputMethod(); got != capture.KindSynthetic {
		t.Errorf("GetInputMethod() = %q", got)
	}
	if got := cfg.GetLockposThreshold(); got != 48 {
		t.Errorf("GetLockposThreshold() = %g, want 48", got)
	}
	if got := cfg.GetSelector(); got != selector.DefaultConfig() {
		t.Errorf("GetSelector() = %+v", got)
	}
	if got := cfg.GetLocator(); got != locate.Batched {
		t.Errorf("GetLocator() = %q", got)
	}
	if got := cfg.GetDenoiser(); got != contour.PerPoint {
		t.Errorf("GetDenoiser() = %q", got)
	}
	if w, h := cfg.GetFrameSize(); w != 640 || h != 480 {
		t.Errorf("GetFrameSize() = %d, %d", w, h)
	}
	if cfg.GetZoomCenter() != nil {
		t.Error("Expected nil zoom centre")
	}
	if got := cfg.BridgeConfig().DriftMode; got != actuator.DriftTransition {
		t.Errorf("DriftMode = %q", got)
	}
	if got := cfg.GetArduinoPort(); got != "" {
		t.Errorf("GetArduinoPort() = %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "fixation.json", `{
  "video": {"input_method": "dir", "video_path": "/data/eye", "zoom_factor": 2, "zoom_center": [0.25, 0.75], "width": 320, "height": 240, "fps": 60},
  "eye_tracking": {"lockpos_threshold": 20, "threshold_switch_confidence_margin": 2, "margin_mode": "absolute",
    "threshold_offsets": [30, 10, 20], "locator": "exact", "denoiser": "batch", "denoise_tolerance_deg": 45, "search_window": 200},
  "arduino": {"enabled": true, "port": "/dev/ttyACM0", "baud_rate": 9600, "port_identifiers": ["uno"], "drift_mode": "every_frame"},
  "test": {"num_points": 10, "point_duration": 0.25, "min_interval": 0.5, "max_interval": 0.75}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	src := cfg.SourceConfig()
	if src.Kind != capture.KindDir || src.Path != "/data/eye" {
		t.Errorf("SourceConfig = %+v", src)
	}
	if src.Preprocess.Width != 320 || src.Preprocess.ZoomFactor != 2 || src.Preprocess.ZoomCenter.Y != 0.75 {
		t.Errorf("Preprocess = %+v", src.Preprocess)
	}
	if src.Camera.FPS != 60 {
		t.Errorf("Camera FPS = %g", src.Camera.FPS)
	}

	tc := cfg.TrackerConfig()
	if tc.LockThreshold != 20 || tc.Locator != locate.Exact || tc.Denoiser != contour.Batch || tc.SearchWindow != 200 {
		t.Errorf("TrackerConfig = %+v", tc)
	}
	if tc.Selector != (selector.Config{Margin: 2, Mode: selector.Absolute}) {
		t.Errorf("Selector = %+v", tc.Selector)
	}
	if tc.Cascade.Offsets != [3]int{30, 10, 20} {
		t.Errorf("Offsets = %v", tc.Cascade.Offsets)
	}
	if math.Abs(tc.Denoise.Tolerance-math.Pi/4) > 1e-12 {
		t.Errorf("Tolerance = %g", tc.Denoise.Tolerance)
	}

	if !cfg.GetArduinoEnabled() || cfg.GetArduinoPort() != "/dev/ttyACM0" || cfg.PortOptions().BaudRate != 9600 {
		t.Errorf("Arduino = %+v", cfg.Arduino)
	}
	if cfg.BridgeConfig().DriftMode != actuator.DriftEveryFrame {
		t.Errorf("DriftMode = %q", cfg.BridgeConfig().DriftMode)
	}

	sim := cfg.SimulatorConfig()
	if sim.NumPoints != 10 || sim.PointDuration != 250*time.Millisecond || sim.MinInterval != 500*time.Millisecond || sim.MaxInterval != 750*time.Millisecond {
		t.Errorf("SimulatorConfig = %+v", sim)
	}
}

func TestLoad_PartialConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "partial.json", `{"eye_tracking": {"lockpos_threshold": 12}}`))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got := cfg.GetLockposThreshold(); got != 12 {
		t.Errorf("GetLockposThreshold() = %g", got)
	}
	if got := cfg.TrackerConfig().Cascade.Window; got != 250 {
		t.Errorf("mask window = %d, want default 250", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "cfg.yaml", `{}`, ".json extension"},
		{"bad json", "bad.json", `{"video":`, "parse config JSON"},
		{"unknown input", "in.json", `{"video": {"input_method": "webcam"}}`, "input_method"},
		{"zoom below one", "zoom.json", `{"video": {"zoom_factor": 0.5}}`, "zoom_factor"},
		{"zoom centre outside", "zc.json", `{"video": {"zoom_center": [1.5, 0]}}`, "zoom_center"},
		{"negative lock", "lock.json", `{"eye_tracking": {"lockpos_threshold": -1}}`, "lockpos_threshold"},
		{"bad locator", "loc.json", `{"eye_tracking": {"locator": "fastest"}}`, "locator strategy"},
		{"bad margin mode", "mm.json", `{"eye_tracking": {"margin_mode": "percent"}}`, "margin mode"},
		{"bad tolerance", "tol.json", `{"eye_tracking": {"denoise_tolerance_deg": 0}}`, "denoise_tolerance_deg"},
		{"bad drift mode", "dm.json", `{"arduino": {"drift_mode": "sometimes"}}`, "drift mode"},
		{"bad points", "np.json", `{"test": {"num_points": 0}}`, "num_points"},
		{"intervals swapped", "iv.json", `{"test": {"min_interval": 2, "max_interval": 1}}`, "max_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoad_TooLarge(t *testing.T) {
	body := `{"video": {"video_path": "` + strings.Repeat("x", 1024*1024) + `"}}`
	_, err := Load(writeConfig(t, "big.json", body))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestPointerHelpers(t *testing.T) {
	cfg := &Config{
		Video:       &VideoConfig{InputMethod: ptrString("video"), ZoomFactor: ptrFloat64(3)},
		EyeTracking: &EyeTrackingConfig{MinContourArea: ptrInt(500)},
		Arduino:     &ArduinoConfig{Enabled: ptrBool(true)},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.GetInputMethod() != capture.KindVideo || cfg.GetZoomFactor() != 3 {
		t.Errorf("Video getters wrong: %+v", cfg.Video)
	}
	if cfg.TrackerConfig().Extract.MinArea != 500 || !cfg.GetArduinoEnabled() {
		t.Errorf("getters ignored pointer values")
	}
}
