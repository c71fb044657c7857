package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/fixation.watch/internal/actuator"
	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/contour"
	"github.com/banshee-data/fixation.watch/internal/pupil/locate"
	"github.com/banshee-data/fixation.watch/internal/pupil/pipeline"
	"github.com/banshee-data/fixation.watch/internal/pupil/selector"
	"github.com/banshee-data/fixation.watch/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/fixation.defaults.json"

// Config is the root of the JSON configuration file. Every field is
// optional: the Get* methods fall back to defaults, so partial files are
// safe.
type Config struct {
	Video       *VideoConfig       `json:"video,omitempty"`
	EyeTracking *EyeTrackingConfig `json:"eye_tracking,omitempty"`
	Arduino     *ArduinoConfig     `json:"arduino,omitempty"`
	Test        *TestConfig        `json:"test,omitempty"`
}

// VideoConfig selects and shapes the frame source.
type VideoConfig struct {
	InputMethod *string     `json:"input_method,omitempty"` // camera, video, dir or synthetic
	VideoPath   *string     `json:"video_path,omitempty"`
	ZoomFactor  *float64    `json:"zoom_factor,omitempty"`
	ZoomCenter  *[2]float64 `json:"zoom_center,omitempty"` // fraction of the frame, nil for the middle
	Width       *int        `json:"width,omitempty"`
	Height      *int        `json:"height,omitempty"`
	CameraIndex *int        `json:"camera_index,omitempty"`
	FPS         *float64    `json:"fps,omitempty"`
	Exposure    *float64    `json:"exposure,omitempty"`
}

// EyeTrackingConfig tunes the pupil pipeline.
type EyeTrackingConfig struct {
	LockposThreshold    *float64 `json:"lockpos_threshold,omitempty"`
	SwitchMargin        *float64 `json:"threshold_switch_confidence_margin,omitempty"`
	MarginMode          *string  `json:"margin_mode,omitempty"`
	ThresholdOffsets    *[3]int  `json:"threshold_offsets,omitempty"`
	MaskWindow          *int     `json:"mask_window,omitempty"`
	Locator             *string  `json:"locator,omitempty"`
	Denoiser            *string  `json:"denoiser,omitempty"`
	DenoiseToleranceDeg *float64 `json:"denoise_tolerance_deg,omitempty"`
	MinContourArea      *int     `json:"min_contour_area,omitempty"`
	MaxAspectRatio      *float64 `json:"max_aspect_ratio,omitempty"`
	SearchWindow        *int     `json:"search_window,omitempty"`
}

// ArduinoConfig describes the controller link.
type ArduinoConfig struct {
	Enabled         *bool     `json:"enabled,omitempty"`
	Port            *string   `json:"port,omitempty"` // empty to auto-detect
	BaudRate        *int      `json:"baud_rate,omitempty"`
	PortIdentifiers *[]string `json:"port_identifiers,omitempty"`
	DriftMode       *string   `json:"drift_mode,omitempty"`
}

// TestConfig holds the visual field test timing, in seconds. The real
// controller has these compiled in; the simulator reads them.
type TestConfig struct {
	NumPoints     *int     `json:"num_points,omitempty"`
	PointDuration *float64 `json:"point_duration,omitempty"`
	MinInterval   *float64 `json:"min_interval,omitempty"`
	MaxInterval   *float64 `json:"max_interval,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every section unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/pupil/pipeline/
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks set values and that the derived component configurations
// are accepted by their constructors.
func (c *Config) Validate() error {
	v := c.Video
	if v != nil {
		if v.InputMethod != nil {
			switch capture.Kind(*v.InputMethod) {
			case capture.KindCamera, capture.KindVideo, capture.KindDir, capture.KindSynthetic:
			default:
				return fmt.Errorf("video.input_method must be camera, video, dir or synthetic, got %q", *v.InputMethod)
			}
		}
		if v.ZoomFactor != nil && *v.ZoomFactor < 1 {
			return fmt.Errorf("video.zoom_factor must be at least 1, got %g", *v.ZoomFactor)
		}
		if v.ZoomCenter != nil {
			for _, f := range v.ZoomCenter {
				if f < 0 || f > 1 {
					return fmt.Errorf("video.zoom_center must be within [0,1], got %v", *v.ZoomCenter)
				}
			}
		}
		if (v.Width != nil && *v.Width <= 0) || (v.Height != nil && *v.Height <= 0) {
			return fmt.Errorf("video.width and video.height must be positive")
		}
	}

	e := c.EyeTracking
	if e != nil {
		if e.LockposThreshold != nil && *e.LockposThreshold < 0 {
			return fmt.Errorf("eye_tracking.lockpos_threshold must be non-negative, got %g", *e.LockposThreshold)
		}
		if e.DenoiseToleranceDeg != nil && (*e.DenoiseToleranceDeg <= 0 || *e.DenoiseToleranceDeg > 180) {
			return fmt.Errorf("eye_tracking.denoise_tolerance_deg must be in (0,180], got %g", *e.DenoiseToleranceDeg)
		}
		if e.MinContourArea != nil && *e.MinContourArea < 0 {
			return fmt.Errorf("eye_tracking.min_contour_area must be non-negative, got %d", *e.MinContourArea)
		}
		if e.MaxAspectRatio != nil && *e.MaxAspectRatio < 1 {
			return fmt.Errorf("eye_tracking.max_aspect_ratio must be at least 1, got %g", *e.MaxAspectRatio)
		}
	}
	if _, err := pipeline.NewTracker(c.TrackerConfig()); err != nil {
		return fmt.Errorf("eye_tracking: %w", err)
	}

	if a := c.Arduino; a != nil && a.BaudRate != nil && *a.BaudRate <= 0 {
		return fmt.Errorf("arduino.baud_rate must be positive, got %d", *a.BaudRate)
	}
	if _, err := c.PortOptions().Normalize(); err != nil {
		return fmt.Errorf("arduino: %w", err)
	}
	if err := c.BridgeConfig().Validate(); err != nil {
		return fmt.Errorf("arduino: %w", err)
	}

	if t := c.Test; t != nil {
		if t.NumPoints != nil && *t.NumPoints <= 0 {
			return fmt.Errorf("test.num_points must be positive, got %d", *t.NumPoints)
		}
		for name, s := range map[string]*float64{
			"point_duration": t.PointDuration,
			"min_interval":   t.MinInterval,
			"max_interval":   t.MaxInterval,
		} {
			if s != nil && *s < 0 {
				return fmt.Errorf("test.%s must be non-negative, got %g", name, *s)
			}
		}
		if c.GetMaxInterval() < c.GetMinInterval() {
			return fmt.Errorf("test.max_interval %v is below test.min_interval %v", c.GetMaxInterval(), c.GetMinInterval())
		}
	}
	return nil
}

// GetInputMethod returns the frame source kind or the default.
func (c *Config) GetInputMethod() capture.Kind {
	if c.Video == nil || c.Video.InputMethod == nil {
		return capture.KindSynthetic
	}
	return capture.Kind(*c.Video.InputMethod)
}

// GetVideoPath returns the video file or image directory path.
func (c *Config) GetVideoPath() string {
	if c.Video == nil || c.Video.VideoPath == nil {
		return ""
	}
	return *c.Video.VideoPath
}

// GetZoomFactor returns the digital zoom factor or the default.
func (c *Config) GetZoomFactor() float64 {
	if c.Video == nil || c.Video.ZoomFactor == nil {
		return 1
	}
	return *c.Video.ZoomFactor
}

// GetZoomCenter returns the zoom focus ratio, or nil for the frame middle.
func (c *Config) GetZoomCenter() *pupil.Point2D {
	if c.Video == nil || c.Video.ZoomCenter == nil {
		return nil
	}
	return &pupil.Point2D{X: c.Video.ZoomCenter[0], Y: c.Video.ZoomCenter[1]}
}

// GetFrameSize returns the processed frame width and height.
func (c *Config) GetFrameSize() (int, int) {
	w, h := 640, 480
	if c.Video != nil && c.Video.Width != nil {
		w = *c.Video.Width
	}
	if c.Video != nil && c.Video.Height != nil {
		h = *c.Video.Height
	}
	return w, h
}

// GetCamera returns the camera capture settings.
func (c *Config) GetCamera() capture.CameraConfig {
	cam := capture.DefaultCameraConfig()
	if c.Video == nil {
		return cam
	}
	if c.Video.CameraIndex != nil {
		cam.Device = *c.Video.CameraIndex
	}
	if c.Video.FPS != nil {
		cam.FPS = *c.Video.FPS
	}
	if c.Video.Exposure != nil {
		cam.Exposure = *c.Video.Exposure
	}
	return cam
}

// GetLockposThreshold returns the drift tolerance in pixels.
func (c *Config) GetLockposThreshold() float64 {
	if c.EyeTracking == nil || c.EyeTracking.LockposThreshold == nil {
		return 48
	}
	return *c.EyeTracking.LockposThreshold
}

// GetSelector returns the threshold hysteresis settings.
func (c *Config) GetSelector() selector.Config {
	s := selector.DefaultConfig()
	if c.EyeTracking == nil {
		return s
	}
	if c.EyeTracking.SwitchMargin != nil {
		s.Margin = *c.EyeTracking.SwitchMargin
	}
	if c.EyeTracking.MarginMode != nil {
		s.Mode = selector.Mode(*c.EyeTracking.MarginMode)
	}
	return s
}

// GetLocator returns the darkest-region strategy or the default.
func (c *Config) GetLocator() locate.Strategy {
	if c.EyeTracking == nil || c.EyeTracking.Locator == nil {
		return locate.Batched
	}
	return locate.Strategy(*c.EyeTracking.Locator)
}

// GetDenoiser returns the denoise strategy or the default.
func (c *Config) GetDenoiser() contour.DenoiseStrategy {
	if c.EyeTracking == nil || c.EyeTracking.Denoiser == nil {
		return contour.PerPoint
	}
	return contour.DenoiseStrategy(*c.EyeTracking.Denoiser)
}

// TrackerConfig assembles the pipeline configuration.
func (c *Config) TrackerConfig() pipeline.Config {
	tc := pipeline.DefaultConfig()
	tc.Locator = c.GetLocator()
	tc.Denoiser = c.GetDenoiser()
	tc.Selector = c.GetSelector()
	tc.LockThreshold = c.GetLockposThreshold()
	e := c.EyeTracking
	if e == nil {
		return tc
	}
	if e.ThresholdOffsets != nil {
		tc.Cascade.Offsets = *e.ThresholdOffsets
	}
	if e.MaskWindow != nil {
		tc.Cascade.Window = *e.MaskWindow
	}
	if e.DenoiseToleranceDeg != nil {
		tc.Denoise.Tolerance = *e.DenoiseToleranceDeg * math.Pi / 180
	}
	if e.MinContourArea != nil {
		tc.Extract.MinArea = *e.MinContourArea
	}
	if e.MaxAspectRatio != nil {
		tc.Extract.MaxAspect = *e.MaxAspectRatio
	}
	if e.SearchWindow != nil {
		tc.SearchWindow = *e.SearchWindow
	}
	return tc
}

// Preprocessor returns the crop, resize and zoom stage for the source.
func (c *Config) Preprocessor() *capture.Preprocessor {
	p := capture.DefaultPreprocessor()
	p.Width, p.Height = c.GetFrameSize()
	p.SetZoom(c.GetZoomFactor(), c.GetZoomCenter())
	return p
}

// SourceConfig assembles the frame source settings.
func (c *Config) SourceConfig() capture.OpenConfig {
	return capture.OpenConfig{
		Kind:       c.GetInputMethod(),
		Path:       c.GetVideoPath(),
		Camera:     c.GetCamera(),
		Preprocess: c.Preprocessor(),
	}
}

// GetArduinoEnabled reports whether the controller link is used.
func (c *Config) GetArduinoEnabled() bool {
	if c.Arduino == nil || c.Arduino.Enabled == nil {
		return false
	}
	return *c.Arduino.Enabled
}

// GetArduinoPort returns the configured port path, empty to auto-detect.
func (c *Config) GetArduinoPort() string {
	if c.Arduino == nil || c.Arduino.Port == nil {
		return ""
	}
	return *c.Arduino.Port
}

// GetPortIdentifiers returns the substrings matched during port detection.
func (c *Config) GetPortIdentifiers() []string {
	if c.Arduino == nil || c.Arduino.PortIdentifiers == nil {
		return serialmux.DefaultIdentifiers
	}
	return *c.Arduino.PortIdentifiers
}

// PortOptions returns the serial line settings.
func (c *Config) PortOptions() serialmux.PortOptions {
	opts := serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate}
	if c.Arduino != nil && c.Arduino.BaudRate != nil {
		opts.BaudRate = *c.Arduino.BaudRate
	}
	return opts
}

// BridgeConfig returns the actuator bridge settings.
func (c *Config) BridgeConfig() actuator.Config {
	b := actuator.DefaultConfig()
	if c.Arduino != nil && c.Arduino.DriftMode != nil {
		b.DriftMode = actuator.DriftMode(*c.Arduino.DriftMode)
	}
	return b
}

func seconds(v *float64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v * float64(time.Second))
}

// GetMinInterval returns the shortest pause between test points.
func (c *Config) GetMinInterval() time.Duration {
	if c.Test == nil {
		return 200 * time.Millisecond
	}
	return seconds(c.Test.MinInterval, 200*time.Millisecond)
}

// GetMaxInterval returns the longest pause between test points.
func (c *Config) GetMaxInterval() time.Duration {
	if c.Test == nil {
		return time.Second
	}
	return seconds(c.Test.MaxInterval, time.Second)
}

// SimulatorConfig returns the controller simulator settings.
func (c *Config) SimulatorConfig() actuator.SimulatorConfig {
	s := actuator.DefaultSimulatorConfig()
	s.MinInterval = c.GetMinInterval()
	s.MaxInterval = c.GetMaxInterval()
	if c.Test == nil {
		return s
	}
	if c.Test.NumPoints != nil {
		s.NumPoints = *c.Test.NumPoints
	}
	s.PointDuration = seconds(c.Test.PointDuration, s.PointDuration)
	return s
}
