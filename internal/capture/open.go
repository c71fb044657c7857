package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// Kind selects a frame source implementation.
type Kind string

const (
	KindCamera    Kind = "camera"
	KindVideo     Kind = "video"
	KindDir       Kind = "dir"
	KindSynthetic Kind = "synthetic"
)

// OpenConfig describes the source to open.
type OpenConfig struct {
	Kind       Kind
	Path       string
	Camera     CameraConfig
	Preprocess *Preprocessor
	// Loop replays finite sources forever.
	Loop bool
	// Interval paces synthetic frames.
	Interval time.Duration
}

// Open returns the configured Source. Failure here is fatal for a session.
func Open(ctx context.Context, cfg OpenConfig) (Source, error) {
	switch cfg.Kind {
	case KindCamera:
		g, err := OpenCamera(cfg.Camera)
		if err != nil {
			return nil, err
		}
		return NewLiveSource(ctx, g, cfg.Preprocess), nil
	case KindVideo:
		g, err := OpenVideoFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewLiveSource(ctx, g, cfg.Preprocess), nil
	case KindDir:
		d, err := OpenDir(cfg.Path, cfg.Preprocess)
		if err != nil {
			return nil, err
		}
		d.Loop = cfg.Loop
		return d, nil
	case KindSynthetic, "":
		spec := DefaultEyeSpec()
		spec.Noise = 4
		centre := pupil.Point2D{X: float64(spec.Width) / 2, Y: float64(spec.Height) / 2}
		s := NewSyntheticSource(spec, CirclePath(centre, 60, 240))
		s.Loop = cfg.Loop
		s.Interval = cfg.Interval
		return s, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
