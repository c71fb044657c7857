package capture

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/fixation.watch/internal/monitoring"
	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// Grabber reads raw images from a device or video file. Grab returns
// ErrStreamExhausted or io.EOF at the end of a finite stream.
type Grabber interface {
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// CameraConfig holds the device capture settings.
type CameraConfig struct {
	Device   int
	Width    int
	Height   int
	FPS      float64
	Exposure float64
}

// DefaultCameraConfig requests the full sensor and lets the preprocessor
// crop it down.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{Width: 2048, Height: 1080, FPS: 30}
}

// LiveSource runs a Grabber on its own goroutine and hands the newest frame
// to the tracker through a Mailbox. Frames arriving while the tracker is
// busy replace each other.
type LiveSource struct {
	grabber Grabber
	pre     *Preprocessor
	box     *Mailbox

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewLiveSource starts grabbing immediately. The grabber is closed by
// Close.
func NewLiveSource(ctx context.Context, g Grabber, pre *Preprocessor) *LiveSource {
	ctx, cancel := context.WithCancel(ctx)
	s := &LiveSource{grabber: g, pre: pre, box: NewMailbox(), cancel: cancel}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

func (s *LiveSource) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		img, err := s.grabber.Grab(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.box.Shutdown(ErrSourceClosed)
			case errors.Is(err, io.EOF) || errors.Is(err, ErrStreamExhausted):
				s.box.Shutdown(ErrStreamExhausted)
			default:
				monitoring.Logf("[capture] grab failed: %v", err)
				s.box.Shutdown(err)
			}
			return
		}
		s.box.Publish(&pupil.Frame{Captured: time.Now(), Gray: toGray(img, s.pre)})
	}
}

func (s *LiveSource) Next(ctx context.Context) (*pupil.Frame, error) {
	return s.box.Next(ctx)
}

// Drops returns how many frames were replaced before the tracker took them.
func (s *LiveSource) Drops() uint64 { return s.box.Drops() }

// Close stops the grabber goroutine and releases the device.
func (s *LiveSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.box.Shutdown(ErrSourceClosed)
		s.wg.Wait()
		s.closeErr = s.grabber.Close()
	})
	return s.closeErr
}
