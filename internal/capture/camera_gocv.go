//go:build gocv

package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// videoGrabber reads from an OpenCV capture and converts each frame to
// grayscale before it leaves cgo memory.
type videoGrabber struct {
	mu   sync.Mutex
	cap  *gocv.VideoCapture
	mat  gocv.Mat
	gray gocv.Mat
}

// OpenCamera opens a capture device with cfg's resolution, frame rate and
// exposure.
func OpenCamera(cfg CameraConfig) (Grabber, error) {
	vc, err := gocv.VideoCaptureDevice(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %v: %w", cfg.Device, err, ErrCameraUnavailable)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %d not opened: %w", cfg.Device, ErrCameraUnavailable)
	}
	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}
	vc.Set(gocv.VideoCaptureExposure, cfg.Exposure)
	return newVideoGrabber(vc), nil
}

// OpenVideoFile opens a recorded video.
func OpenVideoFile(path string) (Grabber, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	return newVideoGrabber(vc), nil
}

func newVideoGrabber(vc *gocv.VideoCapture) *videoGrabber {
	return &videoGrabber{cap: vc, mat: gocv.NewMat(), gray: gocv.NewMat()}
}

func (g *videoGrabber) Grab(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok := g.cap.Read(&g.mat); !ok || g.mat.Empty() {
		return nil, ErrStreamExhausted
	}
	src := g.mat
	if g.mat.Channels() > 1 {
		gocv.CvtColor(g.mat, &g.gray, gocv.ColorBGRToGray)
		src = g.gray
	}
	return src.ToImage()
}

func (g *videoGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mat.Close()
	g.gray.Close()
	return g.cap.Close()
}
