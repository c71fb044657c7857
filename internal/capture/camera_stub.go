//go:build !gocv

package capture

import "fmt"

// OpenCamera needs OpenCV; build with -tags gocv.
func OpenCamera(cfg CameraConfig) (Grabber, error) {
	return nil, fmt.Errorf("camera %d: built without gocv: %w", cfg.Device, ErrCameraUnavailable)
}

// OpenVideoFile needs OpenCV; build with -tags gocv. Use a frame directory
// instead.
func OpenVideoFile(path string) (Grabber, error) {
	return nil, fmt.Errorf("video %s: built without gocv: %w", path, ErrCameraUnavailable)
}
