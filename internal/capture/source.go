// Package capture supplies frames to the tracker: image directories, a
// synthetic eye generator, and live grabbers handed off through a
// single-slot mailbox.
package capture

import (
	"context"
	"errors"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

var (
	// ErrStreamExhausted ends a session cleanly.
	ErrStreamExhausted = errors.New("frame stream exhausted")
	// ErrSourceClosed is returned by Next after Close.
	ErrSourceClosed = errors.New("frame source closed")
	// ErrCameraUnavailable is returned when the binary was built without
	// camera support or the device cannot be opened.
	ErrCameraUnavailable = errors.New("camera unavailable")
)

// Source is the pull-based frame boundary. Frames are returned in
// increasing Seq order and never modified afterwards.
type Source interface {
	// Next blocks until a frame is available. It returns
	// ErrStreamExhausted at the end of a finite stream.
	Next(ctx context.Context) (*pupil.Frame, error)
	// Close releases the underlying device or files.
	Close() error
}
