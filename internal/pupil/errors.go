package pupil

import "errors"

var (
	// ErrNoCandidate means the locator found no darkest region, or the
	// cascade window around it was empty. The frame is skipped.
	ErrNoCandidate = errors.New("no pupil candidate")

	// ErrEmptyWindow is returned by the cascade when the mask window does
	// not overlap the frame.
	ErrEmptyWindow = errors.New("threshold window is empty")

	// ErrNoValidContour removes one threshold slot from selection.
	ErrNoValidContour = errors.New("no valid contour")

	// ErrAllThresholdsFailed means no slot produced an ellipse; the previous
	// ellipse is reused.
	ErrAllThresholdsFailed = errors.New("all thresholds failed")
)
