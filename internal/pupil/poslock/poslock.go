// Package poslock compares the tracked pupil position against a locked
// reference and reports whether gaze stayed within tolerance.
package poslock

import (
	"fmt"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// DefaultThreshold is the drift tolerance in pixels.
const DefaultThreshold = 48.0

// PositionLock holds the tolerance only; the reference lives in the
// TrackerState it is given.
type PositionLock struct {
	Threshold float64
}

func New(threshold float64) (*PositionLock, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("lock threshold must be non-negative, got %g", threshold)
	}
	return &PositionLock{Threshold: threshold}, nil
}

// Lock stores p as the reference position.
func (l *PositionLock) Lock(st *pupil.TrackerState, p pupil.Point2D) {
	st.Reference = &p
}

// Unlock clears the reference.
func (l *PositionLock) Unlock(st *pupil.TrackerState) {
	st.Reference = nil
}

// Check measures current against the reference. It returns false when no
// reference is set. A distance equal to the threshold counts as within.
func (l *PositionLock) Check(st *pupil.TrackerState, current pupil.Point2D) (pupil.DriftEvent, bool) {
	if st == nil || st.Reference == nil {
		return pupil.DriftEvent{}, false
	}
	d := current.Dist(*st.Reference)
	return pupil.DriftEvent{
		Within:    d <= l.Threshold,
		Distance:  d,
		Threshold: l.Threshold,
		Reference: *st.Reference,
		Position:  current,
	}, true
}
