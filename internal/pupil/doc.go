// Package pupil owns the data model shared by the pupil tracking stages.
//
// Responsibilities: frames, points, fitted ellipses, the per-session
// TrackerState and the DriftEvent raised by the position lock.
// Key types: Frame, Point2D, Ellipse, TrackerState, DriftEvent.
//
// Stage packages live beneath this one, leaves first:
//
//	locate   -> darkest region candidate
//	cascade  -> three threshold masks around the candidate
//	contour  -> boundary tracing and normal-direction denoising
//	fit      -> direct least-squares ellipse and goodness score
//	selector -> threshold hysteresis
//	poslock  -> reference position and drift detection
//	pipeline -> per-frame composition and the session loop
//
// Dependency rule: stage packages may depend on pupil but never on each
// other, except pipeline which composes them all. No I/O happens below
// pipeline.
package pupil
