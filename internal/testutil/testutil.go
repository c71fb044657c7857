// Package testutil provides shared test fixtures: rendered eye frames and a
// few assertion helpers used across the tracker and API tests.
package testutil

import (
	"image"
	"testing"

	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// EyeFrame renders a noise-free eye with a circular pupil of radius r at c.
func EyeFrame(seq uint64, c pupil.Point2D, r float64) *pupil.Frame {
	spec := capture.DefaultEyeSpec()
	spec.Center = c
	spec.RadiusX, spec.RadiusY = r, r
	return &pupil.Frame{Seq: seq, Gray: capture.RenderEye(spec)}
}

// SpecFrame renders an arbitrary EyeSpec.
func SpecFrame(seq uint64, spec capture.EyeSpec) *pupil.Frame {
	return &pupil.Frame{Seq: seq, Gray: capture.RenderEye(spec)}
}

// BlankFrame returns a uniformly saturated frame.
func BlankFrame(seq uint64, w, h int, level uint8) *pupil.Frame {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = level
	}
	return &pupil.Frame{Seq: seq, Gray: g}
}

// CirclePoints returns n points on a circle, in order.
func CirclePoints(c pupil.Point2D, r float64, n int) []pupil.Point2D {
	return capture.CirclePath(c, r, n)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
