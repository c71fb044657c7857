package capture

import (
	"context"
	"image"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// EyeSpec describes a rendered test eye: a dark elliptical pupil, an
// optional mid-grey iris disc and a bright background.
type EyeSpec struct {
	Width, Height    int
	Center           pupil.Point2D
	RadiusX, RadiusY float64
	Angle            float64 // radians
	IrisRadius       float64 // 0 disables the iris
	PupilLevel       uint8
	IrisLevel        uint8
	BackgroundLevel  uint8
	Noise            int // uniform noise amplitude, 0 for none
	Seed             uint64
}

// DefaultEyeSpec is a 640x480 frame with a 30px pupil in the middle.
func DefaultEyeSpec() EyeSpec {
	return EyeSpec{
		Width:           640,
		Height:          480,
		Center:          pupil.Point2D{X: 320, Y: 240},
		RadiusX:         30,
		RadiusY:         30,
		PupilLevel:      20,
		IrisLevel:       110,
		BackgroundLevel: 200,
	}
}

// RenderEye draws spec into a new grayscale image.
func RenderEye(spec EyeSpec) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, spec.Width, spec.Height))
	var rng *rand.Rand
	if spec.Noise > 0 {
		rng = rand.New(rand.NewPCG(spec.Seed, spec.Seed^0x9e3779b97f4a7c15))
	}
	pupilShape := pupil.Ellipse{
		Center:    spec.Center,
		SemiMajor: spec.RadiusX,
		SemiMinor: spec.RadiusY,
		Angle:     spec.Angle,
	}
	for y := 0; y < spec.Height; y++ {
		for x := 0; x < spec.Width; x++ {
			p := pupil.Point2D{X: float64(x), Y: float64(y)}
			level := int(spec.BackgroundLevel)
			switch {
			case spec.RadiusX > 0 && spec.RadiusY > 0 && pupilShape.Contains(p):
				level = int(spec.PupilLevel)
			case spec.IrisRadius > 0 && p.Dist(spec.Center) <= spec.IrisRadius:
				level = int(spec.IrisLevel)
			}
			if rng != nil {
				level += rng.IntN(2*spec.Noise+1) - spec.Noise
			}
			img.Pix[y*img.Stride+x] = uint8(max(0, min(255, level)))
		}
	}
	return img
}

// SyntheticSource renders one eye per scripted pupil position. It is used
// by the development mode and by tests that need a FrameSource without a
// camera.
type SyntheticSource struct {
	Spec      EyeSpec
	Positions []pupil.Point2D
	// Loop restarts the script instead of ending the stream.
	Loop bool
	// Interval paces Next; zero returns frames as fast as they are pulled.
	Interval time.Duration

	mu     sync.Mutex
	seq    uint64
	last   time.Time
	closed bool
}

// NewSyntheticSource returns a source following positions with spec's
// geometry.
func NewSyntheticSource(spec EyeSpec, positions []pupil.Point2D) *SyntheticSource {
	return &SyntheticSource{Spec: spec, Positions: positions}
}

// LinearPath returns n points from a to b inclusive.
func LinearPath(a, b pupil.Point2D, n int) []pupil.Point2D {
	if n <= 1 {
		return []pupil.Point2D{a}
	}
	out := make([]pupil.Point2D, n)
	for i := range out {
		t := float64(i) / float64(n-1)
		out[i] = a.Add(b.Sub(a).Scale(t))
	}
	return out
}

// CirclePath returns n points on a circle, for the dev mode wander.
func CirclePath(c pupil.Point2D, r float64, n int) []pupil.Point2D {
	out := make([]pupil.Point2D, n)
	for i := range out {
		s, co := math.Sincos(2 * math.Pi * float64(i) / float64(n))
		out[i] = pupil.Point2D{X: c.X + r*co, Y: c.Y + r*s}
	}
	return out
}

func (s *SyntheticSource) Next(ctx context.Context) (*pupil.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	if len(s.Positions) == 0 {
		return nil, ErrStreamExhausted
	}
	idx := int(s.seq)
	if idx >= len(s.Positions) {
		if !s.Loop {
			return nil, ErrStreamExhausted
		}
		idx %= len(s.Positions)
	}
	if s.Interval > 0 && !s.last.IsZero() {
		wait := s.Interval - time.Since(s.last)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	spec := s.Spec
	spec.Center = s.Positions[idx]
	spec.Seed = s.Spec.Seed + s.seq
	s.seq++
	s.last = time.Now()
	return &pupil.Frame{Seq: s.seq, Captured: s.last, Gray: RenderEye(spec)}, nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
