package contour

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// DenoiseStrategy names a Denoiser implementation.
type DenoiseStrategy string

const (
	PerPoint DenoiseStrategy = "per_point"
	Batch    DenoiseStrategy = "batch"
)

// Denoiser keeps the boundary points whose local normal points inwards,
// towards the region centroid. Eyelash intrusions, reflections and eyelid
// edges produce outward or flat normals and are dropped.
type Denoiser interface {
	Denoise(set pupil.ContourPointSet) (pupil.ContourPointSet, error)
	Strategy() DenoiseStrategy
}

// DenoiseParams controls the normal test.
type DenoiseParams struct {
	// Tolerance is the largest accepted angle between the local normal and
	// the direction to the centroid, in radians.
	Tolerance float64
	// SpacingDivisor sets the neighbour offset to len(boundary)/divisor.
	SpacingDivisor int
	// MinPoints is the smallest surviving set that can constrain an ellipse.
	MinPoints int
}

func DefaultDenoiseParams() DenoiseParams {
	return DenoiseParams{
		Tolerance:      60 * math.Pi / 180,
		SpacingDivisor: 25,
		MinPoints:      5,
	}
}

func (p DenoiseParams) normalize() DenoiseParams {
	d := DefaultDenoiseParams()
	if p.Tolerance <= 0 || p.Tolerance > math.Pi {
		p.Tolerance = d.Tolerance
	}
	if p.SpacingDivisor <= 0 {
		p.SpacingDivisor = d.SpacingDivisor
	}
	if p.MinPoints < 5 {
		p.MinPoints = d.MinPoints
	}
	return p
}

// spacing is the neighbour offset used for the local normal: n/divisor,
// at least 1 and at most n/3 so the two neighbours never coincide.
func (p DenoiseParams) spacing(n int) int {
	s := n / p.SpacingDivisor
	if lim := n / 3; s > lim {
		s = lim
	}
	return max(1, s)
}

// NewDenoiser returns the Denoiser for the named strategy.
func NewDenoiser(s DenoiseStrategy, p DenoiseParams) (Denoiser, error) {
	p = p.normalize()
	switch s {
	case PerPoint, "":
		return &PerPointDenoiser{params: p}, nil
	case Batch:
		return &BatchDenoiser{params: p}, nil
	default:
		return nil, fmt.Errorf("unknown denoiser strategy %q", s)
	}
}

func finish(set pupil.ContourPointSet, kept []pupil.Point2D, minPoints int) (pupil.ContourPointSet, error) {
	set.Points = kept
	if len(kept) < minPoints {
		return set, fmt.Errorf("%d of %d boundary points kept, need %d: %w",
			len(kept), len(set.Boundary), minPoints, pupil.ErrNoValidContour)
	}
	return set, nil
}

// PerPointDenoiser measures each point's angle individually.
type PerPointDenoiser struct {
	params DenoiseParams
}

func (d *PerPointDenoiser) Strategy() DenoiseStrategy { return PerPoint }

func (d *PerPointDenoiser) Denoise(set pupil.ContourPointSet) (pupil.ContourPointSet, error) {
	b := set.Boundary
	n := len(b)
	if n < d.params.MinPoints {
		return finish(set, nil, d.params.MinPoints)
	}
	s := d.params.spacing(n)
	kept := make([]pupil.Point2D, 0, n)
	for i, p := range b {
		prev := b[(i-s+n)%n]
		next := b[(i+s)%n]
		normal := prev.Sub(p).Add(next.Sub(p)).Scale(0.5)
		inward := set.Centroid.Sub(p)
		nn, ni := normal.Norm(), inward.Norm()
		if nn == 0 || ni == 0 {
			continue
		}
		cos := math.Max(-1, math.Min(1, normal.Dot(inward)/(nn*ni)))
		if math.Acos(cos) <= d.params.Tolerance {
			kept = append(kept, p)
		}
	}
	return finish(set, kept, d.params.MinPoints)
}

// BatchDenoiser evaluates every point with whole-slice vector operations and
// compares cosines rather than angles. Rounding differences can flip points
// that sit exactly on the tolerance relative to PerPointDenoiser.
type BatchDenoiser struct {
	params DenoiseParams
}

func (d *BatchDenoiser) Strategy() DenoiseStrategy { return Batch }

func (d *BatchDenoiser) Denoise(set pupil.ContourPointSet) (pupil.ContourPointSet, error) {
	b := set.Boundary
	n := len(b)
	if n < d.params.MinPoints {
		return finish(set, nil, d.params.MinPoints)
	}
	s := d.params.spacing(n)

	xs, ys := make([]float64, n), make([]float64, n)
	for i, p := range b {
		xs[i], ys[i] = p.X, p.Y
	}
	prevX, prevY := rotate(xs, -s), rotate(ys, -s)
	nextX, nextY := rotate(xs, s), rotate(ys, s)

	// normal = (prev + next)/2 - p
	nx := floats.AddTo(make([]float64, n), prevX, nextX)
	floats.Scale(0.5, nx)
	floats.Sub(nx, xs)
	ny := floats.AddTo(make([]float64, n), prevY, nextY)
	floats.Scale(0.5, ny)
	floats.Sub(ny, ys)

	// inward = centroid - p
	ix := floats.ScaleTo(make([]float64, n), -1, xs)
	floats.AddConst(set.Centroid.X, ix)
	iy := floats.ScaleTo(make([]float64, n), -1, ys)
	floats.AddConst(set.Centroid.Y, iy)

	dot := floats.MulTo(make([]float64, n), nx, ix)
	floats.Add(dot, floats.MulTo(make([]float64, n), ny, iy))
	nn := floats.AddTo(make([]float64, n), floats.MulTo(make([]float64, n), nx, nx), floats.MulTo(make([]float64, n), ny, ny))
	ni := floats.AddTo(make([]float64, n), floats.MulTo(make([]float64, n), ix, ix), floats.MulTo(make([]float64, n), iy, iy))

	cosTol := math.Cos(d.params.Tolerance)
	kept := make([]pupil.Point2D, 0, n)
	for i := range b {
		if nn[i] == 0 || ni[i] == 0 {
			continue
		}
		if dot[i] >= cosTol*math.Sqrt(nn[i]*ni[i]) {
			kept = append(kept, b[i])
		}
	}
	return finish(set, kept, d.params.MinPoints)
}

// rotate returns v shifted so out[i] = v[(i+k) mod n].
func rotate(v []float64, k int) []float64 {
	n := len(v)
	out := make([]float64, n)
	k = ((k % n) + n) % n
	copy(out, v[k:])
	copy(out[n-k:], v[:k])
	return out
}
