// Package fit fits ellipses to pupil contours and scores how well each fit
// explains its boundary.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

var (
	ErrTooFewPoints      = fmt.Errorf("fewer than 5 points: %w", pupil.ErrNoValidContour)
	ErrNotEllipse        = fmt.Errorf("conic is not an ellipse: %w", pupil.ErrNoValidContour)
	ErrDegenerateEllipse = fmt.Errorf("needle-like ellipse: %w", pupil.ErrNoValidContour)
)

// Metrics are the raw quality measures of one fit.
type Metrics struct {
	// Residual is the RMS radial distance of the fitted points, in pixels.
	Residual float64 `json:"residual"`
	// InlierRatio is the fraction of the full traced boundary within the
	// inlier band of the ellipse.
	InlierRatio float64 `json:"inlier_ratio"`
	// AxisRatio is minor over major.
	AxisRatio float64 `json:"axis_ratio"`
	// Support is the number of points the ellipse was fitted to.
	Support int `json:"support"`
}

// ScoreFunc turns metrics into the goodness score compared by the
// threshold selector. Higher is better.
type ScoreFunc func(Metrics) float64

// Params configures fitting and scoring.
type Params struct {
	InlierBand   float64
	FullSupport  int
	MinAxisRatio float64
	Score        ScoreFunc
	// RefitBelow is the inlier fraction of the fitted points under which
	// the fit is repeated with each of RefitArcs contiguous quarters of the
	// points left out. Zero uses the default; negative disables the refit.
	RefitBelow float64
	RefitArcs  int
}

func DefaultParams() Params {
	return Params{
		InlierBand:   2,
		FullSupport:  24,
		MinAxisRatio: 0.2,
		RefitBelow:   0.8,
		RefitArcs:    8,
	}
}

// DefaultScore favours fits that explain the whole boundary with a round,
// tight outline. Support only counts up to FullSupport points so that extra
// noise points can never raise the score.
func DefaultScore(fullSupport int) ScoreFunc {
	return func(m Metrics) float64 {
		support := 1.0
		if fullSupport > 0 {
			support = math.Min(1, float64(m.Support)/float64(fullSupport))
		}
		return m.InlierRatio * m.AxisRatio * support / (1 + m.Residual)
	}
}

// Result is a scored ellipse.
type Result struct {
	Ellipse pupil.Ellipse `json:"ellipse"`
	Metrics Metrics       `json:"metrics"`
	Score   float64       `json:"score"`
}

// Fitter is stateless and deterministic.
type Fitter struct {
	params Params
}

func New(p Params) *Fitter {
	d := DefaultParams()
	if p.InlierBand <= 0 {
		p.InlierBand = d.InlierBand
	}
	if p.MinAxisRatio < 0 {
		p.MinAxisRatio = 0
	}
	if p.Score == nil {
		p.Score = DefaultScore(p.FullSupport)
	}
	if p.RefitBelow == 0 {
		p.RefitBelow = d.RefitBelow
	}
	if p.RefitArcs <= 0 {
		p.RefitArcs = d.RefitArcs
	}
	return &Fitter{params: p}
}

// Fit fits set.Points and scores the result against set.Boundary.
func (f *Fitter) Fit(set pupil.ContourPointSet) (*Result, error) {
	e, err := Ellipse(set.Points)
	if err != nil {
		return nil, err
	}
	e, set.Points = f.refit(e, set.Points)
	m := f.measure(e, set)
	if m.AxisRatio < f.params.MinAxisRatio {
		return nil, fmt.Errorf("axis ratio %.3f below %.3f: %w", m.AxisRatio, f.params.MinAxisRatio, ErrDegenerateEllipse)
	}
	return &Result{Ellipse: e, Metrics: m, Score: f.params.Score(m)}, nil
}

// refit handles a short run of outliers that survived denoising, such as
// the tip of an eyelash. Such a run drags the least-squares fit off the
// pupil, so residual trimming removes the wrong points. Instead each
// contiguous quarter of pts is left out in turn and the fit explaining the
// most of pts wins. The result is refitted to that fit's inliers.
func (f *Fitter) refit(e pupil.Ellipse, pts []pupil.Point2D) (pupil.Ellipse, []pupil.Point2D) {
	n := len(pts)
	gap := n / 4
	best := f.countInliers(e, pts)
	if f.params.RefitBelow < 0 || float64(best) >= f.params.RefitBelow*float64(n) || n-gap < 5 || gap == 0 {
		return e, pts
	}
	var bestFit *pupil.Ellipse
	sub := make([]pupil.Point2D, 0, n-gap)
	for k := 0; k < f.params.RefitArcs; k++ {
		start := k * n / f.params.RefitArcs
		sub = sub[:0]
		for i := 0; i < n-gap; i++ {
			sub = append(sub, pts[(start+gap+i)%n])
		}
		cand, err := Ellipse(sub)
		if err != nil {
			continue
		}
		if c := f.countInliers(cand, pts); c > best {
			best, bestFit = c, &cand
		}
	}
	if bestFit == nil {
		return e, pts
	}
	inliers := make([]pupil.Point2D, 0, best)
	for _, p := range pts {
		if bestFit.RadialDistance(p) <= f.params.InlierBand {
			inliers = append(inliers, p)
		}
	}
	final, err := Ellipse(inliers)
	if err != nil {
		return e, pts
	}
	return final, inliers
}

func (f *Fitter) countInliers(e pupil.Ellipse, pts []pupil.Point2D) int {
	n := 0
	for _, p := range pts {
		if e.RadialDistance(p) <= f.params.InlierBand {
			n++
		}
	}
	return n
}

func (f *Fitter) measure(e pupil.Ellipse, set pupil.ContourPointSet) Metrics {
	var sq float64
	for _, p := range set.Points {
		d := e.RadialDistance(p)
		sq += d * d
	}
	boundary := set.Boundary
	if len(boundary) == 0 {
		boundary = set.Points
	}
	inliers := 0
	for _, p := range boundary {
		if e.RadialDistance(p) <= f.params.InlierBand {
			inliers++
		}
	}
	return Metrics{
		Residual:    math.Sqrt(sq / float64(len(set.Points))),
		InlierRatio: float64(inliers) / float64(len(boundary)),
		AxisRatio:   e.AxisRatio(),
		Support:     len(set.Points),
	}
}

// Ellipse is the direct least-squares ellipse fit in the numerically stable
// form that splits the scatter matrix into quadratic and linear parts.
func Ellipse(pts []pupil.Point2D) (pupil.Ellipse, error) {
	n := len(pts)
	if n < 5 {
		return pupil.Ellipse{}, fmt.Errorf("%d points: %w", n, ErrTooFewPoints)
	}

	// Step 1: centre and scale the points for conditioning.
	var mx, my float64
	for _, p := range pts {
		mx += p.X
		my += p.Y
	}
	mx /= float64(n)
	my /= float64(n)
	var scale float64
	for _, p := range pts {
		scale += math.Hypot(p.X-mx, p.Y-my)
	}
	scale /= float64(n)
	if scale == 0 {
		return pupil.Ellipse{}, fmt.Errorf("coincident points: %w", ErrNotEllipse)
	}

	// Step 2: design matrices.
	d1 := mat.NewDense(n, 3, nil)
	d2 := mat.NewDense(n, 3, nil)
	for i, p := range pts {
		u := (p.X - mx) / scale
		v := (p.Y - my) / scale
		d1.SetRow(i, []float64{u * u, u * v, v * v})
		d2.SetRow(i, []float64{u, v, 1})
	}
	var s1, s2, s3 mat.Dense
	s1.Mul(d1.T(), d1)
	s2.Mul(d1.T(), d2)
	s3.Mul(d2.T(), d2)

	// Step 3: eliminate the linear terms, T = -S3⁻¹ S2ᵀ.
	var s3inv mat.Dense
	if err := s3inv.Inverse(&s3); err != nil {
		return pupil.Ellipse{}, fmt.Errorf("collinear points: %v: %w", err, ErrNotEllipse)
	}
	var tm mat.Dense
	tm.Mul(&s3inv, s2.T())
	tm.Scale(-1, &tm)

	var m mat.Dense
	m.Mul(&s2, &tm)
	m.Add(&s1, &m)

	// Step 4: premultiply by the inverse ellipse constraint matrix.
	reduced := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		reduced.Set(0, j, m.At(2, j)/2)
		reduced.Set(1, j, -m.At(1, j))
		reduced.Set(2, j, m.At(0, j)/2)
	}

	// Step 5: the eigenvector satisfying 4ac - b² > 0 holds the quadratic
	// coefficients.
	var eig mat.Eigen
	if ok := eig.Factorize(reduced, mat.EigenRight); !ok {
		return pupil.Ellipse{}, fmt.Errorf("eigen decomposition failed: %w", ErrNotEllipse)
	}
	var vecs mat.CDense
	eig.VectorsTo(&vecs)
	best, bestCond := -1, 0.0
	for k := 0; k < 3; k++ {
		a, b, c := real(vecs.At(0, k)), real(vecs.At(1, k)), real(vecs.At(2, k))
		if cond := 4*a*c - b*b; cond > bestCond {
			best, bestCond = k, cond
		}
	}
	if best < 0 {
		return pupil.Ellipse{}, fmt.Errorf("no elliptic eigenvector: %w", ErrNotEllipse)
	}
	a1 := mat.NewVecDense(3, []float64{
		real(vecs.At(0, best)), real(vecs.At(1, best)), real(vecs.At(2, best)),
	})
	var a2 mat.VecDense
	a2.MulVec(&tm, a1)

	e, err := conicToEllipse(a1.AtVec(0), a1.AtVec(1), a1.AtVec(2), a2.AtVec(0), a2.AtVec(1), a2.AtVec(2))
	if err != nil {
		return pupil.Ellipse{}, err
	}

	// Step 6: undo the conditioning.
	e.Center = pupil.Point2D{X: e.Center.X*scale + mx, Y: e.Center.Y*scale + my}
	e.SemiMajor *= scale
	e.SemiMinor *= scale
	return e, nil
}

var errNaN = errors.New("non-finite ellipse parameters")

// conicToEllipse converts Ax² + Bxy + Cy² + Dx + Ey + F = 0 to centre, axes
// and orientation.
func conicToEllipse(a, b, c, d, e, f float64) (pupil.Ellipse, error) {
	if a+c < 0 {
		a, b, c, d, e, f = -a, -b, -c, -d, -e, -f
	}
	den := b*b - 4*a*c
	if den >= 0 {
		return pupil.Ellipse{}, fmt.Errorf("discriminant %.3g: %w", den, ErrNotEllipse)
	}
	x0 := (2*c*d - b*e) / den
	y0 := (2*a*e - b*d) / den
	f0 := a*x0*x0 + b*x0*y0 + c*y0*y0 + d*x0 + e*y0 + f

	half := math.Hypot((a-c)/2, b/2)
	lmin := (a+c)/2 - half
	lmax := (a+c)/2 + half
	if lmin <= 0 || f0 >= 0 {
		return pupil.Ellipse{}, fmt.Errorf("imaginary ellipse: %w", ErrNotEllipse)
	}
	major := math.Sqrt(-f0 / lmin)
	minor := math.Sqrt(-f0 / lmax)

	// The quadratic form peaks along 0.5·atan2(b, a-c); the major axis is
	// perpendicular to that.
	angle := 0.5*math.Atan2(b, a-c) + math.Pi/2
	angle = math.Mod(angle, math.Pi)
	if angle < 0 {
		angle += math.Pi
	}

	out := pupil.Ellipse{Center: pupil.Point2D{X: x0, Y: y0}, SemiMajor: major, SemiMinor: minor, Angle: angle}
	for _, v := range []float64{x0, y0, major, minor, angle} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return pupil.Ellipse{}, fmt.Errorf("%w: %w", errNaN, ErrNotEllipse)
		}
	}
	return out, nil
}
