// Package locate finds the coarse pupil candidate: the darkest kernel-sized
// patch of a frame, found on a sparse grid and refined locally.
package locate

import (
	"fmt"
	"image"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// Strategy names a Locator implementation.
type Strategy string

const (
	// Exact sums every kernel cell directly.
	Exact Strategy = "exact"
	// Batched computes all kernel sums from one summed-area table.
	Batched Strategy = "batched"
	// Estimated samples a box-blurred copy of the region.
	Estimated Strategy = "estimated"
)

// Locator returns the centre of the darkest region inside region.
type Locator interface {
	Locate(f *pupil.Frame, region image.Rectangle) (pupil.Point2D, error)
	Strategy() Strategy
}

// Params controls the grid search. Zero values are replaced by defaults in
// Normalize.
type Params struct {
	IgnoreBounds int     // margin excluded from the search on every side
	Kernel       int     // side of the averaged square
	Skip         int     // coarse grid stride
	RefineStep   int     // stride of the local refinement pass
	MinContrast  float64 // minimum std-dev of grid means
}

// DefaultParams are the search values tuned on 640x480 eye footage.
func DefaultParams() Params {
	return Params{
		IgnoreBounds: 20,
		Kernel:       20,
		Skip:         10,
		RefineStep:   1,
		MinContrast:  1,
	}
}

// Normalize fills unset fields with defaults.
func (p Params) Normalize() Params {
	d := DefaultParams()
	if p.IgnoreBounds < 0 {
		p.IgnoreBounds = 0
	}
	if p.Kernel <= 0 {
		p.Kernel = d.Kernel
	}
	if p.Skip <= 0 {
		p.Skip = d.Skip
	}
	if p.RefineStep <= 0 {
		p.RefineStep = d.RefineStep
	}
	if p.MinContrast <= 0 {
		p.MinContrast = d.MinContrast
	}
	return p
}

// New returns the Locator for the named strategy.
func New(s Strategy, p Params) (Locator, error) {
	p = p.Normalize()
	switch s {
	case Exact:
		return &ExactLocator{params: p}, nil
	case Batched, "":
		return &BatchedLocator{params: p}, nil
	case Estimated:
		return &EstimatedLocator{params: p}, nil
	default:
		return nil, fmt.Errorf("unknown locator strategy %q", s)
	}
}

// meanFunc returns the mean intensity of the kernel whose top-left corner
// is (x, y) in frame coordinates.
type meanFunc func(x, y int) float64

// searchArea clips region to the frame and removes the ignored margin. It
// fails when no full kernel fits.
func searchArea(f *pupil.Frame, region image.Rectangle, p Params) (image.Rectangle, error) {
	if f == nil || f.Gray == nil {
		return image.Rectangle{}, fmt.Errorf("nil frame: %w", pupil.ErrNoCandidate)
	}
	inner := region.Intersect(f.Bounds()).Inset(p.IgnoreBounds)
	if inner.Dx() < p.Kernel || inner.Dy() < p.Kernel {
		return image.Rectangle{}, fmt.Errorf("search region %v too small for %dpx kernel: %w",
			region, p.Kernel, pupil.ErrNoCandidate)
	}
	return inner, nil
}

// search runs the coarse grid pass followed by local refinement.
func search(inner image.Rectangle, p Params, mean meanFunc) (pupil.Point2D, error) {
	maxX := inner.Max.X - p.Kernel
	maxY := inner.Max.Y - p.Kernel

	// Step 1: coarse grid
	var samples []float64
	bx, by := inner.Min.X, inner.Min.Y
	best := mean(bx, by)
	for y := inner.Min.Y; y <= maxY; y += p.Skip {
		for x := inner.Min.X; x <= maxX; x += p.Skip {
			m := mean(x, y)
			samples = append(samples, m)
			if m < best {
				best, bx, by = m, x, y
			}
		}
	}

	// Step 2: reject flat regions
	if len(samples) < 2 || stat.StdDev(samples, nil) < p.MinContrast {
		return pupil.Point2D{}, fmt.Errorf("no intensity variance in %v: %w", inner, pupil.ErrNoCandidate)
	}

	// Step 3: refine around the coarse winner
	cx, cy := bx, by
	for y := max(inner.Min.Y, by-p.Skip+1); y <= min(maxY, by+p.Skip-1); y += p.RefineStep {
		for x := max(inner.Min.X, bx-p.Skip+1); x <= min(maxX, bx+p.Skip-1); x += p.RefineStep {
			if m := mean(x, y); m < best {
				best, cx, cy = m, x, y
			}
		}
	}

	half := float64(p.Kernel-1) / 2
	return pupil.Point2D{X: float64(cx) + half, Y: float64(cy) + half}, nil
}

// ExactLocator sums every kernel cell-by-cell.
type ExactLocator struct {
	params Params
}

func (l *ExactLocator) Strategy() Strategy { return Exact }

func (l *ExactLocator) Locate(f *pupil.Frame, region image.Rectangle) (pupil.Point2D, error) {
	inner, err := searchArea(f, region, l.params)
	if err != nil {
		return pupil.Point2D{}, err
	}
	k := l.params.Kernel
	area := float64(k * k)
	g := f.Gray
	return search(inner, l.params, func(x, y int) float64 {
		var sum int
		for yy := y; yy < y+k; yy++ {
			row := g.Pix[g.PixOffset(x, yy):]
			for xx := 0; xx < k; xx++ {
				sum += int(row[xx])
			}
		}
		return float64(sum) / area
	})
}

// BatchedLocator precomputes a summed-area table of the search region so
// each kernel mean costs four lookups.
type BatchedLocator struct {
	params Params
}

func (l *BatchedLocator) Strategy() Strategy { return Batched }

func (l *BatchedLocator) Locate(f *pupil.Frame, region image.Rectangle) (pupil.Point2D, error) {
	inner, err := searchArea(f, region, l.params)
	if err != nil {
		return pupil.Point2D{}, err
	}
	sat := newSummedArea(f.Gray, inner)
	k := l.params.Kernel
	area := float64(k * k)
	return search(inner, l.params, func(x, y int) float64 {
		return float64(sat.sum(x-inner.Min.X, y-inner.Min.Y, k)) / area
	})
}

// summedArea is an integral image with a zero guard row and column.
type summedArea struct {
	stride int
	table  []int64
}

func newSummedArea(g *image.Gray, r image.Rectangle) *summedArea {
	w, h := r.Dx(), r.Dy()
	s := &summedArea{stride: w + 1, table: make([]int64, (w+1)*(h+1))}
	for y := 0; y < h; y++ {
		row := g.Pix[g.PixOffset(r.Min.X, r.Min.Y+y):]
		var run int64
		for x := 0; x < w; x++ {
			run += int64(row[x])
			s.table[(y+1)*s.stride+x+1] = s.table[y*s.stride+x+1] + run
		}
	}
	return s
}

// sum returns the total of the k×k square with top-left (x, y), in table
// coordinates.
func (s *summedArea) sum(x, y, k int) int64 {
	a := s.table[y*s.stride+x]
	b := s.table[y*s.stride+x+k]
	c := s.table[(y+k)*s.stride+x]
	d := s.table[(y+k)*s.stride+x+k]
	return d - b - c + a
}
