// Package contour extracts the pupil boundary from a threshold mask and
// filters it down to points consistent with a convex outline.
package contour

import (
	"fmt"
	"image"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// ExtractParams selects which connected component is traced.
type ExtractParams struct {
	MinArea   int     // pixels
	MaxAspect float64 // bounding box long side over short side
}

func DefaultExtractParams() ExtractParams {
	return ExtractParams{MinArea: 1000, MaxAspect: 3}
}

// Extractor traces the outer boundary of the largest plausible blob.
type Extractor struct {
	params ExtractParams
}

func NewExtractor(p ExtractParams) *Extractor {
	if p.MaxAspect <= 0 {
		p.MaxAspect = DefaultExtractParams().MaxAspect
	}
	return &Extractor{params: p}
}

// component summarises one 8-connected foreground region.
type component struct {
	label      int32
	area       int
	seed       image.Point // first pixel in raster order
	minX, minY int
	maxX, maxY int
	sumX, sumY int
}

func (c component) aspect() float64 {
	w := float64(c.maxX - c.minX + 1)
	h := float64(c.maxY - c.minY + 1)
	if w > h {
		return w / h
	}
	return h / w
}

var neighbours8 = [8]image.Point{
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1},
}

// labelling holds component labels over a mask's bounds; 0 is background.
type labelling struct {
	bounds image.Rectangle
	labels []int32
}

func (l *labelling) at(p image.Point) int32 {
	if !p.In(l.bounds) {
		return 0
	}
	return l.labels[(p.Y-l.bounds.Min.Y)*l.bounds.Dx()+p.X-l.bounds.Min.X]
}

// label flood-fills every foreground region of mask.
func label(mask *image.Gray) (*labelling, []component) {
	b := mask.Bounds()
	w := b.Dx()
	l := &labelling{bounds: b, labels: make([]int32, w*b.Dy())}
	var comps []component
	var queue []image.Point
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			idx := (y-b.Min.Y)*w + x - b.Min.X
			if mask.Pix[mask.PixOffset(x, y)] == 0 || l.labels[idx] != 0 {
				continue
			}
			c := component{
				label: int32(len(comps) + 1),
				seed:  image.Pt(x, y),
				minX:  x, minY: y, maxX: x, maxY: y,
			}
			l.labels[idx] = c.label
			queue = append(queue[:0], image.Pt(x, y))
			for len(queue) > 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				c.area++
				c.sumX += p.X
				c.sumY += p.Y
				c.minX, c.maxX = min(c.minX, p.X), max(c.maxX, p.X)
				c.minY, c.maxY = min(c.minY, p.Y), max(c.maxY, p.Y)
				for _, d := range neighbours8 {
					q := p.Add(d)
					if !q.In(b) {
						continue
					}
					qi := (q.Y-b.Min.Y)*w + q.X - b.Min.X
					if l.labels[qi] == 0 && mask.Pix[mask.PixOffset(q.X, q.Y)] != 0 {
						l.labels[qi] = c.label
						queue = append(queue, q)
					}
				}
			}
			comps = append(comps, c)
		}
	}
	return l, comps
}

// Extract returns the traced boundary and centroid of the largest component
// passing the area and aspect filters. Points is left empty for the
// denoiser.
func (e *Extractor) Extract(mask *image.Gray) (pupil.ContourPointSet, error) {
	if mask == nil || mask.Bounds().Empty() {
		return pupil.ContourPointSet{}, fmt.Errorf("empty mask: %w", pupil.ErrNoValidContour)
	}
	l, comps := label(mask)

	best := -1
	for i, c := range comps {
		if c.area < e.params.MinArea || c.aspect() > e.params.MaxAspect {
			continue
		}
		if best < 0 || c.area > comps[best].area {
			best = i
		}
	}
	if best < 0 {
		return pupil.ContourPointSet{}, fmt.Errorf("%d components, none with area >= %d and aspect <= %.1f: %w",
			len(comps), e.params.MinArea, e.params.MaxAspect, pupil.ErrNoValidContour)
	}
	c := comps[best]
	return pupil.ContourPointSet{
		Boundary: trace(l, c),
		Centroid: pupil.Point2D{X: float64(c.sumX) / float64(c.area), Y: float64(c.sumY) / float64(c.area)},
		Area:     c.area,
	}, nil
}

// trace follows the outer boundary of c clockwise (in image coordinates)
// with Moore-neighbour tracing, stopping when the first step repeats.
func trace(l *labelling, c component) []pupil.Point2D {
	start := c.seed
	out := []pupil.Point2D{pupil.Pt(start)}
	var second image.Point
	haveSecond := false

	p := start
	back := 0 // the pixel west of the seed is background
	limit := 4*c.area + 8
	for step := 0; step < limit; step++ {
		found := false
		var q image.Point
		var qBack int
		for k := 1; k <= 8; k++ {
			d := (back + k) % 8
			cand := p.Add(neighbours8[d])
			if l.at(cand) == c.label {
				prev := p.Add(neighbours8[(d+7)%8])
				q, qBack = cand, direction(prev.Sub(cand))
				found = true
				break
			}
		}
		if !found {
			break // single pixel
		}
		if p == start && haveSecond && q == second {
			break
		}
		if !haveSecond {
			second, haveSecond = q, true
		}
		p, back = q, qBack
		if p != start {
			out = append(out, pupil.Pt(p))
		}
	}
	return out
}

// direction returns the neighbours8 index of the unit offset d.
func direction(d image.Point) int {
	for i, n := range neighbours8 {
		if n == d {
			return i
		}
	}
	return 0
}
