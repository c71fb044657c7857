// Package cascade builds the three binary threshold masks around a pupil
// candidate.
package cascade

import (
	"fmt"
	"image"
	"slices"

	"github.com/disintegration/gift"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// Slots is the number of masks per frame.
const Slots = 3

// Mask is one inverse-binary threshold of the candidate window. Bits has
// the bounds of Window; foreground (dark) pixels are 255.
type Mask struct {
	Index  int
	Base   uint8
	Cutoff uint8
	Window image.Rectangle
	Bits   *image.Gray
}

// Foreground reports whether (x, y) is a dark pixel of the mask.
func (m *Mask) Foreground(x, y int) bool {
	if !image.Pt(x, y).In(m.Window) {
		return false
	}
	return m.Bits.Pix[m.Bits.PixOffset(x, y)] != 0
}

// Params configures the cascade. Offsets are added to the base intensity
// sampled at the candidate.
type Params struct {
	Offsets          [Slots]int
	Window           int
	BaseRadius       int // half-side of the patch averaged for the base level
	DilateSize       int
	DilateIterations int
}

func DefaultParams() Params {
	return Params{
		Offsets:          [Slots]int{5, 15, 25},
		Window:           250,
		BaseRadius:       2,
		DilateSize:       5,
		DilateIterations: 2,
	}
}

// Cascade is safe for concurrent use; it holds no per-frame state.
type Cascade struct {
	params Params
	dilate *gift.GIFT
}

// New validates p and sorts the offsets so that mask indices follow
// increasing cutoff.
func New(p Params) (*Cascade, error) {
	if p.Window <= 0 {
		return nil, fmt.Errorf("cascade window must be positive, got %d", p.Window)
	}
	offsets := p.Offsets[:]
	slices.Sort(offsets)
	for _, o := range offsets {
		if o < 0 || o > 255 {
			return nil, fmt.Errorf("threshold offset %d out of range [0,255]", o)
		}
	}
	var filters []gift.Filter
	if p.DilateSize > 1 {
		for i := 0; i < p.DilateIterations; i++ {
			filters = append(filters, gift.Maximum(p.DilateSize, false))
		}
	}
	return &Cascade{params: p, dilate: gift.New(filters...)}, nil
}

func (c *Cascade) Params() Params { return c.params }

// WindowAround returns the mask window for a candidate, clipped to bounds.
func (c *Cascade) WindowAround(candidate pupil.Point2D, bounds image.Rectangle) image.Rectangle {
	centre := candidate.Image()
	half := c.params.Window / 2
	r := image.Rect(centre.X-half, centre.Y-half, centre.X-half+c.params.Window, centre.Y-half+c.params.Window)
	return r.Intersect(bounds)
}

// Apply produces the three masks for candidate. An empty window fails every
// slot at once.
func (c *Cascade) Apply(f *pupil.Frame, candidate pupil.Point2D) ([Slots]*Mask, error) {
	var masks [Slots]*Mask
	window := c.WindowAround(candidate, f.Bounds())
	if window.Empty() {
		return masks, fmt.Errorf("window around %v: %w: %w", candidate, pupil.ErrEmptyWindow, pupil.ErrNoCandidate)
	}
	base := c.baseLevel(f.Gray, candidate.Image(), window)
	for i, off := range c.params.Offsets {
		cutoff := uint8(min(255, int(base)+off))
		masks[i] = &Mask{
			Index:  i,
			Base:   base,
			Cutoff: cutoff,
			Window: window,
			Bits:   c.threshold(f.Gray, window, cutoff),
		}
	}
	return masks, nil
}

// baseLevel is the mean of a small patch at the candidate, so a single
// noisy pixel cannot move every cutoff. BaseRadius 0 samples the candidate
// pixel alone.
func (c *Cascade) baseLevel(g *image.Gray, at image.Point, window image.Rectangle) uint8 {
	r := c.params.BaseRadius
	patch := image.Rect(at.X-r, at.Y-r, at.X+r+1, at.Y+r+1).Intersect(window)
	if patch.Empty() {
		return g.GrayAt(at.X, at.Y).Y
	}
	var sum, n int
	for y := patch.Min.Y; y < patch.Max.Y; y++ {
		for x := patch.Min.X; x < patch.Max.X; x++ {
			sum += int(g.Pix[g.PixOffset(x, y)])
			n++
		}
	}
	return uint8((sum + n/2) / n)
}

func (c *Cascade) threshold(g *image.Gray, window image.Rectangle, cutoff uint8) *image.Gray {
	bits := image.NewGray(window)
	for y := window.Min.Y; y < window.Max.Y; y++ {
		src := g.Pix[g.PixOffset(window.Min.X, y):]
		dst := bits.Pix[bits.PixOffset(window.Min.X, y):]
		for x := 0; x < window.Dx(); x++ {
			if src[x] <= cutoff {
				dst[x] = 255
			}
		}
	}
	if len(c.dilate.Filters) == 0 {
		return bits
	}
	out := image.NewGray(c.dilate.Bounds(bits.Bounds()))
	c.dilate.Draw(out, bits)
	// gift draws at the origin; move the result back onto the window.
	return &image.Gray{Pix: out.Pix, Stride: out.Stride, Rect: window}
}
