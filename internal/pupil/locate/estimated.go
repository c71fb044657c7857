package locate

import (
	"image"

	"github.com/disintegration/gift"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// EstimatedLocator approximates kernel means with a box mean filter over
// the search region. Edge clamping and 8-bit rounding bias the result by a
// pixel or so, in exchange for the cheapest pass.
type EstimatedLocator struct {
	params Params
}

func (l *EstimatedLocator) Strategy() Strategy { return Estimated }

func (l *EstimatedLocator) Locate(f *pupil.Frame, region image.Rectangle) (pupil.Point2D, error) {
	inner, err := searchArea(f, region, l.params)
	if err != nil {
		return pupil.Point2D{}, err
	}
	src := f.Gray.SubImage(inner)
	g := gift.New(gift.Mean(l.params.Kernel|1, false))
	blurred := image.NewGray(g.Bounds(src.Bounds()))
	g.Draw(blurred, src)

	half := l.params.Kernel / 2
	return search(inner, l.params, func(x, y int) float64 {
		// Mean needs an odd size. gift renders at the origin, so shift back from frame coordinates.
		return float64(blurred.GrayAt(x-inner.Min.X+half, y-inner.Min.Y+half).Y)
	})
}
