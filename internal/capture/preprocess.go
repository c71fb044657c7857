package capture

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// Preprocessor normalises raw captures before tracking: centre crop to the
// output aspect ratio, optional digital zoom, then a resize to the output
// size in grayscale. The crop, zoom and resize are done in a single
// resampling pass.
//
// A Preprocessor must not be modified while a source is using it.
type Preprocessor struct {
	Width, Height int
	// ZoomFactor of 1 or less disables zoom.
	ZoomFactor float64
	// ZoomCenter is the zoom focus as a fraction of the cropped frame, each
	// coordinate in [0, 1]. Nil zooms on the middle.
	ZoomCenter *pupil.Point2D
	// Scaler defaults to draw.ApproxBiLinear.
	Scaler draw.Scaler
}

// DefaultPreprocessor outputs 640x480 without zoom.
func DefaultPreprocessor() *Preprocessor {
	return &Preprocessor{Width: 640, Height: 480, ZoomFactor: 1}
}

// SetZoom sets the zoom factor and optional focus ratio.
func (p *Preprocessor) SetZoom(factor float64, center *pupil.Point2D) {
	p.ZoomFactor = factor
	if center != nil {
		c := pupil.Point2D{X: clamp01(center.X), Y: clamp01(center.Y)}
		center = &c
	}
	p.ZoomCenter = center
}

func clamp01(v float64) float64 { return max(0, min(1, v)) }

// Apply returns the processed grayscale frame.
func (p *Preprocessor) Apply(src image.Image) *image.Gray {
	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = src.Bounds().Dx(), src.Bounds().Dy()
	}
	sr := p.SourceRect(src.Bounds())
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if sr.Dx() == w && sr.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, sr.Min, draw.Src)
		return dst
	}
	scaler := p.Scaler
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	scaler.Scale(dst, dst.Bounds(), src, sr, draw.Src, nil)
	return dst
}

// SourceRect returns the region of b that ends up in the output.
func (p *Preprocessor) SourceRect(b image.Rectangle) image.Rectangle {
	crop := CropToAspect(b, p.Width, p.Height)
	if p.ZoomFactor <= 1 {
		return crop
	}
	return zoomRect(crop, p.ZoomFactor, p.ZoomCenter)
}

// CropToAspect returns the largest centred rectangle in b with the aspect
// ratio width:height.
func CropToAspect(b image.Rectangle, width, height int) image.Rectangle {
	if width <= 0 || height <= 0 || b.Empty() {
		return b
	}
	w, h := b.Dx(), b.Dy()
	switch {
	case w*height > h*width:
		nw := h * width / height
		off := (w - nw) / 2
		return image.Rect(b.Min.X+off, b.Min.Y, b.Min.X+off+nw, b.Max.Y)
	case w*height < h*width:
		nh := w * height / width
		off := (h - nh) / 2
		return image.Rect(b.Min.X, b.Min.Y+off, b.Max.X, b.Min.Y+off+nh)
	default:
		return b
	}
}

// zoomRect is the 1/factor sized box around center, shifted to stay inside
// b.
func zoomRect(b image.Rectangle, factor float64, center *pupil.Point2D) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	cx, cy := b.Min.X+w/2, b.Min.Y+h/2
	if center != nil {
		cx = b.Min.X + int(float64(w)*center.X)
		cy = b.Min.Y + int(float64(h)*center.Y)
	}
	nw, nh := int(float64(w)/factor), int(float64(h)/factor)
	if nw <= 0 || nh <= 0 {
		return b
	}
	x := max(cx-nw/2, b.Min.X)
	y := max(cy-nh/2, b.Min.Y)
	if x+nw > b.Max.X {
		x = b.Max.X - nw
	}
	if y+nh > b.Max.Y {
		y = b.Max.Y - nh
	}
	return image.Rect(x, y, x+nw, y+nh)
}
