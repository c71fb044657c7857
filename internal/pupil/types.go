package pupil

import (
	"fmt"
	"image"
	"math"
	"time"
)

// Frame is a single grayscale capture. It must not be modified once handed
// to the pipeline.
type Frame struct {
	Seq      uint64
	Captured time.Time
	Gray     *image.Gray
}

// Bounds returns the pixel rectangle covered by the frame.
func (f *Frame) Bounds() image.Rectangle {
	if f == nil || f.Gray == nil {
		return image.Rectangle{}
	}
	return f.Gray.Bounds()
}

// Point2D is a sub-pixel image coordinate.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pt converts integer pixel coordinates.
func Pt(p image.Point) Point2D { return Point2D{X: float64(p.X), Y: float64(p.Y)} }

func (p Point2D) Add(q Point2D) Point2D         { return Point2D{p.X + q.X, p.Y + q.Y} }
func (p Point2D) Sub(q Point2D) Point2D         { return Point2D{p.X - q.X, p.Y - q.Y} }
func (p Point2D) Scale(k float64) Point2D       { return Point2D{p.X * k, p.Y * k} }
func (p Point2D) Dot(q Point2D) float64         { return p.X*q.X + p.Y*q.Y }
func (p Point2D) Norm() float64                 { return math.Hypot(p.X, p.Y) }
func (p Point2D) Dist(q Point2D) float64        { return p.Sub(q).Norm() }
func (p Point2D) Image() image.Point            { return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y))) }
func (p Point2D) String() string                { return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y) }
func (p Point2D) Equal(q Point2D) bool          { return p.X == q.X && p.Y == q.Y }
func (p Point2D) Within(r image.Rectangle) bool { return p.Image().In(r) }

// ContourPointSet is one mask's traced outer boundary, in order, and the
// subset the denoiser kept.
type ContourPointSet struct {
	Boundary []Point2D
	Points   []Point2D
	Centroid Point2D
	Area     int
}

// Ellipse is a fitted pupil outline. Angle is the direction of the major
// axis from +X in radians, normalised to [0, π).
type Ellipse struct {
	Center    Point2D `json:"center"`
	SemiMajor float64 `json:"semi_major"`
	SemiMinor float64 `json:"semi_minor"`
	Angle     float64 `json:"angle"`
}

// AxisRatio is minor over major; 1 for a circle.
func (e Ellipse) AxisRatio() float64 {
	if e.SemiMajor <= 0 {
		return 0
	}
	return e.SemiMinor / e.SemiMajor
}

// Area in square pixels.
func (e Ellipse) Area() float64 { return math.Pi * e.SemiMajor * e.SemiMinor }

// RadialDistance approximates the distance from p to the outline along the
// ray from the centre through p. It is exact for circles.
func (e Ellipse) RadialDistance(p Point2D) float64 {
	d := p.Sub(e.Center)
	rho := d.Norm()
	if rho == 0 {
		return e.SemiMinor
	}
	sin, cos := math.Sincos(e.Angle)
	u := d.X*cos + d.Y*sin
	v := -d.X*sin + d.Y*cos
	r := math.Hypot(u/e.SemiMajor, v/e.SemiMinor)
	if r == 0 {
		return 0
	}
	return math.Abs(rho - rho/r)
}

// Contains reports whether p lies inside the ellipse.
func (e Ellipse) Contains(p Point2D) bool {
	d := p.Sub(e.Center)
	sin, cos := math.Sincos(e.Angle)
	u := (d.X*cos + d.Y*sin) / e.SemiMajor
	v := (-d.X*sin + d.Y*cos) / e.SemiMinor
	return u*u+v*v <= 1
}

func (e Ellipse) String() string {
	return fmt.Sprintf("centre=%v axes=(%.2f, %.2f) angle=%.1f°",
		e.Center, e.SemiMajor, e.SemiMinor, e.Angle*180/math.Pi)
}

// NoLock is the TrackerState.Winner value before any threshold has won.
const NoLock = -1

// TrackerState is the only data carried between frames. One exists per
// session and it is mutated once per frame by a single goroutine.
type TrackerState struct {
	// Winner is the previous winning threshold index, or NoLock.
	Winner int
	// Previous is the last emitted ellipse, kept through blinks.
	Previous *Ellipse
	// Reference is the locked position, if any.
	Reference *Point2D
	// Hint is the last candidate centre, used only to place the search
	// window.
	Hint *Point2D
}

// NewTrackerState returns the state for a fresh session.
func NewTrackerState() *TrackerState {
	return &TrackerState{Winner: NoLock}
}

// Clone returns a deep copy.
func (s *TrackerState) Clone() *TrackerState {
	c := &TrackerState{Winner: s.Winner}
	if s.Previous != nil {
		e := *s.Previous
		c.Previous = &e
	}
	if s.Reference != nil {
		p := *s.Reference
		c.Reference = &p
	}
	if s.Hint != nil {
		p := *s.Hint
		c.Hint = &p
	}
	return c
}

// Locked reports whether a threshold index has been selected.
func (s *TrackerState) Locked() bool { return s.Winner != NoLock }

// DriftEvent reports the gaze displacement from the locked reference.
type DriftEvent struct {
	Seq       uint64  `json:"seq"`
	Within    bool    `json:"within"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
	Reference Point2D `json:"reference"`
	Position  Point2D `json:"position"`
}

func (d DriftEvent) String() string {
	state := "within"
	if !d.Within {
		state = "out"
	}
	return fmt.Sprintf("drift %s: %.2fpx (limit %.2f) at %v", state, d.Distance, d.Threshold, d.Position)
}
