package lane

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lane.assist/internal/geom"
)

// FitKind describes how a lane curve was built.
type FitKind string

const (
	FitQuadratic FitKind = "quadratic"
	FitPolyline  FitKind = "polyline"
	FitNone      FitKind = "none"
)

// Classification is the safety verdict for one lane.
type Classification string

const (
	Safe      Classification = "safe"
	Departure Classification = "departure"
)

const (
	// minQuadraticPoints is the fewest points fitted with a quadratic.
	minQuadraticPoints = 5
	// minPolylinePoints is the fewest points that still form a curve.
	minPolylinePoints = 2
	// curveSamples is the number of points sampled along a quadratic fit.
	curveSamples = 50
)

// Geometry converts model coordinates (column bin, row anchor) into pixels
// of the rectified frame.
type Geometry struct {
	InputWidth  int
	InputHeight int
	Griding     int
	// RowAnchors are the model's anchor rows, top to bottom.
	RowAnchors []int
	// Width and Height are the rectified frame size.
	Width  int
	Height int
}

// colSampleW is the pixel stride between column bins at model resolution.
func (g Geometry) colSampleW() float64 {
	return float64(g.InputWidth-1) / float64(g.Griding-1)
}

// ToPixel converts the position at vector index k into a pixel coordinate.
// Index 0 is the bottom-most anchor.
func (g Geometry) ToPixel(k int, bin float64) geom.Point {
	anchor := g.RowAnchors[len(g.RowAnchors)-1-k]
	return geom.Point{
		X: bin*g.colSampleW()*float64(g.Width)/float64(g.InputWidth) - 1,
		Y: float64(g.Height)*float64(anchor)/float64(g.InputHeight) - 1,
	}
}

// Points returns the pixel positions of the non-sentinel entries of v,
// bottom-most first.
func (g Geometry) Points(v PositionVector) []geom.Point {
	pts := make([]geom.Point, 0, len(v))
	for k, bin := range v {
		if bin == Sentinel || k >= len(g.RowAnchors) {
			continue
		}
		pts = append(pts, g.ToPixel(k, bin))
	}
	return pts
}

// Curve is a fitted lane boundary.
type Curve struct {
	Points []geom.Point
	Kind   FitKind
	// Coeffs holds a, b, c of x = a·y² + b·y + c for quadratic fits.
	Coeffs [3]float64
	// Class is empty when Kind is FitNone.
	Class Classification
}

// First returns the bottom-most point of the curve.
func (c Curve) First() (geom.Point, bool) {
	if len(c.Points) == 0 {
		return geom.Point{}, false
	}
	return c.Points[0], true
}

// Fit builds a curve through pts, which must be ordered bottom-most first.
func Fit(pts []geom.Point) Curve {
	switch {
	case len(pts) < minPolylinePoints:
		return Curve{Kind: FitNone}
	case len(pts) < minQuadraticPoints:
		return polyline(pts)
	}

	coeffs, ok := fitQuadratic(pts)
	if !ok {
		return polyline(pts)
	}

	y0, y1 := pts[0].Y, pts[len(pts)-1].Y
	samples := make([]geom.Point, curveSamples)
	for i := range samples {
		y := y0 + (y1-y0)*float64(i)/float64(curveSamples-1)
		samples[i] = geom.Point{X: coeffs[0]*y*y + coeffs[1]*y + coeffs[2], Y: y}
	}
	return Curve{Points: samples, Kind: FitQuadratic, Coeffs: coeffs}
}

func polyline(pts []geom.Point) Curve {
	out := make([]geom.Point, len(pts))
	copy(out, pts)
	return Curve{Points: out, Kind: FitPolyline}
}

// fitQuadratic solves the least-squares system for x = a·y² + b·y + c.
func fitQuadratic(pts []geom.Point) ([3]float64, bool) {
	n := len(pts)
	a := mat.NewDense(n, 3, nil)
	b := mat.NewVecDense(n, nil)
	for i, p := range pts {
		a.Set(i, 0, p.Y*p.Y)
		a.Set(i, 1, p.Y)
		a.Set(i, 2, 1)
		b.SetVec(i, p.X)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return [3]float64{}, false
	}
	return [3]float64{x.AtVec(0), x.AtVec(1), x.AtVec(2)}, true
}

// Classifier decides whether a lane sits on the safe side of the ego path.
type Classifier struct {
	Width      int
	Height     int
	SafeXRatio float64
	SafeYRatio float64
}

func (c Classifier) safeX() float64 { return c.SafeXRatio * float64(c.Width) }
func (c Classifier) safeY() float64 { return c.SafeYRatio * float64(c.Height) }

// Classify judges a lane by its first point. Both boundaries are inclusive.
func (c Classifier) Classify(p geom.Point) Classification {
	if p.X >= c.safeX() && p.Y >= c.safeY() {
		return Safe
	}
	return Departure
}

// FrameResult is the analysis of one frame.
type FrameResult struct {
	Curves [NumLanes]Curve
	// Departures counts departing lanes whose first point lies left of the
	// safe width boundary. It is the per-frame departure signal.
	Departures int
	// DepartureLanes counts every lane classified as departing.
	DepartureLanes int
	Position       Position
}

// Analyzer fits and classifies the lanes of a frame.
type Analyzer struct {
	Geometry   Geometry
	Classifier Classifier
}

// Analyze fits, classifies and counts departures for smoothed positions.
func (a Analyzer) Analyze(pos Positions) FrameResult {
	var res FrameResult
	for i, v := range pos {
		c := Fit(a.Geometry.Points(v))
		if p, ok := c.First(); ok {
			c.Class = a.Classifier.Classify(p)
			if c.Class == Departure {
				res.DepartureLanes++
				if p.X < a.Classifier.safeX() {
					res.Departures++
				}
			}
		}
		res.Curves[i] = c
	}
	res.Position = EvaluatePosition(res.Curves[:], a.Geometry.Width)
	return res
}
