package lane

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lane.assist/internal/config"
	"github.com/banshee-data/lane.assist/internal/geom"
)

func testGeometry() Geometry {
	return Geometry{
		InputWidth:  800,
		InputHeight: 288,
		Griding:     200,
		RowAnchors:  config.CULaneRowAnchors,
		Width:       1280,
		Height:      720,
	}
}

func testClassifier() Classifier {
	return Classifier{Width: 1280, Height: 720, SafeXRatio: 0.48, SafeYRatio: 0.40}
}

func TestFitCollinearQuadratic(t *testing.T) {
	t.Parallel()
	var pts []geom.Point
	for y := 0; y <= 4; y++ {
		pts = append(pts, geom.Point{X: 100 + 2*float64(y), Y: float64(y)})
	}

	c := Fit(pts)
	require.Equal(t, FitQuadratic, c.Kind)
	require.Len(t, c.Points, 50)
	assert.InDelta(t, 0, c.Coeffs[0], 1e-8, "curvature term")
	assert.InDelta(t, 2, c.Coeffs[1], 1e-8)
	assert.InDelta(t, 100, c.Coeffs[2], 1e-8)

	for _, p := range pts {
		best := math.Inf(1)
		for _, q := range c.Points {
			best = math.Min(best, math.Hypot(p.X-q.X, p.Y-q.Y))
		}
		assert.Less(t, best, 1.0, "curve should pass within 1px of %v", p)
	}

	assert.InDelta(t, pts[0].X, c.Points[0].X, 1e-8, "first sample is the first input row")
	assert.Equal(t, pts[0].Y, c.Points[0].Y)
	assert.InDelta(t, pts[4].Y, c.Points[49].Y, 1e-9)
}

func TestFitKinds(t *testing.T) {
	t.Parallel()
	line := func(n int) []geom.Point {
		out := make([]geom.Point, n)
		for i := range out {
			out[i] = geom.Point{X: float64(10 * i), Y: float64(700 - 40*i)}
		}
		return out
	}
	tests := []struct {
		n        int
		wantKind FitKind
		wantLen  int
	}{
		{0, FitNone, 0},
		{1, FitNone, 0},
		{2, FitPolyline, 2},
		{4, FitPolyline, 4},
		{5, FitQuadratic, 50},
		{18, FitQuadratic, 50},
	}
	for _, tt := range tests {
		c := Fit(line(tt.n))
		assert.Equal(t, tt.wantKind, c.Kind, "n=%d", tt.n)
		assert.Len(t, c.Points, tt.wantLen, "n=%d", tt.n)
	}
}

func TestFitQuadraticRecoversCurve(t *testing.T) {
	t.Parallel()
	var pts []geom.Point
	for y := 700.0; y >= 300; y -= 50 {
		pts = append(pts, geom.Point{X: 0.001*y*y - 0.5*y + 400, Y: y})
	}
	c := Fit(pts)
	require.Equal(t, FitQuadratic, c.Kind)
	assert.InDelta(t, 0.001, c.Coeffs[0], 1e-7)
	assert.InDelta(t, -0.5, c.Coeffs[1], 1e-4)
	assert.InDelta(t, 400, c.Coeffs[2], 1e-2)
}

func TestClassifyBoundaryInclusive(t *testing.T) {
	t.Parallel()
	c := testClassifier()
	edge := geom.Point{X: 0.48 * float64(c.Width), Y: 0.40 * float64(c.Height)}
	assert.Equal(t, Safe, c.Classify(edge))

	assert.Equal(t, Departure, c.Classify(geom.Point{X: edge.X - 0.01, Y: edge.Y}))
	assert.Equal(t, Departure, c.Classify(geom.Point{X: edge.X, Y: edge.Y - 0.01}))
	assert.Equal(t, Safe, c.Classify(geom.Point{X: 1200, Y: 700}))
}

func TestGeometryToPixel(t *testing.T) {
	t.Parallel()
	g := testGeometry()

	p := g.ToPixel(0, 1)
	// bottom anchor is 287 at model height 288
	assert.InDelta(t, 720.0*287/288-1, p.Y, 1e-9)
	assert.InDelta(t, (799.0/199.0)*1280/800-1, p.X, 1e-9)

	top := g.ToPixel(17, 100)
	assert.InDelta(t, 720.0*121/288-1, top.Y, 1e-9)
}

func TestGeometryPointsSkipsSentinel(t *testing.T) {
	t.Parallel()
	g := testGeometry()
	v := make(PositionVector, 18)
	v[0], v[3], v[10] = 50, 55, 60
	pts := g.Points(v)
	require.Len(t, pts, 3)
	assert.Greater(t, pts[0].Y, pts[1].Y, "points are ordered bottom-most first")
}

func lanePositions(bins ...float64) PositionVector {
	v := make(PositionVector, 18)
	for i := range v {
		if i < len(bins) {
			v[i] = bins[i]
		}
	}
	return v
}

func TestAnalyze(t *testing.T) {
	t.Parallel()
	a := Analyzer{Geometry: testGeometry(), Classifier: testClassifier()}

	var pos Positions
	// lane 0: far left, full set of rows -> quadratic departure
	pos[0] = lanePositions(20, 21, 22, 23, 24, 25, 26, 27)
	// lane 1: right of the midline -> safe
	pos[1] = lanePositions(150, 149, 148, 147, 146, 145)
	// lane 2: only a single point -> none
	pos[2] = lanePositions(80)
	// lane 3: three points left of centre -> polyline departure
	pos[3] = lanePositions(60, 61, 62)

	res := a.Analyze(pos)
	assert.Equal(t, FitQuadratic, res.Curves[0].Kind)
	assert.Equal(t, Departure, res.Curves[0].Class)
	assert.Equal(t, FitQuadratic, res.Curves[1].Kind)
	assert.Equal(t, Safe, res.Curves[1].Class)
	assert.Equal(t, FitNone, res.Curves[2].Kind)
	assert.Empty(t, res.Curves[2].Points)
	assert.Equal(t, Classification(""), res.Curves[2].Class)
	assert.Equal(t, FitPolyline, res.Curves[3].Kind)
	assert.Equal(t, Departure, res.Curves[3].Class)

	assert.Equal(t, 2, res.Departures)
	assert.Equal(t, 2, res.DepartureLanes)
}

func TestAnalyzeDepartureAboveSafeHeight(t *testing.T) {
	t.Parallel()
	cls := testClassifier()
	cls.SafeYRatio = 0.5
	a := Analyzer{Geometry: testGeometry(), Classifier: cls}

	// Right of the midline but only detected above the safe height: departs
	// without contributing to the left-side counter.
	v := make(PositionVector, 18)
	v[15], v[16], v[17] = 150, 151, 152
	res := a.Analyze(Positions{v, nil, nil, nil})

	assert.Equal(t, Departure, res.Curves[0].Class)
	assert.Equal(t, 1, res.DepartureLanes)
	assert.Equal(t, 0, res.Departures)
}
