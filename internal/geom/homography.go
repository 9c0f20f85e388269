// Package geom computes the projective transform used to rectify camera
// frames onto the canonical lane view.
package geom

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateQuad is returned when the source or destination corners do
// not span a valid quadrilateral.
var ErrDegenerateQuad = errors.New("degenerate quadrilateral")

// Point is a 2-D point in pixel space.
type Point struct {
	X, Y float64
}

// Quad holds four corners ordered top-left, top-right, bottom-right,
// bottom-left.
type Quad [4]Point

// RectifyConfig describes the region of interest and the canonical output.
// Corner ratios are fractions of the input frame width/height.
type RectifyConfig struct {
	Corners      [4][2]float64 `json:"source_corners"`
	OutputWidth  int           `json:"output_width"`
	OutputHeight int           `json:"output_height"`
	// CropOffset insets the bottom edge of the destination rectangle.
	// Positive values shrink it, negative values extend it.
	CropOffset int `json:"crop_offset"`
}

// SourceQuad converts corner ratios into pixel corners for a frame of the
// given size.
func SourceQuad(cfg RectifyConfig, cols, rows int) Quad {
	var q Quad
	for i, c := range cfg.Corners {
		q[i] = Point{X: c[0] * float64(cols), Y: c[1] * float64(rows)}
	}
	return q
}

// DestQuad returns the destination rectangle anchored at the image origin.
func DestQuad(cfg RectifyConfig) Quad {
	w := float64(cfg.OutputWidth)
	h := float64(cfg.OutputHeight - cfg.CropOffset)
	return Quad{{0, 0}, {w, 0}, {w, h}, {0, h}}
}

// Homography is a 3x3 projective transform in row-major order with H[8] = 1.
type Homography [9]float64

// Apply maps p through the transform.
func (h Homography) Apply(p Point) Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// PerspectiveTransform solves for the homography taking src onto dst.
//
// Each correspondence contributes two rows of the standard 8x8 system
//
//	[x y 1 0 0 0 -u*x -u*y] h = u
//	[0 0 0 x y 1 -v*x -v*y] h = v
func PerspectiveTransform(src, dst Quad) (Homography, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerateQuad, err)
	}

	var out Homography
	for i := 0; i < 8; i++ {
		out[i] = h.AtVec(i)
	}
	out[8] = 1
	return out, nil
}

// RectifyTransform builds the transform for a frame of the given size.
func RectifyTransform(cfg RectifyConfig, cols, rows int) (Homography, error) {
	if cfg.OutputWidth <= 0 || cfg.OutputHeight <= 0 {
		return Homography{}, fmt.Errorf("%w: output size %dx%d", ErrDegenerateQuad, cfg.OutputWidth, cfg.OutputHeight)
	}
	return PerspectiveTransform(SourceQuad(cfg, cols, rows), DestQuad(cfg))
}
