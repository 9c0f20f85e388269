// Package depth converts disparity output from the depth model into metric
// depth, an 8-bit visualisation and a single calibrated reading.
package depth

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lane.assist/internal/tensor"
)

// Epsilon keeps the disparity-to-depth division finite.
const Epsilon = 1e-6

const (
	// calibrationHalfSize is half the side of the sampled read-out square.
	calibrationHalfSize = 10
	// calibrationOffsetY moves the read-out square below the frame centre.
	calibrationOffsetY = 30
)

// Map is a row-major metric depth matrix.
type Map struct {
	Rows  int
	Cols  int
	Depth []float64
}

// At returns the depth at (row, col).
func (m Map) At(row, col int) float64 {
	return m.Depth[row*m.Cols+col]
}

// RowsSlice returns the matrix as one slice per row.
func (m Map) RowsSlice() [][]float64 {
	out := make([][]float64, m.Rows)
	for r := range out {
		out[r] = m.Depth[r*m.Cols : (r+1)*m.Cols]
	}
	return out
}

// FromDisparity converts a single-channel disparity map into metric depth,
// scale/(d+Epsilon) per element. Leading unit dimensions are ignored.
func FromDisparity(d *tensor.Tensor, scale float64) (Map, error) {
	t := d.Squeeze()
	if len(t.Shape) == 3 && t.Shape[0] == 1 {
		t = &tensor.Tensor{Shape: t.Shape[1:], Data: t.Data}
	}
	if len(t.Shape) != 2 {
		return Map{}, fmt.Errorf("disparity %s is not a single-channel map", d)
	}
	m := Map{Rows: t.Shape[0], Cols: t.Shape[1], Depth: make([]float64, t.Len())}
	for i, v := range t.Data {
		m.Depth[i] = Convert(float64(v), scale)
	}
	return m, nil
}

// Convert maps one disparity value to depth.
func Convert(disparity, scale float64) float64 {
	return scale / (disparity + Epsilon)
}

// Normalize8 min-max scales the finite depths of the current frame into
// 0..255. A flat frame maps to all zeros; non-finite values map to 0.
func Normalize8(m Map) []uint8 {
	out := make([]uint8, len(m.Depth))
	finite := make([]float64, 0, len(m.Depth))
	for _, v := range m.Depth {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return out
	}
	lo, hi := floats.Min(finite), floats.Max(finite)
	span := hi - lo
	if span == 0 {
		return out
	}
	for i, v := range m.Depth {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		out[i] = uint8(math.Round(255 * (v - lo) / span))
	}
	return out
}

// CalibrationRect returns the read-out square for a frame of the given
// size, clipped to the frame.
func CalibrationRect(cols, rows int) image.Rectangle {
	cx, cy := cols/2, rows/2+calibrationOffsetY
	r := image.Rect(cx-calibrationHalfSize, cy-calibrationHalfSize, cx+calibrationHalfSize, cy+calibrationHalfSize)
	return r.Intersect(image.Rect(0, 0, cols, rows))
}

// PatchReading averages the finite depths inside rect. It returns nil when
// the patch holds no usable value.
func PatchReading(m Map, rect image.Rectangle) *float64 {
	rect = rect.Intersect(image.Rect(0, 0, m.Cols, m.Rows))
	vals := make([]float64, 0, rect.Dx()*rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			v := m.At(y, x)
			if math.IsInf(v, 0) || math.IsNaN(v) {
				continue
			}
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	mean := stat.Mean(vals, nil)
	return &mean
}

// Frame is the full result of one depth pass.
type Frame struct {
	Map     Map
	Visual  []uint8
	Rect    image.Rectangle
	Reading *float64
}

// Render computes the visualisation and the calibrated reading for m.
func Render(m Map) Frame {
	rect := CalibrationRect(m.Cols, m.Rows)
	return Frame{
		Map:     m,
		Visual:  Normalize8(m),
		Rect:    rect,
		Reading: PatchReading(m, rect),
	}
}
