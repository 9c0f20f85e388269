// Package vision implements the pipeline's pixel and video collaborators
// with OpenCV.
package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/geom"
	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/pipeline"
)

// ErrInputDecode is pipeline.ErrInputDecode, re-exported for callers that
// only deal with this package.
var ErrInputDecode = pipeline.ErrInputDecode

var (
	colorSafe      = color.RGBA{G: 255, A: 255}
	colorDeparture = color.RGBA{R: 255, A: 255}
	colorReadout   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const laneThickness = 4

// OpenCV implements pipeline.Imaging.
type OpenCV struct{}

var _ pipeline.Imaging = OpenCV{}

func toMat(f frame.Frame) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.Mat{}, err
	}
	return gocv.NewMatFromBytes(f.Rows, f.Cols, gocv.MatTypeCV8UC3, f.Pix)
}

func fromMat(m gocv.Mat) (frame.Frame, error) {
	if m.Empty() {
		return frame.Frame{}, fmt.Errorf("empty image")
	}
	if m.Type() != gocv.MatTypeCV8UC3 {
		return frame.Frame{}, fmt.Errorf("unexpected mat type %v", m.Type())
	}
	if !m.IsContinuous() {
		c := m.Clone()
		defer c.Close()
		m = c
	}
	return frame.Frame{Rows: m.Rows(), Cols: m.Cols(), Pix: m.ToBytes()}, nil
}

// Decode parses an encoded image into a BGR frame.
func (OpenCV) Decode(data []byte) (frame.Frame, error) {
	if len(data) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: empty body", ErrInputDecode)
	}
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrInputDecode, err)
	}
	defer m.Close()
	if m.Empty() {
		return frame.Frame{}, fmt.Errorf("%w: unsupported image data", ErrInputDecode)
	}
	return fromMat(m)
}

// EncodePNG encodes f as PNG.
func (OpenCV) EncodePNG(f frame.Frame) ([]byte, error) {
	m, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	defer buf.Close()
	b := buf.GetBytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Warp applies h to f.
func (OpenCV) Warp(f frame.Frame, h geom.Homography, width, height int) (frame.Frame, error) {
	src, err := toMat(f)
	if err != nil {
		return frame.Frame{}, err
	}
	defer src.Close()

	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer m.Close()
	for i, v := range h {
		m.SetDoubleAt(i/3, i%3, v)
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.WarpPerspective(src, &dst, m, image.Pt(width, height))
	return fromMat(dst)
}

// Resize scales f with bilinear interpolation.
func (OpenCV) Resize(f frame.Frame, width, height int) (frame.Frame, error) {
	if f.Cols == width && f.Rows == height {
		return f, nil
	}
	src, err := toMat(f)
	if err != nil {
		return frame.Frame{}, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	return fromMat(dst)
}

// DrawLanes draws each fitted curve, green when safe and red when departing.
func (OpenCV) DrawLanes(f frame.Frame, curves []lane.Curve) (frame.Frame, error) {
	img, err := toMat(f.Clone())
	if err != nil {
		return frame.Frame{}, err
	}
	defer img.Close()

	for _, c := range curves {
		if c.Kind == lane.FitNone || len(c.Points) < 2 {
			continue
		}
		pts := make([]image.Point, len(c.Points))
		for i, p := range c.Points {
			pts[i] = image.Pt(int(p.X), int(p.Y))
		}
		col := colorSafe
		if c.Class == lane.Departure {
			col = colorDeparture
		}
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
		gocv.Polylines(&img, pv, false, col, laneThickness)
		pv.Close()
	}
	return fromMat(img)
}

// Colorize applies the jet colour map and outlines the read-out rectangle.
func (OpenCV) Colorize(visual []uint8, rows, cols int, rect image.Rectangle) (frame.Frame, error) {
	if len(visual) != rows*cols {
		return frame.Frame{}, fmt.Errorf("visual has %d values, want %d", len(visual), rows*cols)
	}
	gray, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, visual)
	if err != nil {
		return frame.Frame{}, err
	}
	defer gray.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.ApplyColorMap(gray, &dst, gocv.ColormapJet)
	if !rect.Empty() {
		gocv.Rectangle(&dst, rect, colorReadout, 2)
	}
	return fromMat(dst)
}
