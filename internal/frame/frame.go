// Package frame defines the pixel buffer passed between pipeline stages.
//
// A Frame is always 8-bit, three channel, BGR interleaved, matching the
// layout produced by the OpenCV decoders in internal/vision. Keeping the
// type free of cgo lets the lane, depth and job packages be tested without
// an OpenCV install.
package frame

import "fmt"

// Channels is the fixed channel count of every Frame.
const Channels = 3

// Frame is a BGR pixel buffer. Pix has Rows*Cols*Channels bytes.
type Frame struct {
	Rows int
	Cols int
	Pix  []byte
}

// New allocates a zeroed frame.
func New(rows, cols int) Frame {
	return Frame{Rows: rows, Cols: cols, Pix: make([]byte, rows*cols*Channels)}
}

// Validate reports whether the buffer length matches the dimensions.
func (f Frame) Validate() error {
	if f.Rows <= 0 || f.Cols <= 0 {
		return fmt.Errorf("frame has invalid size %dx%d", f.Cols, f.Rows)
	}
	if len(f.Pix) != f.Rows*f.Cols*Channels {
		return fmt.Errorf("frame buffer is %d bytes, want %d", len(f.Pix), f.Rows*f.Cols*Channels)
	}
	return nil
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return len(f.Pix) == 0
}

// At returns the B, G, R bytes at (row, col).
func (f Frame) At(row, col int) (b, g, r byte) {
	i := (row*f.Cols + col) * Channels
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Set writes B, G, R bytes at (row, col).
func (f Frame) Set(row, col int, b, g, r byte) {
	i := (row*f.Cols + col) * Channels
	f.Pix[i], f.Pix[i+1], f.Pix[i+2] = b, g, r
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return Frame{Rows: f.Rows, Cols: f.Cols, Pix: pix}
}
