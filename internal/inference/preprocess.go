package inference

import (
	"fmt"

	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/tensor"
)

// Preprocess describes how a frame is turned into a model input tensor.
// Width and Height are the model's expected spatial size; the caller resizes
// the frame to that size before calling Normalize.
type Preprocess struct {
	Width     int
	Height    int
	InputName string
	// SwapRB converts the BGR frame into RGB channel order.
	SwapRB bool
	Mean   [3]float64
	Std    [3]float64
}

// Normalize scales pixels into [0,1], applies the per-channel mean and
// standard deviation and returns a (1, 3, H, W) tensor.
func (p Preprocess) Normalize(f frame.Frame) (*tensor.Tensor, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Rows != p.Height || f.Cols != p.Width {
		return nil, fmt.Errorf("frame is %dx%d, model expects %dx%d", f.Cols, f.Rows, p.Width, p.Height)
	}

	plane := p.Width * p.Height
	out := tensor.New(1, frame.Channels, p.Height, p.Width)

	var scale, bias [3]float32
	for c := 0; c < 3; c++ {
		scale[c] = float32(1.0 / (255.0 * p.Std[c]))
		bias[c] = float32(-p.Mean[c] / p.Std[c])
	}

	for i := 0; i < plane; i++ {
		px := f.Pix[i*frame.Channels : i*frame.Channels+frame.Channels]
		for c := 0; c < 3; c++ {
			src := c
			if p.SwapRB {
				src = 2 - c
			}
			out.Data[c*plane+i] = float32(px[src])*scale[c] + bias[c]
		}
	}
	return out, nil
}
