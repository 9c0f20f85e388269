// Package lane turns raw lane-model output into stabilised, fitted and
// classified lane curves.
//
// Positions are expressed in column-bin units (1-indexed) with 0 reserved as
// the "not detected" sentinel. Every PositionVector is ordered bottom-most
// row anchor first.
package lane

import (
	"fmt"
	"math"

	"github.com/banshee-data/lane.assist/internal/tensor"
)

// NumLanes is the fixed number of lanes reported by the model.
const NumLanes = 4

// Sentinel marks a row where no lane was detected.
const Sentinel = 0.0

// PositionVector holds one column-bin position per row anchor.
type PositionVector []float64

// Positions holds one PositionVector per lane.
type Positions [NumLanes]PositionVector

// Valid returns the number of non-sentinel entries.
func (v PositionVector) Valid() int {
	n := 0
	for _, x := range v {
		if x != Sentinel {
			n++
		}
	}
	return n
}

// Clone returns a copy of v.
func (v PositionVector) Clone() PositionVector {
	out := make(PositionVector, len(v))
	copy(out, v)
	return out
}

// Decode converts the lane model output into per-lane position vectors.
//
// out must have shape (rows, griding+1, NumLanes), optionally with a leading
// batch dimension of one; the last column bin is the background class. For every row and
// lane the expected position is the softmax-weighted mean of the 1-indexed
// foreground bins, forced to Sentinel when the arg-max over all bins is the
// background. Rows are flipped so that index 0 is the bottom-most anchor.
func Decode(out *tensor.Tensor, griding int) (Positions, error) {
	var pos Positions
	t := out
	if len(t.Shape) == 4 && t.Shape[0] == 1 {
		t = &tensor.Tensor{Shape: t.Shape[1:], Data: t.Data}
	}
	if len(t.Shape) != 3 || t.Shape[1] != griding+1 || t.Shape[2] != NumLanes {
		return pos, fmt.Errorf("lane output %s does not match (rows, %d, %d)", t, griding+1, NumLanes)
	}
	rows := t.Shape[0]

	for l := 0; l < NumLanes; l++ {
		pos[l] = make(PositionVector, rows)
	}

	probs := make([]float64, griding)
	for r := 0; r < rows; r++ {
		k := rows - 1 - r
		for l := 0; l < NumLanes; l++ {
			best, bestIdx := math.Inf(-1), 0
			for i := 0; i <= griding; i++ {
				if v := float64(t.At(r, i, l)); v > best {
					best, bestIdx = v, i
				}
			}
			if bestIdx == griding {
				pos[l][k] = Sentinel
				continue
			}

			// softmax over foreground bins, shifted by the max for stability
			maxFg := math.Inf(-1)
			for i := 0; i < griding; i++ {
				if v := float64(t.At(r, i, l)); v > maxFg {
					maxFg = v
				}
			}
			sum := 0.0
			for i := 0; i < griding; i++ {
				probs[i] = math.Exp(float64(t.At(r, i, l)) - maxFg)
				sum += probs[i]
			}
			loc := 0.0
			for i := 0; i < griding; i++ {
				loc += probs[i] / sum * float64(i+1)
			}
			pos[l][k] = loc
		}
	}
	return pos, nil
}
