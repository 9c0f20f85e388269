package lane

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// History is a fixed-capacity FIFO of position vectors for one lane.
type History struct {
	capacity int
	entries  []PositionVector
}

// NewHistory returns an empty history holding at most capacity vectors.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{capacity: capacity, entries: make([]PositionVector, 0, capacity)}
}

// Push appends v, evicting the oldest entry when full.
func (h *History) Push(v PositionVector) {
	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:h.capacity-1]
	}
	h.entries = append(h.entries, v.Clone())
}

// Len returns the number of buffered vectors.
func (h *History) Len() int { return len(h.entries) }

// Cap returns the capacity.
func (h *History) Cap() int { return h.capacity }

// Entries returns the buffered vectors, oldest first.
func (h *History) Entries() []PositionVector {
	out := make([]PositionVector, len(h.entries))
	copy(out, h.entries)
	return out
}

// Smooth returns the per-row median of the non-sentinel buffered values.
// Rows where every buffered value is a sentinel take the value of the most
// recent vector.
func (h *History) Smooth() PositionVector {
	if len(h.entries) == 0 {
		return nil
	}
	latest := h.entries[len(h.entries)-1]
	out := make(PositionVector, len(latest))
	vals := make([]float64, 0, len(h.entries))
	for row := range latest {
		vals = vals[:0]
		for _, e := range h.entries {
			if row < len(e) && e[row] != Sentinel {
				vals = append(vals, e[row])
			}
		}
		if len(vals) == 0 {
			out[row] = latest[row]
			continue
		}
		out[row] = median(vals)
	}
	return out
}

// median sorts vals in place.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return stat.Mean(vals[n/2-1:n/2+1], nil)
}

// Stabilizer smooths the positions of all lanes for one stream.
// It is not safe for concurrent use; frames must be fed in capture order.
type Stabilizer struct {
	lanes [NumLanes]*History
}

// NewStabilizer creates a stabilizer whose per-lane windows hold k frames.
func NewStabilizer(k int) *Stabilizer {
	s := &Stabilizer{}
	for i := range s.lanes {
		s.lanes[i] = NewHistory(k)
	}
	return s
}

// Update records one frame of raw positions and returns the smoothed ones.
func (s *Stabilizer) Update(raw Positions) Positions {
	var out Positions
	for i, h := range s.lanes {
		h.Push(raw[i])
		out[i] = h.Smooth()
	}
	return out
}

// History returns the buffer for lane i.
func (s *Stabilizer) History(i int) *History {
	return s.lanes[i]
}
