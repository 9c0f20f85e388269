package depth

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lane.assist/internal/tensor"
)

func TestConvert(t *testing.T) {
	t.Parallel()
	const scale = 1000.0
	assert.InDelta(t, scale/(2+Epsilon), Convert(2, scale), 1e-9)

	zero := Convert(0, scale)
	assert.False(t, math.IsInf(zero, 0))
	assert.Equal(t, scale/Epsilon, zero)
}

func TestFromDisparity(t *testing.T) {
	t.Parallel()
	d, err := tensor.FromData([]float32{0, 1, 2, 4, 8, 10}, 1, 1, 2, 3)
	require.NoError(t, err)

	m, err := FromDisparity(d, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Rows)
	assert.Equal(t, 3, m.Cols)
	assert.Equal(t, 10/Epsilon, m.At(0, 0))
	assert.InDelta(t, 10.0/(4+Epsilon), m.At(1, 0), 1e-12)
	assert.Len(t, m.RowsSlice(), 2)
	assert.Len(t, m.RowsSlice()[1], 3)
}

func TestFromDisparityRejectsMultiChannel(t *testing.T) {
	t.Parallel()
	_, err := FromDisparity(tensor.New(1, 3, 4, 4), 1)
	require.Error(t, err)
}

func TestNormalize8(t *testing.T) {
	t.Parallel()
	m := Map{Rows: 1, Cols: 3, Depth: []float64{2, 4, 6}}
	assert.Equal(t, []uint8{0, 128, 255}, Normalize8(m))
}

func TestNormalize8FlatFrame(t *testing.T) {
	t.Parallel()
	m := Map{Rows: 2, Cols: 2, Depth: []float64{5, 5, 5, 5}}
	assert.Equal(t, []uint8{0, 0, 0, 0}, Normalize8(m))
}

func TestNormalize8SkipsNonFinite(t *testing.T) {
	t.Parallel()
	m := Map{Rows: 1, Cols: 3, Depth: []float64{math.Inf(1), 1, 3}}
	assert.Equal(t, []uint8{0, 0, 255}, Normalize8(m))
}

func TestCalibrationRect(t *testing.T) {
	t.Parallel()
	assert.Equal(t, image.Rect(118, 148, 138, 168), CalibrationRect(256, 256))

	small := CalibrationRect(10, 10)
	assert.True(t, small.Empty(), "rect beyond a tiny frame is clipped away")
}

func TestPatchReading(t *testing.T) {
	t.Parallel()
	m := Map{Rows: 2, Cols: 2, Depth: []float64{1, 3, math.NaN(), 5}}
	got := PatchReading(m, image.Rect(0, 0, 2, 2))
	require.NotNil(t, got)
	assert.InDelta(t, 3.0, *got, 1e-12)

	assert.Nil(t, PatchReading(m, image.Rect(5, 5, 8, 8)))
}

func TestRender(t *testing.T) {
	t.Parallel()
	m := Map{Rows: 256, Cols: 256, Depth: make([]float64, 256*256)}
	for i := range m.Depth {
		m.Depth[i] = float64(i%256) + 1
	}
	f := Render(m)
	assert.Len(t, f.Visual, 256*256)
	require.NotNil(t, f.Reading)
	// columns 118..137 hold 119..138
	assert.InDelta(t, 128.5, *f.Reading, 1e-9)
	assert.Equal(t, CalibrationRect(256, 256), f.Rect)
}
