package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndValidate(t *testing.T) {
	f := New(4, 6)
	require.NoError(t, f.Validate())
	assert.Len(t, f.Pix, 4*6*Channels)
	assert.False(t, f.Empty())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
	}{
		{"zero size", Frame{}},
		{"short buffer", Frame{Rows: 2, Cols: 2, Pix: make([]byte, 5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.f.Validate())
		})
	}
}

func TestSetAtClone(t *testing.T) {
	f := New(2, 3)
	f.Set(1, 2, 10, 20, 30)
	b, g, r := f.At(1, 2)
	assert.Equal(t, []byte{10, 20, 30}, []byte{b, g, r})

	c := f.Clone()
	c.Set(1, 2, 0, 0, 0)
	b, _, _ = f.At(1, 2)
	assert.Equal(t, byte(10), b, "clone must not alias the original buffer")
}
