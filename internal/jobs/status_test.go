package jobs

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusJSON(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(Status{State: StateProcessing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"processing","progress":0}`, string(data))

	d := 12.5
	data, err = json.Marshal(Status{Key: "k", State: StateDone, Progress: 1, Duration: &d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"k","status":"done","progress":1,"duration":12.5}`, string(data))
}

func TestStoreConcurrentReaders(t *testing.T) {
	t.Parallel()
	s := NewStore()
	e, err := s.create("k", Status{Key: "k", State: StateProcessing}, func() {})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0.0
			for j := 0; j < 1000; j++ {
				st, ok := s.Get("k")
				assert.True(t, ok)
				if st.State == StateProcessing {
					assert.GreaterOrEqual(t, st.Progress, last, "progress never goes backwards")
					last = st.Progress
				}
			}
		}()
	}
	for j := 1; j <= 1000; j++ {
		p := float64(j) / 1000
		e.publish(func(st *Status) { st.Progress = p })
	}
	e.publish(func(st *Status) { st.State = StateDone })
	wg.Wait()

	st, _ := s.Get("k")
	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, 1.0, st.Progress)
}

func TestStoreCreateTwice(t *testing.T) {
	t.Parallel()
	s := NewStore()
	_, err := s.create("k", Status{State: StateProcessing}, func() {})
	require.NoError(t, err)
	_, err = s.create("k", Status{State: StateProcessing}, func() {})
	assert.ErrorIs(t, err, ErrJobExists)
	assert.Len(t, s.List(), 1)
}
