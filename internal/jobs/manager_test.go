package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lane.assist/internal/config"
	"github.com/banshee-data/lane.assist/internal/fsutil"
	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/pipeline"
	"github.com/banshee-data/lane.assist/internal/pipeline/pipelinetest"
	"github.com/banshee-data/lane.assist/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type converterFunc func(ctx context.Context, src, dst string, progress pipeline.ProgressFunc) (pipeline.Summary, error)

func (f converterFunc) Convert(ctx context.Context, src, dst string, progress pipeline.ProgressFunc) (pipeline.Summary, error) {
	return f(ctx, src, dst, progress)
}

// newVideoConverter wires the real lane pipeline to in-memory video IO.
func newVideoConverter() (*pipeline.Converter, *pipelinetest.VideoIO) {
	cfg := pipeline.LaneConfigFrom(config.EmptyPipelineConfig())
	model := pipelinetest.LaneModel(18, 200, [lane.NumLanes]int{10, 30, 160, -1})
	lanes := pipeline.NewLanePipeline(cfg, model, pipelinetest.NewImaging())
	videos := pipelinetest.NewVideoIO()
	return pipeline.NewConverter(lanes, videos, 11), videos
}

type memRecorder struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (r *memRecorder) RecordJob(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

type failingFS struct {
	*fsutil.MemoryFileSystem
}

func (failingFS) WriteFile(string, []byte, os.FileMode) error {
	return errors.New("disk full")
}

func TestJobLifecycle(t *testing.T) {
	conv, videos := newVideoConverter()
	gate := make(chan struct{})
	videos.AddSource("drive.mp4", &pipelinetest.Source{
		Frames: pipelinetest.Frames(5, 48, 64), Rate: 10, Gate: gate,
	})
	fs := fsutil.NewMemoryFileSystem()
	rec := &memRecorder{}
	m := NewManager(conv, Options{OutputDir: "out", FS: fs, Recorder: rec, MaxConcurrent: 2})

	st, err := m.Start(context.Background(), "drive.mp4", "drive_lanes.mp4")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, st.State)
	assert.Equal(t, 0.0, st.Progress)

	polled := m.Status("drive_lanes.mp4")
	assert.Equal(t, StateProcessing, polled.State)
	assert.Equal(t, 0.0, m.Progress("drive_lanes.mp4"))

	close(gate)
	m.Wait()

	done := m.Status("drive_lanes.mp4")
	assert.Equal(t, StateDone, done.State)
	assert.Equal(t, 1.0, done.Progress)
	require.NotNil(t, done.Duration)
	assert.Greater(t, *done.Duration, 0.0)
	assert.InDelta(t, 0.5, *done.Duration, 1e-9)
	assert.Empty(t, done.Error)
	assert.Equal(t, 5, done.Departures)
	assert.Equal(t, 1.0, m.Progress("drive_lanes.mp4"))

	deps, err := m.Departures("drive_lanes.mp4")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.1, 0.2, 0.3, 0.4}, deps, 1e-9)
	assert.True(t, fs.Exists("out/drive_lanes.json"))

	require.Len(t, rec.records, 1)
	assert.Equal(t, StateDone, rec.records[0].Status.State)
	assert.Len(t, rec.records[0].Departures, 5)
}

func TestUnknownJob(t *testing.T) {
	m := NewManager(converterFunc(nil), Options{})
	assert.Equal(t, 0.0, m.Progress("nope"))
	st := m.Status("nope")
	assert.Equal(t, StateNotFound, st.State)
	assert.ErrorIs(t, m.Cancel("nope"), ErrUnknownJob)
}

func TestJobFailure(t *testing.T) {
	conv, _ := newVideoConverter()
	rec := &memRecorder{}
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem(), Recorder: rec})

	_, err := m.Start(context.Background(), "missing.mp4", "missing_lanes.mp4")
	require.NoError(t, err)
	m.Wait()

	st := m.Status("missing_lanes.mp4")
	assert.Equal(t, StateError, st.State)
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, ProgressFailed, st.Progress)
	assert.Equal(t, -1.0, m.Progress("missing_lanes.mp4"))
	assert.Nil(t, st.Duration)

	require.Len(t, rec.records, 1)
	assert.Equal(t, StateError, rec.records[0].Status.State)
}

func TestJobFailureMidStream(t *testing.T) {
	conv, videos := newVideoConverter()
	videos.AddSource("bad.mp4", &pipelinetest.Source{Frames: pipelinetest.Frames(5, 48, 64), Rate: 10, FailAt: 3})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem()})

	_, err := m.Start(context.Background(), "bad.mp4", "bad_lanes.mp4")
	require.NoError(t, err)
	m.Wait()

	st := m.Status("bad_lanes.mp4")
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, "frame 3")
	assert.Equal(t, ProgressFailed, st.Progress)
}

func TestArtifactWriteFailure(t *testing.T) {
	conv, videos := newVideoConverter()
	videos.AddSource("a.mp4", &pipelinetest.Source{Frames: pipelinetest.Frames(2, 48, 64), Rate: 10})
	m := NewManager(conv, Options{OutputDir: "out", FS: failingFS{fsutil.NewMemoryFileSystem()}})

	_, err := m.Start(context.Background(), "a.mp4", "a_lanes.mp4")
	require.NoError(t, err)
	m.Wait()

	st := m.Status("a_lanes.mp4")
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, "disk full")
}

func TestRecorderFailure(t *testing.T) {
	conv, videos := newVideoConverter()
	videos.AddSource("a.mp4", &pipelinetest.Source{Frames: pipelinetest.Frames(2, 48, 64), Rate: 10})
	rec := &memRecorder{err: errors.New("database is locked")}
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem(), Recorder: rec})

	_, err := m.Start(context.Background(), "a.mp4", "a_lanes.mp4")
	require.NoError(t, err)
	m.Wait()

	st := m.Status("a_lanes.mp4")
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, "failed to record job")
	assert.Nil(t, st.Duration)
}

func TestDuplicateKey(t *testing.T) {
	release := make(chan struct{})
	conv := converterFunc(func(ctx context.Context, _, _ string, _ pipeline.ProgressFunc) (pipeline.Summary, error) {
		<-release
		return pipeline.Summary{Frames: 1, FPS: 1, Duration: 1}, nil
	})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem()})

	_, err := m.Start(context.Background(), "a.mp4", "k.mp4")
	require.NoError(t, err)
	_, err = m.Start(context.Background(), "b.mp4", "k.mp4")
	assert.ErrorIs(t, err, ErrJobExists)

	close(release)
	m.Wait()
	assert.Equal(t, "a.mp4", m.Status("k.mp4").Source)
}

// lookupRecorder answers Job from the records it has been given.
type lookupRecorder struct {
	memRecorder
	lookupErr error
}

func (r *lookupRecorder) Job(_ context.Context, key string) (Status, error) {
	if r.lookupErr != nil {
		return Status{}, r.lookupErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Status.Key == key {
			return rec.Status, nil
		}
	}
	return Status{}, fmt.Errorf("%s: %w", key, ErrUnknownJob)
}

func TestStartRefusesRecordedKey(t *testing.T) {
	var calls atomic.Int32
	conv := converterFunc(func(context.Context, string, string, pipeline.ProgressFunc) (pipeline.Summary, error) {
		calls.Add(1)
		return pipeline.Summary{Frames: 1, FPS: 1, Duration: 1}, nil
	})
	rec := &lookupRecorder{}
	rec.records = []Record{{Status: Status{Key: "drive_lanes.mp4", State: StateDone, Progress: 1}}}
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem(), Recorder: rec})

	_, err := m.Start(context.Background(), "empty.mp4", "drive_lanes.mp4")
	assert.ErrorIs(t, err, ErrJobExists)
	assert.Equal(t, StateNotFound, m.Status("drive_lanes.mp4").State)

	_, err = m.Start(context.Background(), "other.mp4", "other_lanes.mp4")
	require.NoError(t, err)
	m.Wait()
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, rec.records, 2)
	assert.Equal(t, StateDone, rec.records[0].Status.State, "recorded job must be left untouched")
}

func TestStartLookupFailure(t *testing.T) {
	rec := &lookupRecorder{lookupErr: errors.New("database is locked")}
	m := NewManager(converterFunc(nil), Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem(), Recorder: rec})

	_, err := m.Start(context.Background(), "a.mp4", "a_lanes.mp4")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobExists)
	assert.Equal(t, StateNotFound, m.Status("a_lanes.mp4").State)
}

func TestInvalidKey(t *testing.T) {
	m := NewManager(converterFunc(nil), Options{OutputDir: "out"})
	for _, key := range []string{"../escape.mp4", "a/b.mp4", ".."} {
		_, err := m.Start(context.Background(), "a.mp4", key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
	_, err := m.Departures("../x.mp4")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStartDerivesKey(t *testing.T) {
	conv := converterFunc(func(context.Context, string, string, pipeline.ProgressFunc) (pipeline.Summary, error) {
		return pipeline.Summary{Frames: 1, FPS: 1, Duration: 1}, nil
	})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem()})
	st, err := m.Start(context.Background(), "uploads/My Drive.mov", "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^My_Drive_[0-9a-f]{8}_lanes\.mp4$`), st.Key)
	m.Wait()
}

func TestStartIsDetachedFromCallerContext(t *testing.T) {
	conv, videos := newVideoConverter()
	gate := make(chan struct{})
	videos.AddSource("a.mp4", &pipelinetest.Source{Frames: pipelinetest.Frames(2, 48, 64), Rate: 10, Gate: gate})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem()})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Start(ctx, "a.mp4", "a_lanes.mp4")
	require.NoError(t, err)
	cancel() // the request that started the job has ended

	close(gate)
	m.Wait()
	assert.Equal(t, StateDone, m.Status("a_lanes.mp4").State)
}

func TestCancel(t *testing.T) {
	conv, videos := newVideoConverter()
	gate := make(chan struct{})
	videos.AddSource("a.mp4", &pipelinetest.Source{Frames: pipelinetest.Frames(50, 48, 64), Rate: 10, Gate: gate})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem()})

	_, err := m.Start(context.Background(), "a.mp4", "a_lanes.mp4")
	require.NoError(t, err)

	gate <- struct{}{} // let one frame through
	require.NoError(t, m.Cancel("a_lanes.mp4"))
	close(gate)
	m.Wait()

	st := m.Status("a_lanes.mp4")
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, "context canceled")
	assert.Equal(t, ProgressFailed, st.Progress)
	assert.ErrorIs(t, m.Cancel("a_lanes.mp4"), ErrJobFinished)
}

func TestConcurrencyIsBounded(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	conv := converterFunc(func(ctx context.Context, _, _ string, _ pipeline.ProgressFunc) (pipeline.Summary, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return pipeline.Summary{Frames: 1, FPS: 1, Duration: 1}, nil
	})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem(), MaxConcurrent: 2})

	for _, k := range []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4"} {
		_, err := m.Start(context.Background(), k, k)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)

	processing := 0
	for _, st := range m.List() {
		if st.State == StateProcessing {
			processing++
		}
	}
	assert.Equal(t, 4, processing, "queued jobs report processing")

	close(release)
	m.Wait()
	assert.Equal(t, int32(2), peak.Load())
	for _, st := range m.List() {
		assert.Equal(t, StateDone, st.State)
	}
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	conv := converterFunc(func(context.Context, string, string, pipeline.ProgressFunc) (pipeline.Summary, error) {
		return pipeline.Summary{Frames: 1, FPS: 1, Duration: 1}, nil
	})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem()})
	_, err := m.Start(context.Background(), "a.mp4", "a.mp4")
	require.NoError(t, err)
	m.Wait()

	e, ok := m.store.get("a.mp4")
	require.True(t, ok)
	assert.False(t, e.publish(func(s *Status) { s.State = StateProcessing }))
	assert.Equal(t, StateDone, m.Status("a.mp4").State)
}

func TestListOrdersNewestFirst(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	conv := converterFunc(func(context.Context, string, string, pipeline.ProgressFunc) (pipeline.Summary, error) {
		return pipeline.Summary{Frames: 1, FPS: 1, Duration: 1}, nil
	})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem(), Clock: clock})
	_, err := m.Start(context.Background(), "a.mp4", "first.mp4")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = m.Start(context.Background(), "b.mp4", "second.mp4")
	require.NoError(t, err)
	m.Wait()

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "second.mp4", list[0].Key)
	assert.Equal(t, "first.mp4", list[1].Key)
}

type pngTimeline struct{}

func (pngTimeline) RenderTimeline(string, pipeline.Summary) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

func TestTimelineArtifact(t *testing.T) {
	conv := converterFunc(func(context.Context, string, string, pipeline.ProgressFunc) (pipeline.Summary, error) {
		return pipeline.Summary{Frames: 10, FPS: 10, Duration: 1, Departures: []float64{0.3}}, nil
	})
	fs := fsutil.NewMemoryFileSystem()
	m := NewManager(conv, Options{OutputDir: "out", FS: fs, Timeline: pngTimeline{}})
	_, err := m.Start(context.Background(), "a.mp4", "a_lanes.mp4")
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, StateDone, m.Status("a_lanes.mp4").State)
	data, err := fs.ReadFile("out/a_lanes.timeline.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data)
}

func TestShutdownCancelsJobs(t *testing.T) {
	conv := converterFunc(func(ctx context.Context, _, _ string, _ pipeline.ProgressFunc) (pipeline.Summary, error) {
		<-ctx.Done()
		return pipeline.Summary{}, ctx.Err()
	})
	m := NewManager(conv, Options{OutputDir: "out", FS: fsutil.NewMemoryFileSystem()})
	_, err := m.Start(context.Background(), "a.mp4", "a.mp4")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, StateError, m.Status("a.mp4").State)
}
