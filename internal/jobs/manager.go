package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/lane.assist/internal/fsutil"
	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/pipeline"
	"github.com/banshee-data/lane.assist/internal/security"
	"github.com/banshee-data/lane.assist/internal/timeutil"
)

// Converter runs the lane pipeline over a whole video.
type Converter interface {
	Convert(ctx context.Context, src, dst string, progress pipeline.ProgressFunc) (pipeline.Summary, error)
}

// Record is a finished job as persisted by a Recorder.
type Record struct {
	Status     Status    `json:"status"`
	Departures []float64 `json:"departures"`
}

// Recorder persists finished jobs.
type Recorder interface {
	RecordJob(ctx context.Context, rec Record) error
}

// RecordLookup is implemented by recorders that can read back a recorded
// job. Start refuses keys such a recorder already holds, so a finished job
// from an earlier process is never restarted.
type RecordLookup interface {
	Job(ctx context.Context, key string) (Status, error)
}

// TimelineRenderer draws a departure timeline image for a finished job.
type TimelineRenderer interface {
	RenderTimeline(key string, sum pipeline.Summary) ([]byte, error)
}

// Options configures a Manager.
type Options struct {
	// OutputDir receives output videos and their side artefacts.
	OutputDir string
	// MaxConcurrent bounds the number of jobs converting at once.
	MaxConcurrent int
	FS            fsutil.FileSystem
	Clock         timeutil.Clock
	Recorder      Recorder
	Timeline      TimelineRenderer
}

// Manager schedules conversion jobs and answers status queries.
type Manager struct {
	store    *Store
	conv     Converter
	opts     Options
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	recorder Recorder
}

// NewManager creates a manager. Zero-valued options take defaults.
func NewManager(conv Converter, opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Manager{
		store:    NewStore(),
		conv:     conv,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		fs:       opts.FS,
		clock:    opts.Clock,
		recorder: opts.Recorder,
	}
}

// DeriveKey builds an output key from a source file name. The random suffix
// keeps repeated conversions of the same source apart.
func DeriveKey(source string) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = security.SanitizeFilename(stem)
	return fmt.Sprintf("%s_%s_lanes.mp4", stem, uuid.New().String()[:8])
}

// OutputPath returns where the video for key is written.
func (m *Manager) OutputPath(key string) string {
	return filepath.Join(m.opts.OutputDir, key)
}

// ArtifactPath returns the departure list path for key.
func (m *Manager) ArtifactPath(key string) string {
	return filepath.Join(m.opts.OutputDir, stem(key)+".json")
}

// TimelinePath returns the timeline image path for key.
func (m *Manager) TimelinePath(key string) string {
	return filepath.Join(m.opts.OutputDir, stem(key)+".timeline.png")
}

// validateKey accepts only plain file names so keys cannot escape OutputDir.
func validateKey(key string) error {
	if security.SanitizeFilename(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func stem(key string) string {
	return strings.TrimSuffix(key, filepath.Ext(key))
}

// Start registers key as processing and schedules the conversion of source.
// The job runs detached from ctx's cancellation; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, source, key string) (Status, error) {
	if key == "" {
		key = DeriveKey(source)
	}
	if err := validateKey(key); err != nil {
		return Status{}, err
	}
	if err := m.checkRecorded(ctx, key); err != nil {
		return Status{}, err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	started := m.clock.Now()
	initial := Status{
		Key:       key,
		Source:    source,
		State:     StateProcessing,
		Progress:  0,
		StartedAt: &started,
	}
	e, err := m.store.create(key, initial, cancel)
	if err != nil {
		cancel()
		return Status{}, err
	}

	m.wg.Add(1)
	go m.run(jobCtx, e, source, key)
	monitoring.Logf("[jobs] started %s from %s", key, source)
	return initial, nil
}

func (m *Manager) checkRecorded(ctx context.Context, key string) error {
	lookup, ok := m.recorder.(RecordLookup)
	if !ok {
		return nil
	}
	_, err := lookup.Job(ctx, key)
	switch {
	case err == nil:
		return fmt.Errorf("%s: %w", key, ErrJobExists)
	case errors.Is(err, ErrUnknownJob):
		return nil
	default:
		return fmt.Errorf("failed to check recorded job %s: %w", key, err)
	}
}

func (m *Manager) run(ctx context.Context, e *entry, source, key string) {
	defer m.wg.Done()
	defer e.cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(ctx, e, pipeline.Summary{}, fmt.Errorf("job cancelled before start: %w", err))
		return
	}
	defer m.sem.Release(1)

	sum, err := m.conv.Convert(ctx, source, m.OutputPath(key), func(p float64) {
		e.publish(func(s *Status) { s.Progress = p })
	})
	if err == nil {
		err = m.writeArtifacts(key, sum)
	}
	m.finish(ctx, e, sum, err)
}

// finish moves the job to its terminal state and records it.
func (m *Manager) finish(ctx context.Context, e *entry, sum pipeline.Summary, jobErr error) {
	now := m.clock.Now()
	final := e.load()
	final.FinishedAt = &now
	final.Departures = len(sum.Departures)
	if jobErr == nil {
		d := sum.Duration
		final.State = StateDone
		final.Progress = 1.0
		final.Duration = &d
	}

	if jobErr == nil && m.recorder != nil {
		if err := m.recorder.RecordJob(context.WithoutCancel(ctx), Record{Status: final, Departures: sum.Departures}); err != nil {
			jobErr = fmt.Errorf("failed to record job: %w", err)
			final.Duration = nil
		}
	}

	if jobErr != nil {
		final.State = StateError
		final.Progress = ProgressFailed
		final.Error = jobErr.Error()
		monitoring.Logf("[jobs] %s failed: %v", final.Key, jobErr)
		if m.recorder != nil {
			if err := m.recorder.RecordJob(context.WithoutCancel(ctx), Record{Status: final, Departures: sum.Departures}); err != nil {
				monitoring.Logf("[jobs] failed to record failure of %s: %v", final.Key, err)
			}
		}
	} else {
		monitoring.Logf("[jobs] %s done: %d frames, %.2fs, %d departures in %v",
			final.Key, sum.Frames, sum.Duration, len(sum.Departures), now.Sub(*final.StartedAt))
	}

	e.publish(func(s *Status) { *s = final })
}

func (m *Manager) writeArtifacts(key string, sum pipeline.Summary) error {
	if err := m.fs.MkdirAll(m.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	departures := sum.Departures
	if departures == nil {
		departures = []float64{}
	}
	data, err := json.Marshal(departures)
	if err != nil {
		return err
	}
	if err := m.fs.WriteFile(m.ArtifactPath(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write departures: %w", err)
	}

	if m.opts.Timeline != nil {
		png, err := m.opts.Timeline.RenderTimeline(key, sum)
		if err != nil {
			return fmt.Errorf("failed to render timeline: %w", err)
		}
		if err := m.fs.WriteFile(m.TimelinePath(key), png, 0o644); err != nil {
			return fmt.Errorf("failed to write timeline: %w", err)
		}
	}
	return nil
}

// Progress returns the job's progress, 0 for unknown keys.
func (m *Manager) Progress(key string) float64 {
	st, ok := m.store.Get(key)
	if !ok {
		return 0
	}
	return st.Progress
}

// Status returns the job's snapshot, or a not_found status.
func (m *Manager) Status(key string) Status {
	st, ok := m.store.Get(key)
	if !ok {
		return Status{Key: key, State: StateNotFound}
	}
	return st
}

// Departures reads the departure list artefact of a finished job.
func (m *Manager) Departures(key string) ([]float64, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := m.fs.ReadFile(m.ArtifactPath(key))
	if err != nil {
		return nil, err
	}
	var out []float64
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("corrupt departures for %s: %w", key, err)
	}
	return out, nil
}

// List returns every known job ordered by start time, newest first.
func (m *Manager) List() []Status {
	out := m.store.List()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		if a == nil || b == nil {
			return out[i].Key < out[j].Key
		}
		if a.Equal(*b) {
			return out[i].Key < out[j].Key
		}
		return a.After(*b)
	})
	return out
}

// Cancel asks a running job to stop before its next frame.
func (m *Manager) Cancel(key string) error {
	e, ok := m.store.get(key)
	if !ok {
		return ErrUnknownJob
	}
	if e.load().Terminal() {
		return ErrJobFinished
	}
	e.cancel()
	return nil
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels all running jobs and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.store.entries.Range(func(_, v any) bool {
		v.(*entry).cancel()
		return true
	})
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("jobs still running at shutdown"), ctx.Err())
	}
}
