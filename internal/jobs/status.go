// Package jobs runs lane conversions as detached background jobs and keeps
// their status for polling clients.
package jobs

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a conversion job.
type State string

const (
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateError      State = "error"
	StateNotFound   State = "not_found"
)

// ProgressFailed is the progress value of a failed job.
const ProgressFailed = -1.0

var (
	// ErrJobExists is returned when starting a job whose key is already known.
	ErrJobExists = errors.New("job already exists")
	// ErrUnknownJob is returned for operations on a key the manager never saw.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
	// ErrInvalidKey is returned for keys that are not plain file names.
	ErrInvalidKey = errors.New("invalid job key")
)

// Status is an immutable snapshot of a job.
type Status struct {
	Key        string     `json:"key,omitempty"`
	Source     string     `json:"source,omitempty"`
	State      State      `json:"status"`
	Progress   float64    `json:"progress"`
	Duration   *float64   `json:"duration,omitempty"`
	Error      string     `json:"error,omitempty"`
	Departures int        `json:"departures,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	return s.State == StateDone || s.State == StateError
}

// entry holds the current snapshot of one job. Only the job's worker
// publishes new snapshots; readers load without blocking it.
type entry struct {
	status atomic.Pointer[Status]
	cancel func()
}

func (e *entry) load() Status {
	return *e.status.Load()
}

// publish applies fn to a copy of the current snapshot and stores it unless
// the job is already terminal.
func (e *entry) publish(fn func(*Status)) bool {
	cur := e.status.Load()
	if cur.Terminal() {
		return false
	}
	next := *cur
	fn(&next)
	e.status.Store(&next)
	return true
}

// Store maps job keys to their entries. Entries are never removed.
type Store struct {
	entries sync.Map // string -> *entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) create(key string, initial Status, cancel func()) (*entry, error) {
	e := &entry{cancel: cancel}
	e.status.Store(&initial)
	if _, loaded := s.entries.LoadOrStore(key, e); loaded {
		return nil, ErrJobExists
	}
	return e, nil
}

func (s *Store) get(key string) (*entry, bool) {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Get returns the snapshot for key.
func (s *Store) Get(key string) (Status, bool) {
	e, ok := s.get(key)
	if !ok {
		return Status{}, false
	}
	return e.load(), true
}

// List returns a snapshot of every job, in no particular order.
func (s *Store) List() []Status {
	var out []Status
	s.entries.Range(func(_, v any) bool {
		out = append(out, v.(*entry).load())
		return true
	})
	return out
}
