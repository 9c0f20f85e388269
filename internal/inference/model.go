// Package inference defines the boundary to the opaque lane and depth models.
//
// Models are injected as a Model capability so the pipelines can be driven
// by deterministic stubs in tests. A Slot holds a model that is loaded in
// the background at process start; until the load finishes every call
// reports ErrModelUnavailable.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/tensor"
)

// ErrModelUnavailable is returned when inference is requested before a model
// has been loaded. The HTTP layer maps it to 503.
var ErrModelUnavailable = errors.New("model unavailable")

// Model runs a forward pass. The input tensor is fed under inputName and the
// model's outputs are returned in declaration order.
type Model interface {
	Infer(ctx context.Context, input *tensor.Tensor, inputName string) ([]*tensor.Tensor, error)
}

// ModelFunc adapts an ordinary function to the Model interface.
type ModelFunc func(ctx context.Context, input *tensor.Tensor, inputName string) ([]*tensor.Tensor, error)

// Infer calls f.
func (f ModelFunc) Infer(ctx context.Context, input *tensor.Tensor, inputName string) ([]*tensor.Tensor, error) {
	return f(ctx, input, inputName)
}

// Loader constructs a model, typically by reading weights from disk.
type Loader func() (Model, error)

// Slot is a Model whose implementation arrives later.
type Slot struct {
	name  string
	model atomic.Pointer[Model]
	err   atomic.Pointer[error]
}

// NewSlot returns an empty slot. name is used in log and error messages.
func NewSlot(name string) *Slot {
	return &Slot{name: name}
}

// Name returns the slot name.
func (s *Slot) Name() string { return s.name }

// Set installs m, making the slot ready.
func (s *Slot) Set(m Model) {
	s.model.Store(&m)
}

// Ready reports whether a model has been installed.
func (s *Slot) Ready() bool {
	return s.model.Load() != nil
}

// LoadErr returns the error from the most recent failed load, if any.
func (s *Slot) LoadErr() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// LoadAsync runs load in a new goroutine and installs the result. The
// returned channel is closed once the attempt finishes.
func (s *Slot) LoadAsync(load Loader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := load()
		if err != nil {
			monitoring.Logf("[inference] failed to load %s model: %v", s.name, err)
			s.err.Store(&err)
			return
		}
		s.Set(m)
		monitoring.Logf("[inference] %s model ready", s.name)
	}()
	return done
}

// Infer forwards to the installed model or fails with ErrModelUnavailable.
func (s *Slot) Infer(ctx context.Context, input *tensor.Tensor, inputName string) ([]*tensor.Tensor, error) {
	p := s.model.Load()
	if p == nil {
		return nil, fmt.Errorf("%s: %w", s.name, ErrModelUnavailable)
	}
	return (*p).Infer(ctx, input, inputName)
}
