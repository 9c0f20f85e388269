// Package gocvnet runs ONNX models through the OpenCV DNN module.
package gocvnet

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"gocv.io/x/gocv"

	"github.com/banshee-data/lane.assist/internal/inference"
	"github.com/banshee-data/lane.assist/internal/tensor"
)

// Backend selects the OpenCV DNN backend/target pair.
type Backend string

const (
	BackendCPU  Backend = "cpu"
	BackendCUDA Backend = "cuda"
)

// Net is an inference.Model backed by a gocv.Net. OpenCV nets are not safe
// for concurrent forward passes, so calls are serialised.
type Net struct {
	mu  sync.Mutex
	net gocv.Net
}

var _ inference.Model = (*Net)(nil)

// Open loads an ONNX model from path.
func Open(path string, backend Backend) (*Net, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ONNX network from %s", path)
	}
	switch backend {
	case BackendCUDA:
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	default:
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	return &Net{net: net}, nil
}

// Loader returns an inference.Loader for use with inference.Slot.LoadAsync.
func Loader(path string, backend Backend) inference.Loader {
	return func() (inference.Model, error) {
		return Open(path, backend)
	}
}

// Infer feeds input as an N-d float32 blob and returns the default output.
func (n *Net) Infer(ctx context.Context, input *tensor.Tensor, inputName string) ([]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input.Len() == 0 {
		return nil, fmt.Errorf("empty input %s", input)
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&input.Data[0])), len(input.Data)*4)
	blob, err := gocv.NewMatWithSizesFromBytes(input.Shape, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build input blob: %w", err)
	}
	defer blob.Close()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.net.SetInput(blob, inputName)
	out := n.net.Forward("")
	defer out.Close()
	if out.Empty() {
		return nil, fmt.Errorf("forward pass produced no output")
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	copied := make([]float32, len(data))
	copy(copied, data)

	t, err := tensor.FromData(copied, out.Size()...)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{t}, nil
}

// Close releases the underlying network.
func (n *Net) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.net.Close()
}
