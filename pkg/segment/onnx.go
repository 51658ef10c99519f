/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package segment predicts foreground masks.
//
// The production Segmenter runs a U^2-Net style salient object detection
// model through the ONNX runtime. The runtime is a native shared library
// loaded at NewONNX time; see package execstack for the loader workaround
// some hosts need before that load succeeds.
package segment

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/image-cleaner/pkg/imaging"
)

// Segmenter predicts, for each pixel of an image, how likely it is to
// belong to the foreground.
type Segmenter interface {
	// Segment returns a mask with the bounds size of img.
	Segment(ctx context.Context, img image.Image) (*image.Gray, error)
	Close() error
}

// SegmenterFunc adapts a function to Segmenter.
type SegmenterFunc func(ctx context.Context, img image.Image) (*image.Gray, error)

func (f SegmenterFunc) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	return f(ctx, img)
}

func (f SegmenterFunc) Close() error { return nil }

// defaultInputSize is the spatial size used when the model leaves its
// input dimensions symbolic.
const defaultInputSize = 320

// ONNXOptions configures NewONNX.
type ONNXOptions struct {
	// RuntimeLibrary is the path of the onnxruntime shared object.
	RuntimeLibrary string
	ModelPath      string
	// IntraOpThreads is the thread count inside one inference; 0 keeps
	// the runtime default.
	IntraOpThreads int
}

// ONNX is a Segmenter backed by one ONNX runtime session.
type ONNX struct {
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
}

var _ Segmenter = &ONNX{}

// NewONNX loads the runtime library, initialises the process-wide runtime
// environment and opens a session on the model. The first output of the
// model is taken as the prediction.
func NewONNX(ctx context.Context, opts ONNXOptions) (*ONNX, error) {
	logger := klog.FromContext(ctx).WithName("onnx")

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(opts.RuntimeLibrary)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime from %q: %w", opts.RuntimeLibrary, err)
		}
		logger.Info("Initialized ONNX runtime", "library", opts.RuntimeLibrary)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs and outputs of %q: %w", opts.ModelPath, err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %q has %d inputs and %d outputs, want 1 input and at least 1 output", opts.ModelPath, len(inputs), len(outputs))
	}
	if inputs[0].DataType != ort.TensorElementDataTypeFloat || outputs[0].DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("model %q must take and produce float32 tensors", opts.ModelPath)
	}
	inputShape, err := resolveInputShape(inputs[0].Dimensions)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", opts.ModelPath, err)
	}
	outputShape, err := resolveOutputShape(outputs[0].Dimensions, inputShape)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", opts.ModelPath, err)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOpts.Destroy() //nolint:errcheck
	if opts.IntraOpThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	// Requests are served one at a time, so there is nothing to run in
	// parallel between operators.
	if err := sessionOpts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %q: %w", opts.ModelPath, err)
	}
	logger.Info("Loaded model", "path", opts.ModelPath,
		"input", inputs[0].Name, "inputShape", inputShape.String(),
		"output", outputs[0].Name, "outputShape", outputShape.String(),
		"intraOpThreads", opts.IntraOpThreads)

	return &ONNX{session: session, inputShape: inputShape, outputShape: outputShape}, nil
}

// resolveInputShape expects NCHW with three channels and fills in
// symbolic dimensions.
func resolveInputShape(dims ort.Shape) (ort.Shape, error) {
	if len(dims) != 4 {
		return nil, fmt.Errorf("input has shape %v, want NCHW", dims)
	}
	if dims[1] > 0 && dims[1] != 3 {
		return nil, fmt.Errorf("input has %d channels, want 3", dims[1])
	}
	shape := ort.NewShape(1, 3, dims[2], dims[3])
	for i := 2; i < 4; i++ {
		if shape[i] <= 0 {
			shape[i] = defaultInputSize
		}
	}
	return shape, nil
}

// resolveOutputShape fills the symbolic dimensions of a N1HW (or NHW)
// prediction from the input shape.
func resolveOutputShape(dims ort.Shape, input ort.Shape) (ort.Shape, error) {
	if len(dims) < 3 || len(dims) > 4 {
		return nil, fmt.Errorf("output has shape %v, want N1HW or NHW", dims)
	}
	shape := dims.Clone()
	n := len(shape)
	for i := range shape {
		if shape[i] > 0 {
			continue
		}
		switch i {
		case n - 2:
			shape[i] = input[2]
		case n - 1:
			shape[i] = input[3]
		default:
			shape[i] = 1
		}
	}
	if n == 4 && shape[1] != 1 {
		return nil, fmt.Errorf("output has %d channels, want 1", shape[1])
	}
	return shape, nil
}

// Segment runs the model on img.
func (s *ONNX) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	height, width := int(s.inputShape[2]), int(s.inputShape[3])
	input, err := ort.NewTensor(s.inputShape, imaging.ToTensor(img, width, height))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy() //nolint:errcheck
	output, err := ort.NewEmptyTensor[float32](s.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy() //nolint:errcheck

	s.mu.Lock()
	err = s.session.Run([]ort.Value{input}, []ort.Value{output})
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	n := len(s.outputShape)
	outH, outW := int(s.outputShape[n-2]), int(s.outputShape[n-1])
	b := img.Bounds()
	return imaging.MaskFromPrediction(output.GetData(), outW, outH, b.Dx(), b.Dy())
}

// Close releases the session. The runtime environment stays initialised
// for the life of the process.
func (s *ONNX) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
