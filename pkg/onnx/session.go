package onnx

import (
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// Tensor names of a YOLOv8/YOLO11 ONNX export
const (
	InputName  = "images"
	OutputName = "output0"
)

type modelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// Destroy releases the session and its tensors. Fields may be nil.
func (m *modelSession) Destroy() error {
	var err error
	if m.session != nil {
		err = multierr.Append(err, m.session.Destroy())
	}
	if m.input != nil {
		err = multierr.Append(err, m.input.Destroy())
	}
	if m.output != nil {
		err = multierr.Append(err, m.output.Destroy())
	}
	return err
}

// modelShape is the tensor geometry of a loaded model
type modelShape struct {
	inputSize   int
	attributes  int
	predictions int
}

func (s modelShape) numClasses() int {
	return s.attributes - 4
}

// readModelShape reads the model's declared output shape. Dynamic dimensions fall
// back to the configured input size and the anchor count YOLO heads produce
// for it.
func readModelShape(modelPath string, inputSize, numClasses int) (modelShape, error) {
	shape := modelShape{
		inputSize:   inputSize,
		attributes:  4 + numClasses,
		predictions: anchorCount(inputSize),
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return shape, errors.Wrap(err, "failed to read model metadata")
	}

	for _, in := range inputs {
		if in.Name == InputName && len(in.Dimensions) == 4 && in.Dimensions[2] > 0 {
			shape.inputSize = int(in.Dimensions[2])
			shape.predictions = anchorCount(shape.inputSize)
		}
	}
	for _, out := range outputs {
		if out.Name != OutputName || len(out.Dimensions) != 3 {
			continue
		}
		if out.Dimensions[1] > 4 {
			shape.attributes = int(out.Dimensions[1])
		}
		if out.Dimensions[2] > 0 {
			shape.predictions = int(out.Dimensions[2])
		}
	}

	if shape.numClasses() < 1 {
		return shape, errors.Errorf("model output has %d attributes, need at least 5", shape.attributes)
	}
	return shape, nil
}

// anchorCount is the number of predictions a YOLOv8 head emits for a square
// input: one per cell of the stride 8, 16 and 32 grids
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := size / stride
		n += g * g
	}
	return n
}

func newModelSession(modelPath string, shape modelShape, threads int) (*modelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		return nil, errors.Wrap(err, "error setting inter-op threads")
	}

	ms := &modelSession{}

	ms.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(shape.inputSize), int64(shape.inputSize)))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}

	ms.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(shape.attributes), int64(shape.predictions)))
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "error creating output tensor"), ms.Destroy())
	}

	ms.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{InputName},
		[]string{OutputName},
		[]ort.ArbitraryTensor{ms.input},
		[]ort.ArbitraryTensor{ms.output},
		options,
	)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "error creating session"), ms.Destroy())
	}

	return ms, nil
}
