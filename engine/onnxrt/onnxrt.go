// Package onnxrt runs a frozen backbone exported to ONNX through ONNX
// Runtime. The exported graph takes one NHWC float32 input and produces
// the backbone's last feature map.
package onnxrt

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// acquire initializes the shared ONNX Runtime environment on first use
func acquire(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "initializing ONNX Runtime")
		}
	}
	envRefs++
	return nil
}

func release() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// Runtime creates feature extractors backed by ONNX Runtime
type Runtime struct {
	// LibraryPath of the onnxruntime shared library. Empty uses the
	// platform default.
	LibraryPath string
	Logger      *zap.Logger
}

// NewFeatureExtractor loads weightsPath and binds it to fixed size
// tensors for batchSize samples shaped like frozen.
func (r Runtime) NewFeatureExtractor(frozen *layers.Sequential, weightsPath string, batchSize int) (engine.FeatureExtractor, error) {
	if frozen == nil {
		return engine.Identity{}, nil
	}
	if batchSize < 1 {
		return nil, errors.Configuration("batch_size", "must be at least 1, got %d", batchSize)
	}
	if err := acquire(r.LibraryPath); err != nil {
		return nil, errors.Training("backbone", err)
	}
	fe, err := newExtractor(weightsPath, frozen.InputShape, frozen.OutputShape, batchSize)
	if err != nil {
		release()
		return nil, err
	}
	if r.Logger != nil {
		r.Logger.Info("Loaded frozen backbone",
			zap.String("path", weightsPath),
			zap.String("input", fe.inputName),
			zap.String("output", fe.outputName),
			zap.Ints("feature_shape", frozen.OutputShape))
	}
	return fe, nil
}

// Extractor is an engine.FeatureExtractor over one ONNX Runtime session
type Extractor struct {
	session    *ort.AdvancedSession
	input      *ort.Tensor[float32]
	output     *ort.Tensor[float32]
	inputName  string
	outputName string
	batchSize  int
	inRow      int
	outShape   []int
	scratch    []float32
}

func newExtractor(path string, inShape, outShape []int, batchSize int) (*Extractor, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errors.Dataset(path, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, errors.Datasetf(path, "expected one input and at least one output, got %d and %d", len(inputs), len(outputs))
	}
	if err := checkDims(inputs[0].Dimensions, inShape); err != nil {
		return nil, errors.Dataset(path, errors.Wrap(err, "input "+inputs[0].Name))
	}
	if err := checkDims(outputs[0].Dimensions, outShape); err != nil {
		return nil, errors.Dataset(path, errors.Wrap(err, "output "+outputs[0].Name))
	}

	in, err := ort.NewEmptyTensor[float32](batchShape(batchSize, inShape))
	if err != nil {
		return nil, errors.Training("backbone", err)
	}
	out, err := ort.NewEmptyTensor[float32](batchShape(batchSize, outShape))
	if err != nil {
		in.Destroy()
		return nil, errors.Training("backbone", err)
	}
	session, err := ort.NewAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out},
		nil)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, errors.Training("backbone", errors.Wrapf(err, "creating session for %s", path))
	}

	return &Extractor{
		session:    session,
		input:      in,
		output:     out,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		batchSize:  batchSize,
		inRow:      product(inShape),
		outShape:   append([]int(nil), outShape...),
	}, nil
}

// Extract runs the backbone over inputs shaped [n, h, w, c] with n no
// larger than the batch size the extractor was created for.
func (e *Extractor) Extract(inputs []float32, shape []int) ([]float32, []int, error) {
	if len(shape) == 0 || engine.RowSize(shape) != e.inRow {
		return nil, nil, errors.Training("backbone", fmt.Errorf("input shape %v does not match backbone input of %d values", shape, e.inRow))
	}
	n := shape[0]
	if n < 1 || n > e.batchSize || len(inputs) != n*e.inRow {
		return nil, nil, errors.Training("backbone", fmt.Errorf("batch of %d samples (%d values) for batch size %d", n, len(inputs), e.batchSize))
	}

	data := e.input.GetData()
	if n == e.batchSize {
		copy(data, inputs)
	} else {
		e.scratch = engine.PadBatch(e.scratch, inputs, e.inRow, e.batchSize)
		copy(data, e.scratch)
	}
	if err := e.session.Run(); err != nil {
		return nil, nil, errors.Training("backbone", errors.Wrap(err, "running session"))
	}

	outRow := product(e.outShape)
	features := make([]float32, n*outRow)
	copy(features, e.output.GetData()[:n*outRow])
	return features, append([]int{n}, e.outShape...), nil
}

// Close releases the session and its tensors
func (e *Extractor) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	e.session = nil
	release()
	return errors.Wrap(err, "destroying session")
}

// checkDims compares a model's declared dimensions, batch first, with a
// per-sample shape. Dynamic dimensions (< 1) match anything.
func checkDims(declared ort.Shape, sample []int) error {
	if len(declared) != len(sample)+1 {
		return fmt.Errorf("rank %d, want %d", len(declared), len(sample)+1)
	}
	for i, d := range declared[1:] {
		if d > 0 && int(d) != sample[i] {
			return fmt.Errorf("dimension %d is %d, want %d", i+1, d, sample[i])
		}
	}
	return nil
}

func batchShape(n int, sample []int) ort.Shape {
	dims := make([]int64, 0, len(sample)+1)
	dims = append(dims, int64(n))
	for _, d := range sample {
		dims = append(dims, int64(d))
	}
	return ort.NewShape(dims...)
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
