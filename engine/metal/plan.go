// Package metal trains the trainable part of a model on Apple GPUs with
// go-metal. It needs darwin and cgo; elsewhere every constructor fails
// with a TrainingError.
package metal

import (
	"fmt"

	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
)

// StepKind of a go-metal layer
type StepKind int

const (
	StepDense StepKind = iota
	StepReLU
	StepSoftmax
	StepDropout
	StepBatchNorm
)

func (k StepKind) String() string {
	switch k {
	case StepDense:
		return "Dense"
	case StepReLU:
		return "ReLU"
	case StepSoftmax:
		return "Softmax"
	case StepDropout:
		return "Dropout"
	case StepBatchNorm:
		return "BatchNorm"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// Step is one go-metal layer to build
type Step struct {
	Kind     StepKind
	Name     string
	Units    int
	UseBias  bool
	Features int
	Epsilon  float32
	Rate     float32
}

// Plan is a trainable model expressed in layers go-metal can build. The
// model takes flat rows of Features values.
type Plan struct {
	Features   int
	NumClasses int
	Steps      []Step
}

// NewPlan translates trainable into go-metal steps. go-metal receives
// features as flat rows, so Flatten layers become no-ops and only layers
// acting on 1-D inputs can be expressed. Anything else is a TrainingError
// naming the layer.
func NewPlan(trainable *layers.Sequential) (*Plan, error) {
	if trainable == nil || len(trainable.Layers) == 0 {
		return nil, errors.Training("build", fmt.Errorf("model has no trainable layers"))
	}
	plan := &Plan{Features: product(trainable.InputShape)}
	for _, info := range trainable.Layers {
		l := info.Leaf
		flat := len(info.InputShape) == 1
		switch {
		case l.Type == layers.Flatten:
			continue
		case l.Type == layers.Dense:
			plan.Steps = append(plan.Steps, Step{Kind: StepDense, Name: l.Name, Units: l.Units, UseBias: l.UseBias})
		case l.Type == layers.ReLU:
			plan.Steps = append(plan.Steps, Step{Kind: StepReLU, Name: l.Name})
		case l.Type == layers.Softmax:
			plan.Steps = append(plan.Steps, Step{Kind: StepSoftmax, Name: l.Name})
		case l.Type == layers.Dropout:
			plan.Steps = append(plan.Steps, Step{Kind: StepDropout, Name: l.Name, Rate: l.Rate})
		case l.Type == layers.BatchNorm && flat:
			plan.Steps = append(plan.Steps, Step{Kind: StepBatchNorm, Name: l.Name, Features: info.InputShape[0], Epsilon: l.Epsilon})
		default:
			return nil, errors.Training("build", fmt.Errorf("layer %s (%s, input %v) cannot be trained on go-metal; freeze the backbone",
				l.Name, l.Type, info.InputShape))
		}
	}
	if len(trainable.OutputShape) != 1 {
		return nil, errors.Training("build", fmt.Errorf("trainable output shape %v is not a class vector", trainable.OutputShape))
	}
	plan.NumClasses = trainable.OutputShape[0]
	return plan, nil
}

// Check reports whether trainable can run on go-metal
func Check(trainable *layers.Sequential) error {
	_, err := NewPlan(trainable)
	return err
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// oneHot expands labels into rows of numClasses, reusing dst
func oneHot(dst []float32, labels []int32, numClasses int) ([]float32, error) {
	size := len(labels) * numClasses
	if cap(dst) < size {
		dst = make([]float32, size)
	}
	dst = dst[:size]
	for i := range dst {
		dst[i] = 0
	}
	for i, l := range labels {
		if l < 0 || int(l) >= numClasses {
			return nil, fmt.Errorf("label %d of sample %d out of range [0, %d)", l, i, numClasses)
		}
		dst[i*numClasses+int(l)] = 1
	}
	return dst, nil
}

// padLabels repeats labels cyclically up to size, matching engine.PadBatch
func padLabels(labels []int32, size int) []int32 {
	out := make([]int32, size)
	for i := range out {
		out[i] = labels[i%len(labels)]
	}
	return out
}
