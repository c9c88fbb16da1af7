// Package engine defines what the training pipeline needs from a deep
// learning runtime. Implementations live in engine/onnxrt (frozen backbone
// inference on ONNX Runtime) and engine/metal (head training on go-metal).
package engine

import (
	"github.com/tsawler/go-metal-transfer/layers"
)

// StepResult of one optimizer step
type StepResult struct {
	Loss float64
	// Logits of the batch as seen by the step, [batch * numClasses]
	Logits []float32
}

// Trainer owns the trainable part of a model. Inputs are row-major
// [batch, ...] with shape giving every dimension including batch.
type Trainer interface {
	TrainBatch(inputs []float32, shape []int, labels []int32) (StepResult, error)
	Predict(inputs []float32, shape []int) ([]float32, error)
	// Save writes the current weights to path
	Save(path string) error
	Close() error
}

// FeatureExtractor runs the frozen prefix of a model. It returns the
// features row-major together with their shape, batch first.
type FeatureExtractor interface {
	Extract(inputs []float32, shape []int) ([]float32, []int, error)
	Close() error
}

// Classifier runs a saved trainable head
type Classifier interface {
	Predict(inputs []float32, shape []int) ([]float32, error)
	NumClasses() int
	Close() error
}

// TrainerConfig holds optimizer settings. The optimizer is Adam.
type TrainerConfig struct {
	BatchSize    int
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultTrainerConfig returns Adam with the usual Keras constants
func DefaultTrainerConfig(batchSize int, learningRate float64) TrainerConfig {
	return TrainerConfig{
		BatchSize:    batchSize,
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Factory creates engine components. NewFeatureExtractor receives the
// frozen part of the model and the weights file it was exported to.
// NewTrainer receives the trainable part; its input shape is the frozen
// part's output shape.
type Factory interface {
	NewFeatureExtractor(frozen *layers.Sequential, weightsPath string, batchSize int) (FeatureExtractor, error)
	NewTrainer(trainable *layers.Sequential, cfg TrainerConfig) (Trainer, error)
	LoadClassifier(path string) (Classifier, error)
}

// Engines combines one runtime for each half of the model
type Engines struct {
	Extractor interface {
		NewFeatureExtractor(frozen *layers.Sequential, weightsPath string, batchSize int) (FeatureExtractor, error)
	}
	Trainer interface {
		NewTrainer(trainable *layers.Sequential, cfg TrainerConfig) (Trainer, error)
		LoadClassifier(path string) (Classifier, error)
	}
}

// NewFeatureExtractor implements Factory
func (e Engines) NewFeatureExtractor(frozen *layers.Sequential, weightsPath string, batchSize int) (FeatureExtractor, error) {
	return e.Extractor.NewFeatureExtractor(frozen, weightsPath, batchSize)
}

// NewTrainer implements Factory
func (e Engines) NewTrainer(trainable *layers.Sequential, cfg TrainerConfig) (Trainer, error) {
	return e.Trainer.NewTrainer(trainable, cfg)
}

// LoadClassifier implements Factory
func (e Engines) LoadClassifier(path string) (Classifier, error) {
	return e.Trainer.LoadClassifier(path)
}

// Identity is a FeatureExtractor for models without a frozen prefix
type Identity struct{}

// Extract returns inputs unchanged
func (Identity) Extract(inputs []float32, shape []int) ([]float32, []int, error) {
	return inputs, shape, nil
}

// Close does nothing
func (Identity) Close() error { return nil }

// PadBatch copies rows [batch, rowSize] into a buffer of size rows,
// repeating rows cyclically to fill it. Runtimes compiled for a fixed batch
// size use it for the last, short batch.
func PadBatch(dst, src []float32, rowSize, size int) []float32 {
	n := len(src) / rowSize
	if cap(dst) < size*rowSize {
		dst = make([]float32, size*rowSize)
	}
	dst = dst[:size*rowSize]
	for i := 0; i < size; i++ {
		j := i % n
		copy(dst[i*rowSize:(i+1)*rowSize], src[j*rowSize:(j+1)*rowSize])
	}
	return dst
}

// RowSize returns the product of shape[1:]
func RowSize(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}
