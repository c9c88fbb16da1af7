//go:build darwin && cgo

package metal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-metal/cgo_bridge"
	"github.com/tsawler/go-metal/checkpoints"
	gmengine "github.com/tsawler/go-metal/engine"
	gmlayers "github.com/tsawler/go-metal/layers"
	"github.com/tsawler/go-metal/memory"
	gmtraining "github.com/tsawler/go-metal/training"
	"go.uber.org/zap"

	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
)

// Available reports whether this build can train on go-metal
const Available = true

// Runtime creates go-metal trainers and classifiers
type Runtime struct {
	Logger *zap.Logger
}

// NewTrainer compiles trainable into a go-metal dynamic training engine
// with an Adam optimizer and a cross-entropy loss over its logits.
func (r Runtime) NewTrainer(trainable *layers.Sequential, cfg engine.TrainerConfig) (engine.Trainer, error) {
	plan, err := NewPlan(trainable)
	if err != nil {
		return nil, err
	}
	spec, err := plan.ModelSpec(cfg.BatchSize)
	if err != nil {
		return nil, errors.Training("build", err)
	}
	bridge := cgo_bridge.TrainingConfig{
		LearningRate:  float32(cfg.LearningRate),
		Beta1:         float32(cfg.Beta1),
		Beta2:         float32(cfg.Beta2),
		Epsilon:       float32(cfg.Epsilon),
		WeightDecay:   float32(cfg.WeightDecay),
		OptimizerType: cgo_bridge.Adam,
	}
	me, err := gmengine.NewModelTrainingEngineDynamic(spec, bridge)
	if err != nil {
		return nil, errors.Training("build", errors.Wrap(err, "creating go-metal engine"))
	}
	if r.Logger != nil {
		r.Logger.Info("Created go-metal trainer",
			zap.Int("features", plan.Features),
			zap.Int("classes", plan.NumClasses),
			zap.Int64("parameters", spec.TotalParameters))
	}
	return &Trainer{
		engine:    me,
		spec:      spec,
		plan:      plan,
		batchSize: cfg.BatchSize,
		lr:        float32(cfg.LearningRate),
	}, nil
}

// ModelSpec builds the go-metal model for batches of batchSize rows
func (p *Plan) ModelSpec(batchSize int) (*gmlayers.ModelSpec, error) {
	b := gmlayers.NewModelBuilder([]int{batchSize, p.Features})
	for _, s := range p.Steps {
		switch s.Kind {
		case StepDense:
			b.AddDense(s.Units, s.UseBias, s.Name)
		case StepReLU:
			b.AddReLU(s.Name)
		case StepSoftmax:
			b.AddSoftmax(-1, s.Name)
		case StepDropout:
			b.AddDropout(s.Rate, s.Name)
		case StepBatchNorm:
			b.AddBatchNorm(s.Features, s.Epsilon, 0.01, true, s.Name)
		default:
			return nil, fmt.Errorf("unknown step %s", s.Kind)
		}
	}
	return b.Compile()
}

// Trainer is an engine.Trainer over a go-metal training engine
type Trainer struct {
	engine    *gmengine.ModelTrainingEngine
	spec      *gmlayers.ModelSpec
	plan      *Plan
	batchSize int
	lr        float32
	step      int

	rows   []float32
	labels []float32
}

// TrainBatch runs one Adam step. The logits are computed before the
// update. Short batches are padded by repeating samples.
func (t *Trainer) TrainBatch(inputs []float32, shape []int, labels []int32) (engine.StepResult, error) {
	n, err := t.checkBatch(inputs, shape)
	if err != nil {
		return engine.StepResult{}, err
	}
	if len(labels) != n {
		return engine.StepResult{}, errors.Training("train", fmt.Errorf("%d labels for %d samples", len(labels), n))
	}

	logits, err := t.Predict(inputs, shape)
	if err != nil {
		return engine.StepResult{}, err
	}

	rows := inputs
	if n < t.batchSize {
		t.rows = engine.PadBatch(t.rows, inputs, t.plan.Features, t.batchSize)
		rows = t.rows
		labels = padLabels(labels, t.batchSize)
	}
	input, err := t.upload(rows, []int{t.batchSize, t.plan.Features})
	if err != nil {
		return engine.StepResult{}, errors.Training("train", err)
	}
	defer input.Release()

	t.labels, err = oneHot(t.labels, labels, t.plan.NumClasses)
	if err != nil {
		return engine.StepResult{}, errors.Training("train", err)
	}
	target, err := t.upload(t.labels, []int{t.batchSize, t.plan.NumClasses})
	if err != nil {
		return engine.StepResult{}, errors.Training("train", err)
	}
	defer target.Release()

	loss, err := t.engine.ExecuteModelTrainingStepWithAdam(input, target)
	if err != nil {
		return engine.StepResult{}, errors.Training("train", errors.Wrapf(err, "step %d", t.step))
	}
	t.step++
	return engine.StepResult{Loss: float64(loss), Logits: logits}, nil
}

// Predict returns logits [n * numClasses]
func (t *Trainer) Predict(inputs []float32, shape []int) ([]float32, error) {
	n, err := t.checkBatch(inputs, shape)
	if err != nil {
		return nil, err
	}
	rows := inputs
	if n < t.batchSize {
		t.rows = engine.PadBatch(t.rows, inputs, t.plan.Features, t.batchSize)
		rows = t.rows
	}
	input, err := t.upload(rows, []int{t.batchSize, t.plan.Features})
	if err != nil {
		return nil, errors.Training("predict", err)
	}
	defer input.Release()

	result, err := t.engine.ExecuteInference(input, t.batchSize)
	if err != nil {
		return nil, errors.Training("predict", err)
	}
	out := make([]float32, n*t.plan.NumClasses)
	copy(out, result.Predictions)
	return out, nil
}

// Save writes the current weights as a go-metal ONNX checkpoint
func (t *Trainer) Save(path string) error {
	weights, err := checkpoints.ExtractWeightsFromTensors(t.engine.GetParameterTensors(), t.spec)
	if err != nil {
		return errors.Training("save", errors.Wrap(err, "extracting weights"))
	}
	cp := &checkpoints.Checkpoint{
		ModelSpec: t.spec,
		Weights:   weights,
		TrainingState: checkpoints.TrainingState{
			Step:         t.step,
			TotalSteps:   t.step,
			LearningRate: t.lr,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-metal",
			CreatedAt: time.Now(),
		},
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Training("save", err)
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX)
	if err := saver.SaveCheckpoint(cp, path); err != nil {
		return errors.Training("save", errors.Wrapf(err, "writing %s", path))
	}
	return nil
}

// Close releases GPU resources
func (t *Trainer) Close() error {
	if t.engine != nil {
		t.engine.Cleanup()
		t.engine = nil
	}
	return nil
}

func (t *Trainer) checkBatch(inputs []float32, shape []int) (int, error) {
	if len(shape) == 0 || engine.RowSize(shape) != t.plan.Features {
		return 0, errors.Training("train", fmt.Errorf("input shape %v does not match %d features", shape, t.plan.Features))
	}
	n := shape[0]
	if n < 1 || n > t.batchSize || len(inputs) != n*t.plan.Features {
		return 0, errors.Training("train", fmt.Errorf("batch of %d samples (%d values) for batch size %d", n, len(inputs), t.batchSize))
	}
	return n, nil
}

func (t *Trainer) upload(data []float32, shape []int) (*memory.Tensor, error) {
	tensor, err := memory.NewTensor(shape, memory.Float32, memory.GPU)
	if err != nil {
		return nil, errors.Wrap(err, "creating tensor")
	}
	if err := cgo_bridge.CopyFloat32ArrayToMetalBuffer(tensor.MetalBuffer(), data); err != nil {
		tensor.Release()
		return nil, errors.Wrap(err, "copying to GPU")
	}
	return tensor, nil
}

// LoadClassifier loads a head saved by Trainer.Save
func (r Runtime) LoadClassifier(path string) (engine.Classifier, error) {
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX)
	cp, err := saver.LoadCheckpoint(path)
	if err != nil {
		return nil, errors.Dataset(path, err)
	}
	spec := cp.ModelSpec
	if spec == nil || len(spec.InputShape) != 2 || len(spec.OutputShape) != 2 {
		return nil, errors.Datasetf(path, "not a trained head")
	}
	inf, err := gmtraining.NewModelInferencer(spec, gmtraining.InferencerConfig{
		BatchSize:              spec.InputShape[0],
		UseDynamicEngine:       true,
		BatchNormInferenceMode: true,
	})
	if err != nil {
		return nil, errors.Training("load", err)
	}
	if err := inf.LoadWeights(cp.Weights); err != nil {
		inf.Cleanup()
		return nil, errors.Training("load", err)
	}
	return &Classifier{
		inferencer: inf,
		batchSize:  spec.InputShape[0],
		features:   spec.InputShape[1],
		numClasses: spec.OutputShape[1],
	}, nil
}

// Classifier runs a saved head with a go-metal inferencer
type Classifier struct {
	inferencer *gmtraining.ModelInferencer
	batchSize  int
	features   int
	numClasses int
	rows       []float32
}

// NumClasses of the head
func (c *Classifier) NumClasses() int { return c.numClasses }

// Predict returns logits [n * numClasses] for any n, running in chunks
// of the compiled batch size.
func (c *Classifier) Predict(inputs []float32, shape []int) ([]float32, error) {
	if len(shape) == 0 || engine.RowSize(shape) != c.features || len(inputs) != shape[0]*c.features {
		return nil, errors.Training("predict", fmt.Errorf("input shape %v does not match %d features", shape, c.features))
	}
	n := shape[0]
	out := make([]float32, 0, n*c.numClasses)
	for start := 0; start < n; start += c.batchSize {
		end := start + c.batchSize
		if end > n {
			end = n
		}
		chunk := engine.PadBatch(c.rows, inputs[start*c.features:end*c.features], c.features, c.batchSize)
		c.rows = chunk
		result, err := c.inferencer.Predict(chunk, []int{c.batchSize, c.features})
		if err != nil {
			return nil, errors.Training("predict", err)
		}
		out = append(out, result.Predictions[:(end-start)*c.numClasses]...)
	}
	return out, nil
}

// Close releases GPU resources
func (c *Classifier) Close() error {
	if c.inferencer != nil {
		c.inferencer.Cleanup()
		c.inferencer = nil
	}
	return nil
}
