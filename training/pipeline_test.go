package training

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-metal-transfer/artifact"
	"github.com/tsawler/go-metal-transfer/config"
	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
)

// fakeExtractor reduces an NHWC batch to its channel means, padded to the
// 1x1x1024 output of MobileNet at 32 pixels.
type fakeExtractor struct {
	calls int
}

const fakeFeatures = 1024

func (f *fakeExtractor) Extract(inputs []float32, shape []int) ([]float32, []int, error) {
	f.calls++
	n := shape[0]
	row := engine.RowSize(shape)
	out := make([]float32, n*fakeFeatures)
	for i := 0; i < n; i++ {
		pixels := inputs[i*row : (i+1)*row]
		for c := 0; c < 3; c++ {
			var sum float32
			for j := c; j < len(pixels); j += 3 {
				sum += pixels[j]
			}
			out[i*fakeFeatures+c] = sum / float32(len(pixels)/3)
		}
	}
	return out, []int{n, 1, 1, fakeFeatures}, nil
}

func (f *fakeExtractor) Close() error { return nil }

// fakeTrainer reads the logit of class c from feature c
type fakeTrainer struct {
	fs      afero.Fs
	classes int
	steps   int
	saved   []string
	closed  bool
}

func (f *fakeTrainer) TrainBatch(inputs []float32, shape []int, labels []int32) (engine.StepResult, error) {
	f.steps++
	logits, err := f.Predict(inputs, shape)
	if err != nil {
		return engine.StepResult{}, err
	}
	return engine.StepResult{Loss: 1 / float64(f.steps), Logits: logits}, nil
}

func (f *fakeTrainer) Predict(inputs []float32, shape []int) ([]float32, error) {
	row := engine.RowSize(shape)
	logits := make([]float32, shape[0]*f.classes)
	for i := 0; i < shape[0]; i++ {
		copy(logits[i*f.classes:(i+1)*f.classes], inputs[i*row:i*row+f.classes])
	}
	return logits, nil
}

func (f *fakeTrainer) Save(path string) error {
	f.saved = append(f.saved, path)
	return afero.WriteFile(f.fs, path, []byte("weights"), 0644)
}

func (f *fakeTrainer) Close() error {
	f.closed = true
	return nil
}

type fakeEngines struct {
	fs         afero.Fs
	extractor  *fakeExtractor
	trainer    *fakeTrainer
	trainerErr error
	weights    string
}

func (f *fakeEngines) NewFeatureExtractor(frozen *layers.Sequential, weightsPath string, batchSize int) (engine.FeatureExtractor, error) {
	f.weights = weightsPath
	f.extractor = &fakeExtractor{}
	return f.extractor, nil
}

func (f *fakeEngines) NewTrainer(trainable *layers.Sequential, cfg engine.TrainerConfig) (engine.Trainer, error) {
	if f.trainerErr != nil {
		return nil, f.trainerErr
	}
	f.trainer = &fakeTrainer{fs: f.fs, classes: trainable.OutputShape[0]}
	return f.trainer, nil
}

func (f *fakeEngines) LoadClassifier(string) (engine.Classifier, error) {
	return nil, fmt.Errorf("not supported")
}

func solidPNG(t *testing.T, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// dogsAndCats writes 20 red dogs and 20 green cats under data/
func dogsAndCats(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	colors := map[string]color.RGBA{
		"dog": {R: 255, A: 255},
		"cat": {G: 255, A: 255},
	}
	for class, c := range colors {
		data := solidPNG(t, c)
		for i := 0; i < 20; i++ {
			path := filepath.Join("data", class, fmt.Sprintf("%s%02d.png", class, i))
			require.NoError(t, afero.WriteFile(fs, path, data, 0644))
		}
	}
	return fs
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Classes = []string{"dog", "cat"}
	cfg.DatasetRoot = "data"
	cfg.ModelsDir = "models"
	cfg.OutputDir = "out"
	cfg.ImageSize = 32
	cfg.Epochs = 10
	cfg.BatchSize = 8
	cfg.Workers = 2
	return cfg
}

func TestPipelineRun(t *testing.T) {
	fs := dogsAndCats(t)
	engines := &fakeEngines{fs: fs}
	var progress bytes.Buffer
	p := NewPipeline(fs, engines, nil, &progress)

	res, err := p.Run(context.Background(), testConfig())
	require.NoError(t, err)

	t.Run("Split", func(t *testing.T) {
		require.Len(t, res.Split.Classes, 2)
		for _, cs := range res.Split.Classes {
			assert.Len(t, cs.Train, 13, cs.Class)
			assert.Len(t, cs.Validation, 2, cs.Class)
			assert.Len(t, cs.Test, 5, cs.Class)
		}
	})

	t.Run("EarlyStopping", func(t *testing.T) {
		// validation is perfect from the first epoch and never improves
		assert.Equal(t, 4, res.History.Len())
		assert.Equal(t, 4, res.StoppedEpoch)
		assert.Equal(t, 1, res.BestEpoch)
		first := res.History.Epochs[0]
		assert.Equal(t, 1.0, first.Accuracy)
		assert.Equal(t, 1.0, first.ValAccuracy)
		assert.InDelta(t, math.Log1p(math.Exp(-2)), first.ValLoss, 1e-5)
	})

	t.Run("Test", func(t *testing.T) {
		assert.Equal(t, 1.0, res.TestAccuracy)
		assert.Len(t, res.Predictions, 10)
		assert.Equal(t, res.Truth, res.Predictions)
		assert.Equal(t, [][]int{{5, 0}, {0, 5}}, res.Matrix.Matrix)
		assert.Equal(t, 2, len(res.Mapping))
		assert.Equal(t, 10, res.Mapping.Len())
	})

	t.Run("FeatureCache", func(t *testing.T) {
		// 4 train batches per epoch, validation once, test twice
		assert.Equal(t, 19, engines.extractor.calls)
		assert.Equal(t, filepath.Join("weights", "mobilenet_notop.onnx"), engines.weights)
	})

	t.Run("Artifacts", func(t *testing.T) {
		assert.Equal(t, "cat_dog_mobilenet", res.Paths.ID)
		assert.Equal(t, []string{res.Paths.Checkpoint, res.Paths.Model}, engines.trainer.saved)
		assert.True(t, engines.trainer.closed)

		for _, path := range []string{
			res.Paths.Model,
			res.Paths.Checkpoint,
			res.Paths.LearningCurve,
			res.Paths.ConfusionMatrix,
			res.Paths.ConfusionMapping,
		} {
			ok, err := afero.Exists(fs, path)
			require.NoError(t, err)
			assert.True(t, ok, path)
		}

		checkpoint, err := artifact.ReadMetadata(fs, res.Paths.Checkpoint)
		require.NoError(t, err)
		assert.Equal(t, artifact.KindCheckpoint, checkpoint.Kind)
		assert.Equal(t, 1, checkpoint.Epoch)
		assert.Nil(t, checkpoint.Metrics.TestAccuracy)

		model, err := artifact.ReadMetadata(fs, res.Paths.Model)
		require.NoError(t, err)
		assert.Equal(t, artifact.KindModel, model.Kind)
		assert.Equal(t, res.RunID, model.RunID)
		assert.Equal(t, []string{"dog", "cat"}, model.Classes)
		assert.Equal(t, 4, model.Epoch)
		require.NotNil(t, model.Metrics.TestAccuracy)
		assert.Equal(t, 1.0, *model.Metrics.TestAccuracy)
		assert.Equal(t, engines.weights, model.BackboneWeights)
	})

	t.Run("Progress", func(t *testing.T) {
		out := progress.String()
		assert.Contains(t, out, "Epoch 1/10")
		assert.Contains(t, out, "Epoch 4/10")
		assert.NotContains(t, out, "Epoch 5/10")
	})
}

func TestPipelineRunErrors(t *testing.T) {
	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testConfig()
		cfg.Epochs = 0
		_, err := NewPipeline(afero.NewMemMapFs(), &fakeEngines{}, nil, nil).Run(context.Background(), cfg)
		assert.True(t, errors.IsConfiguration(err))
	})

	t.Run("MissingClass", func(t *testing.T) {
		fs := dogsAndCats(t)
		cfg := testConfig()
		cfg.Classes = []string{"dog", "bird"}
		_, err := NewPipeline(fs, &fakeEngines{fs: fs}, nil, nil).Run(context.Background(), cfg)
		assert.True(t, errors.IsDataset(err))
	})

	t.Run("TrainerFails", func(t *testing.T) {
		fs := dogsAndCats(t)
		engines := &fakeEngines{fs: fs, trainerErr: fmt.Errorf("no device")}
		_, err := NewPipeline(fs, engines, nil, nil).Run(context.Background(), testConfig())
		assert.True(t, errors.IsTraining(err))
	})

	t.Run("Cancelled", func(t *testing.T) {
		fs := dogsAndCats(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewPipeline(fs, &fakeEngines{fs: fs}, nil, nil).Run(ctx, testConfig())
		assert.True(t, errors.Is(err, context.Canceled), "%v", err)
	})

	t.Run("NoEngines", func(t *testing.T) {
		_, err := NewPipeline(afero.NewMemMapFs(), nil, nil, nil).Run(context.Background(), testConfig())
		assert.True(t, errors.IsTraining(err))
	})
}
