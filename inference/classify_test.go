package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-metal-transfer/artifact"
	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
)

// meanExtractor reduces NHWC images to their three channel means
type meanExtractor struct {
	closed bool
}

func (m *meanExtractor) Extract(inputs []float32, shape []int) ([]float32, []int, error) {
	n := shape[0]
	row := engine.RowSize(shape)
	out := make([]float32, n*3)
	for i := 0; i < n; i++ {
		pixels := inputs[i*row : (i+1)*row]
		for c := 0; c < 3; c++ {
			var sum float32
			for j := c; j < len(pixels); j += 3 {
				sum += pixels[j]
			}
			out[i*3+c] = sum / float32(len(pixels)/3)
		}
	}
	return out, []int{n, 3}, nil
}

func (m *meanExtractor) Close() error {
	m.closed = true
	return nil
}

// channelHead scores class c with channel c
type channelHead struct {
	classes int
	closed  bool
}

func (h *channelHead) Predict(inputs []float32, shape []int) ([]float32, error) {
	row := engine.RowSize(shape)
	out := make([]float32, shape[0]*h.classes)
	for i := 0; i < shape[0]; i++ {
		copy(out[i*h.classes:(i+1)*h.classes], inputs[i*row:i*row+h.classes])
	}
	return out, nil
}

func (h *channelHead) NumClasses() int { return h.classes }

func (h *channelHead) Close() error {
	h.closed = true
	return nil
}

type fakeFactory struct {
	extractor *meanExtractor
	head      *channelHead
	weights   string
	headErr   error
}

func (f *fakeFactory) NewFeatureExtractor(frozen *layers.Sequential, weightsPath string, batchSize int) (engine.FeatureExtractor, error) {
	f.weights = weightsPath
	f.extractor = &meanExtractor{}
	return f.extractor, nil
}

func (f *fakeFactory) NewTrainer(*layers.Sequential, engine.TrainerConfig) (engine.Trainer, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeFactory) LoadClassifier(string) (engine.Classifier, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return f.head, nil
}

func writeImage(t *testing.T, fs afero.Fs, path string, c color.RGBA) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0644))
}

const modelPath = "models/cat_dog_mobilenet_model.onnx"

func setup(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, artifact.WriteMetadata(fs, modelPath, &artifact.Metadata{
		ID:              "cat_dog_mobilenet",
		Kind:            artifact.KindModel,
		Backbone:        "mobilenet",
		Classes:         []string{"dog", "cat"},
		ImageSize:       32,
		Layout:          "NHWC",
		BackboneWeights: "weights/mobilenet_notop.onnx",
	}))
	writeImage(t, fs, "in/red.png", color.RGBA{R: 255, A: 255})
	writeImage(t, fs, "in/green.png", color.RGBA{G: 255, A: 255})
	writeImage(t, fs, "in/red2.png", color.RGBA{R: 255, A: 255})
	return fs
}

func TestClassify(t *testing.T) {
	fs := setup(t)
	factory := &fakeFactory{head: &channelHead{classes: 2}}
	c, err := Load(fs, factory, modelPath, Config{BatchSize: 2, Workers: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "weights/mobilenet_notop.onnx", factory.weights)
	assert.Equal(t, "cat_dog_mobilenet", c.Metadata().ID)

	preds, err := c.Classify(context.Background(), []string{"in/red.png", "in/green.png", "in/red2.png"})
	require.NoError(t, err)
	require.Len(t, preds, 3)

	// ScaleToUnitRange maps a red pixel to (1, -1, -1)
	want := math.Exp(2) / (1 + math.Exp(2))
	for i, tc := range []struct {
		path  string
		class string
		index int
	}{
		{"in/red.png", "dog", 0},
		{"in/green.png", "cat", 1},
		{"in/red2.png", "dog", 0},
	} {
		assert.Equal(t, tc.path, preds[i].Path)
		assert.Equal(t, tc.class, preds[i].Class)
		assert.Equal(t, tc.index, preds[i].Index)
		assert.InDelta(t, want, preds[i].Confidence, 1e-5)
		require.Len(t, preds[i].Scores, 2)
		assert.Equal(t, tc.class, preds[i].Scores[0].Class)
		assert.InDelta(t, 1, preds[i].Scores[0].Confidence+preds[i].Scores[1].Confidence, 1e-5)
	}

	require.NoError(t, c.Close())
	assert.True(t, factory.extractor.closed)
	assert.True(t, factory.head.closed)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingMetadata", func(t *testing.T) {
		_, err := Load(afero.NewMemMapFs(), &fakeFactory{}, modelPath, DefaultConfig(), nil)
		assert.True(t, errors.IsDataset(err))
	})

	t.Run("BadConfig", func(t *testing.T) {
		_, err := Load(setup(t), &fakeFactory{}, modelPath, Config{}, nil)
		assert.True(t, errors.IsConfiguration(err))
	})

	t.Run("ClassMismatch", func(t *testing.T) {
		factory := &fakeFactory{head: &channelHead{classes: 3}}
		_, err := Load(setup(t), factory, modelPath, DefaultConfig(), nil)
		assert.True(t, errors.IsTraining(err))
		assert.True(t, factory.extractor.closed)
	})

	t.Run("HeadFails", func(t *testing.T) {
		factory := &fakeFactory{headErr: fmt.Errorf("unavailable")}
		_, err := Load(setup(t), factory, modelPath, DefaultConfig(), nil)
		assert.True(t, errors.IsTraining(err))
		assert.True(t, factory.extractor.closed)
	})

	t.Run("MissingImage", func(t *testing.T) {
		c, err := Load(setup(t), &fakeFactory{head: &channelHead{classes: 2}}, modelPath, DefaultConfig(), nil)
		require.NoError(t, err)
		defer c.Close()
		_, err = c.Classify(context.Background(), []string{"in/nope.png"})
		assert.True(t, errors.IsDataset(err))
	})
}
