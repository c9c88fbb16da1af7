// Package inference classifies images with a model saved by a training run.
// The backbone named in the model's metadata runs on the feature extractor
// and the saved head on the classifier, both created by an engine.Factory.
package inference

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-metal-transfer/artifact"
	"github.com/tsawler/go-metal-transfer/backbone"
	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/metrics"
	"github.com/tsawler/go-metal-transfer/vision/preprocessing"
)

// Config holds inference settings
type Config struct {
	BatchSize int // images per forward pass
	Workers   int // parallel image decoders
}

// DefaultConfig returns a small batch suitable for a handful of images
func DefaultConfig() Config {
	return Config{BatchSize: 16, Workers: 4}
}

func (c Config) validate() error {
	if c.BatchSize <= 0 {
		return errors.Configuration("batch_size", "must be positive, got %d", c.BatchSize)
	}
	if c.Workers <= 0 {
		return errors.Configuration("workers", "must be positive, got %d", c.Workers)
	}
	return nil
}

// Score is the confidence of one class
type Score struct {
	Class      string
	Confidence float64
}

// Prediction for one image. Scores are sorted by decreasing confidence.
type Prediction struct {
	Path       string
	Class      string
	Index      int
	Confidence float64
	Scores     []Score
}

// Classifier runs a saved model over image files
type Classifier struct {
	fs        afero.Fs
	meta      *artifact.Metadata
	kind      backbone.Kind
	config    Config
	extractor engine.FeatureExtractor
	head      engine.Classifier
	logger    *zap.Logger
}

// Load prepares the model saved at modelPath. Its metadata sidecar decides
// the backbone, the image size and the class of every output.
func Load(fs afero.Fs, factory engine.Factory, modelPath string, config Config, logger *zap.Logger) (*Classifier, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	meta, err := artifact.ReadMetadata(fs, modelPath)
	if err != nil {
		return nil, err
	}
	kind, err := meta.BackboneKind()
	if err != nil {
		return nil, err
	}

	model, err := backbone.Build([]int{meta.ImageSize, meta.ImageSize, preprocessing.Channels}, kind, len(meta.Classes), meta.Trainable)
	if err != nil {
		return nil, err
	}
	seq, err := model.Sequential()
	if err != nil {
		return nil, errors.Training("load", err)
	}
	frozen, _, err := seq.Split()
	if err != nil {
		return nil, errors.Training("load", err)
	}
	if frozen != nil && meta.BackboneWeights == "" {
		return nil, errors.Datasetf(artifact.MetadataPath(modelPath), "metadata names no backbone weights for a frozen backbone")
	}

	c := &Classifier{fs: fs, meta: meta, kind: kind, config: config, logger: logger}
	c.extractor, err = factory.NewFeatureExtractor(frozen, meta.BackboneWeights, config.BatchSize)
	if err != nil {
		return nil, errors.Training("load", err)
	}
	c.head, err = factory.LoadClassifier(modelPath)
	if err != nil {
		c.extractor.Close()
		return nil, errors.Training("load", err)
	}
	if n := c.head.NumClasses(); n != len(meta.Classes) {
		c.Close()
		return nil, errors.Training("load", fmt.Errorf("model has %d outputs but metadata lists %d classes", n, len(meta.Classes)))
	}

	logger.Info("Loaded model",
		zap.String("model", modelPath),
		zap.String("id", meta.ID),
		zap.String("backbone", meta.Backbone),
		zap.Strings("classes", meta.Classes),
		zap.Int("epoch", meta.Epoch))
	return c, nil
}

// Metadata returns the metadata of the loaded model
func (c *Classifier) Metadata() *artifact.Metadata {
	return c.meta
}

// Classify predicts the class of every image in paths, in order
func (c *Classifier) Classify(ctx context.Context, paths []string) ([]Prediction, error) {
	out := make([]Prediction, 0, len(paths))
	for start := 0; start < len(paths); start += c.config.BatchSize {
		end := start + c.config.BatchSize
		if end > len(paths) {
			end = len(paths)
		}
		batch, err := c.classifyBatch(ctx, paths[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Classifier) classifyBatch(ctx context.Context, paths []string) ([]Prediction, error) {
	size := c.meta.ImageSize
	images, err := preprocessing.PreprocessBatch(ctx, c.fs, paths, size, c.config.Workers)
	if err != nil {
		return nil, err
	}

	normalize := c.kind.Normalizer()
	sample := size * size * preprocessing.Channels
	inputs := make([]float32, len(images)*sample)
	for i, img := range images {
		normalize(img.Data)
		preprocessing.WriteLayout(inputs[i*sample:(i+1)*sample], img.Data, size, preprocessing.NHWC)
	}

	features, shape, err := c.extractor.Extract(inputs, []int{len(images), size, size, preprocessing.Channels})
	if err != nil {
		return nil, errors.Training("backbone", err)
	}
	logits, err := c.head.Predict(features, shape)
	if err != nil {
		return nil, errors.Training("predict", err)
	}
	numClasses := len(c.meta.Classes)
	probs, err := metrics.Softmax(logits, numClasses)
	if err != nil {
		return nil, errors.Training("predict", err)
	}
	if len(probs) != len(paths)*numClasses {
		return nil, errors.Training("predict", fmt.Errorf("got %d scores for %d images", len(probs), len(paths)))
	}

	out := make([]Prediction, len(paths))
	for i, path := range paths {
		row := probs[i*numClasses : (i+1)*numClasses]
		p := Prediction{Path: path, Scores: make([]Score, numClasses)}
		for j, v := range row {
			p.Scores[j] = Score{Class: c.meta.Classes[j], Confidence: float64(v)}
			if j == 0 || v > row[p.Index] {
				p.Index = j
			}
		}
		p.Class = c.meta.Classes[p.Index]
		p.Confidence = float64(row[p.Index])
		sort.SliceStable(p.Scores, func(a, b int) bool {
			return p.Scores[a].Confidence > p.Scores[b].Confidence
		})
		out[i] = p
	}
	return out, nil
}

// Close releases both engines
func (c *Classifier) Close() error {
	var first error
	if c.head != nil {
		first = c.head.Close()
	}
	if c.extractor != nil {
		if err := c.extractor.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
