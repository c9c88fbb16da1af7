// Package training runs transfer learning end to end: partition the
// dataset, build the model, train its head on top of a frozen backbone,
// evaluate on the test partition and write every artifact.
package training

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-metal-transfer/artifact"
	"github.com/tsawler/go-metal-transfer/backbone"
	"github.com/tsawler/go-metal-transfer/config"
	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/metrics"
	"github.com/tsawler/go-metal-transfer/vision/dataloader"
	"github.com/tsawler/go-metal-transfer/vision/dataset"
	"github.com/tsawler/go-metal-transfer/vision/preprocessing"
)

// Pipeline holds what a run needs besides its configuration
type Pipeline struct {
	// Fs holds the dataset, metadata sidecars and reports
	Fs      afero.Fs
	Engines engine.Factory
	Logger  *zap.Logger
	// Progress receives the model summary and progress bars. Nil
	// discards them.
	Progress io.Writer
	// Counter names copied files. Nil starts a fresh counter per run.
	Counter *dataset.Counter

	now func() time.Time
}

// NewPipeline creates a pipeline over fs with engines
func NewPipeline(fs afero.Fs, engines engine.Factory, logger *zap.Logger, progress io.Writer) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{Fs: fs, Engines: engines, Logger: logger, Progress: progress}
}

// Result of a run
type Result struct {
	RunID   string
	Paths   artifact.Paths
	Split   *dataset.SplitResult
	History *History

	// StoppedEpoch is the epoch early stopping ended training, 0 when all
	// epochs ran. BestEpoch is the epoch of the saved checkpoint.
	StoppedEpoch int
	BestEpoch    int

	TestLoss     float64
	TestAccuracy float64
	Predictions  []int
	Truth        []int
	TestPaths    []string
	Matrix       *metrics.ConfusionMatrix
	Mapping      metrics.ConfusionMapping
}

// run is the state of one Run call
type run struct {
	*Pipeline
	cfg       config.Config
	id        string
	log       *zap.Logger
	paths     artifact.Paths
	kind      backbone.Kind
	frozen    bool
	extractor engine.FeatureExtractor
	trainer   engine.Trainer
	features  *featureSource
}

// Run trains a classifier for cfg.Classes and writes its artifacts.
// Classes are indexed in the order cfg.Classes lists them.
func (p *Pipeline) Run(ctx context.Context, cfg config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p.Engines == nil {
		return nil, errors.Training("setup", fmt.Errorf("no engine configured"))
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Progress == nil {
		p.Progress = io.Discard
	}
	if p.now == nil {
		p.now = time.Now
	}

	r := &run{
		Pipeline: p,
		cfg:      cfg,
		id:       uuid.New().String(),
		kind:     cfg.Kind(),
		paths:    artifact.NewPaths(cfg.ModelsDir, cfg.OutputDir, cfg.Classes, cfg.Kind()),
	}
	r.log = p.Logger.With(zap.String("run_id", r.id), zap.String("model", r.paths.ID))
	defer r.close()

	r.log.Info("Starting transfer learning",
		zap.Strings("classes", cfg.Classes),
		zap.String("backbone", r.kind.String()),
		zap.Bool("trainable", cfg.Trainable),
		zap.Int("epochs", cfg.Epochs),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Float64("learning_rate", cfg.LearningRate))

	split, err := dataset.NewSplitter(p.Fs, cfg.DatasetRoot, r.log).Split(ctx, cfg.SplitConfig(), p.Counter)
	if err != nil {
		return nil, err
	}
	train, val, test, err := r.datasets(split.Dirs)
	if err != nil {
		return nil, err
	}
	if err := r.build(); err != nil {
		return nil, err
	}

	pixels, err := dataloader.NewCacheManager(cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating pixel cache")
	}
	trainLoader := r.loader(train, pixels, true)
	valLoader := r.loader(val, pixels, false)
	testLoader := r.loader(test, pixels, false)

	history, stopped, best, err := r.fit(ctx, trainLoader, valLoader)
	if err != nil {
		return nil, err
	}
	if err := r.plot(history); err != nil {
		return nil, err
	}

	r.log.Info("Testing model", zap.Int("samples", test.Len()))
	eval, err := r.evaluate(ctx, testLoader)
	if err != nil {
		return nil, err
	}
	r.log.Info("Test results",
		zap.Float64("loss", eval.loss),
		zap.Float64("accuracy", eval.accuracy))

	last, _ := history.Last()
	if err := r.save(r.paths.Model, artifact.KindModel, last, eval); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:        r.id,
		Paths:        r.paths,
		Split:        split,
		History:      history,
		StoppedEpoch: stopped,
		BestEpoch:    best,
		TestLoss:     eval.loss,
		TestAccuracy: eval.accuracy,
		Predictions:  eval.predictions,
		Truth:        eval.truth,
		TestPaths:    eval.paths,
	}
	if res.Matrix, err = metrics.NewConfusionMatrix(eval.predictions, eval.truth, cfg.Classes); err != nil {
		return nil, errors.Training("evaluate", err)
	}
	if res.Mapping, err = metrics.BuildConfusionMapping(eval.predictions, eval.truth, eval.paths, cfg.Classes); err != nil {
		return nil, errors.Training("evaluate", err)
	}
	res.Matrix.Render(p.Progress)
	if err := r.reports(res); err != nil {
		return nil, err
	}
	r.log.Info("Run complete",
		zap.String("model", r.paths.Model),
		zap.String("checkpoint", r.paths.Checkpoint),
		zap.Int("epochs", history.Len()),
		zap.Float64("test_accuracy", eval.accuracy))
	return res, nil
}

func (r *run) close() {
	if r.trainer != nil {
		if err := r.trainer.Close(); err != nil {
			r.log.Warn("Closing trainer", zap.Error(err))
		}
	}
	if r.extractor != nil {
		if err := r.extractor.Close(); err != nil {
			r.log.Warn("Closing backbone", zap.Error(err))
		}
	}
}

func (r *run) datasets(dirs dataset.Dirs) (train, val, test *dataset.ImageFolderDataset, err error) {
	if train, err = dataset.NewImageFolderDataset(r.Fs, dirs.Train, r.cfg.Classes); err != nil {
		return
	}
	if val, err = dataset.NewImageFolderDataset(r.Fs, dirs.Validation, r.cfg.Classes); err != nil {
		return
	}
	if test, err = dataset.NewImageFolderDataset(r.Fs, dirs.Test, r.cfg.Classes); err != nil {
		return
	}
	r.log.Info("Loaded partitions",
		zap.Int("train", train.Len()),
		zap.Int("validation", val.Len()),
		zap.Int("test", test.Len()))
	r.log.Debug(train.String())
	return
}

// build composes and flattens the model, then hands the frozen prefix to
// the feature extractor and the rest to the trainer.
func (r *run) build() error {
	size := r.cfg.ImageSize
	model, err := backbone.Build([]int{size, size, preprocessing.Channels}, r.kind, len(r.cfg.Classes), r.cfg.Trainable)
	if err != nil {
		return err
	}
	seq, err := model.Sequential()
	if err != nil {
		return errors.Training("build", err)
	}
	seq.Summary(r.Progress)

	frozen, trainable, err := seq.Split()
	if err != nil {
		return errors.Training("build", err)
	}
	if trainable == nil {
		return errors.Training("build", fmt.Errorf("model has no trainable layers"))
	}
	r.frozen = frozen != nil

	r.extractor, err = r.Engines.NewFeatureExtractor(frozen, r.cfg.BackboneWeights(), r.cfg.BatchSize)
	if err != nil {
		return errors.Training("build", err)
	}
	r.trainer, err = r.Engines.NewTrainer(trainable, engine.DefaultTrainerConfig(r.cfg.BatchSize, r.cfg.LearningRate))
	if err != nil {
		return errors.Training("build", err)
	}
	r.features, err = newFeatureSource(r.extractor, r.cfg.CacheSize)
	if err != nil {
		return err
	}
	r.log.Info("Built model",
		zap.Int("layers", len(seq.Layers)),
		zap.Int("frozen_layers", len(seq.Layers)-len(trainable.Layers)),
		zap.Int64("parameters", seq.TotalParameters),
		zap.Int64("trainable_parameters", seq.TrainableParameters))
	return nil
}

// loader creates a loader in the backbone's input format. Training
// loaders shuffle and flip horizontally.
func (r *run) loader(ds *dataset.ImageFolderDataset, cache *dataloader.CacheManager, train bool) *dataloader.DataLoader {
	return dataloader.NewDataLoader(ds, r.Fs, dataloader.Config{
		BatchSize:      r.cfg.BatchSize,
		Shuffle:        train,
		FlipHorizontal: train,
		ImageSize:      r.cfg.ImageSize,
		Layout:         preprocessing.NHWC,
		Normalizer:     r.kind.Normalizer(),
		Workers:        r.cfg.Workers,
		Seed:           r.cfg.Seed,
		CacheManager:   cache,
	})
}

// fit trains until cfg.Epochs or early stopping. The weights left in the
// trainer are those of the last epoch; the best epoch is saved as the
// checkpoint.
func (r *run) fit(ctx context.Context, trainLoader, valLoader *dataloader.DataLoader) (*History, int, int, error) {
	early, err := NewEarlyStopping(MonitorValAccuracy, ModeMax, r.cfg.Patience, r.log)
	if err != nil {
		return nil, 0, 0, errors.Configuration("patience", "%v", err)
	}
	checkpoint, err := NewModelCheckpoint(MonitorValAccuracy, r.cfg.CheckpointMode, func(l EpochLogs) error {
		return r.save(r.paths.Checkpoint, artifact.KindCheckpoint, l, nil)
	}, r.log)
	if err != nil {
		return nil, 0, 0, errors.Configuration("checkpoint_mode", "%v", err)
	}
	callbacks := []Callback{early, checkpoint}

	history := &History{}
	numClasses := len(r.cfg.Classes)
	for epoch := 1; epoch <= r.cfg.Epochs; epoch++ {
		if epoch > 1 {
			trainLoader.Reset()
		}
		bar := NewProgressBar(r.Progress, fmt.Sprintf("Epoch %d/%d", epoch, r.cfg.Epochs), trainLoader.NumBatches())

		var losses []float64
		correct, seen, step := 0, 0, 0
		for {
			if err := ctx.Err(); err != nil {
				return nil, 0, 0, err
			}
			batch, err := trainLoader.NextBatch(ctx)
			if err != nil {
				return nil, 0, 0, err
			}
			if batch == nil {
				break
			}
			features, shape, err := r.features.features(batch, trainLoader.SampleShape(), false)
			if err != nil {
				return nil, 0, 0, err
			}
			result, err := r.trainer.TrainBatch(features, shape, batch.Labels)
			if err != nil {
				return nil, 0, 0, errors.Training("train", err)
			}
			predictions, err := metrics.Argmax(result.Logits, numClasses)
			if err != nil {
				return nil, 0, 0, errors.Training("train", err)
			}
			for i, p := range predictions {
				if p == int(batch.Labels[i]) {
					correct++
				}
			}
			seen += batch.Size
			step++
			losses = append(losses, result.Loss)
			bar.Update(step, map[string]float64{
				MonitorLoss:     result.Loss,
				MonitorAccuracy: float64(correct) / float64(seen),
			})
		}
		if seen == 0 {
			return nil, 0, 0, errors.Datasetf(r.cfg.DatasetRoot, "training partition is empty")
		}

		meanLoss, err := stats.Mean(losses)
		if err != nil {
			return nil, 0, 0, errors.Training("train", err)
		}
		val, err := r.evaluate(ctx, valLoader)
		if err != nil {
			return nil, 0, 0, err
		}
		logs := EpochLogs{
			Epoch:       epoch,
			Loss:        meanLoss,
			Accuracy:    float64(correct) / float64(seen),
			ValLoss:     val.loss,
			ValAccuracy: val.accuracy,
		}
		history.Append(logs)
		bar.Finish(logs.Metrics())
		r.log.Debug("Epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", logs.Loss),
			zap.Float64("accuracy", logs.Accuracy),
			zap.Float64("val_loss", logs.ValLoss),
			zap.Float64("val_accuracy", logs.ValAccuracy),
			zap.String("features", r.features.stats().String()))

		stop := false
		for _, cb := range callbacks {
			s, err := cb.OnEpochEnd(logs)
			if err != nil {
				return nil, 0, 0, err
			}
			stop = stop || s
		}
		if stop {
			break
		}
	}
	return history, early.StoppedEpoch, checkpoint.BestEpoch, nil
}

type evaluation struct {
	loss        float64
	accuracy    float64
	predictions []int
	truth       []int
	paths       []string
}

// evaluate predicts every sample of loader in order
func (r *run) evaluate(ctx context.Context, loader *dataloader.DataLoader) (*evaluation, error) {
	loader.Reset()
	numClasses := len(r.cfg.Classes)
	eval := &evaluation{}
	var weighted float64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.NextBatch(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		features, shape, err := r.features.features(batch, loader.SampleShape(), true)
		if err != nil {
			return nil, err
		}
		logits, err := r.trainer.Predict(features, shape)
		if err != nil {
			return nil, errors.Training("evaluate", err)
		}
		loss, err := metrics.CrossEntropy(logits, batch.Labels, numClasses)
		if err != nil {
			return nil, errors.Training("evaluate", err)
		}
		predictions, err := metrics.Argmax(logits, numClasses)
		if err != nil {
			return nil, errors.Training("evaluate", err)
		}
		weighted += loss * float64(batch.Size)
		eval.predictions = append(eval.predictions, predictions...)
		eval.truth = append(eval.truth, metrics.Ints(batch.Labels)...)
		eval.paths = append(eval.paths, batch.Paths...)
	}
	if len(eval.truth) == 0 {
		return nil, errors.Datasetf(r.cfg.DatasetRoot, "evaluation partition is empty")
	}
	eval.loss = weighted / float64(len(eval.truth))
	acc, err := metrics.Accuracy(eval.predictions, eval.truth)
	if err != nil {
		return nil, errors.Training("evaluate", err)
	}
	eval.accuracy = acc
	return eval, nil
}

// save writes the trainer's weights to path with a metadata sidecar
func (r *run) save(path, kind string, logs EpochLogs, test *evaluation) error {
	if err := r.trainer.Save(path); err != nil {
		return errors.Training("save", err)
	}
	md := &artifact.Metadata{
		ID:        r.paths.ID,
		RunID:     r.id,
		Kind:      kind,
		Backbone:  r.kind.String(),
		Classes:   append([]string(nil), r.cfg.Classes...),
		ImageSize: r.cfg.ImageSize,
		Layout:    preprocessing.NHWC.String(),
		Trainable: r.cfg.Trainable,
		Epoch:     logs.Epoch,
		Metrics: artifact.Metrics{
			Loss:        logs.Loss,
			Accuracy:    logs.Accuracy,
			ValLoss:     logs.ValLoss,
			ValAccuracy: logs.ValAccuracy,
		},
		CreatedAt: r.now().UTC(),
	}
	if r.frozen {
		md.BackboneWeights = r.cfg.BackboneWeights()
	}
	if test != nil {
		md.Metrics.TestLoss = &test.loss
		md.Metrics.TestAccuracy = &test.accuracy
	}
	if err := artifact.WriteMetadata(r.Fs, path, md); err != nil {
		return errors.Training("save", err)
	}
	return nil
}

func (r *run) plot(h *History) error {
	return r.writeFile(r.paths.LearningCurve, func(w io.Writer) error {
		return PlotLearningCurve(w, h)
	})
}

func (r *run) reports(res *Result) error {
	if err := r.writeFile(r.paths.ConfusionMatrix, func(w io.Writer) error {
		return metrics.WriteMatrixCSV(w, res.Matrix)
	}); err != nil {
		return err
	}
	return r.writeFile(r.paths.ConfusionMapping, func(w io.Writer) error {
		return metrics.WriteMappingCSV(w, res.Mapping)
	})
}

func (r *run) writeFile(path string, write func(io.Writer) error) error {
	if err := r.Fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	f, err := r.Fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := write(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", path)
	}
	r.log.Info("Wrote report", zap.String("path", path))
	return nil
}
