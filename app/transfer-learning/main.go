// Command transfer-learning partitions image datasets, trains classifiers on
// top of pretrained backbones and classifies images with the results.
//
//	transfer-learning train cat dog --model_type mobilenet --epochs 30
//	transfer-learning split cat dog --dataset_root dataset
//	transfer-learning predict --model models/cat_dog_mobilenet_model.onnx a.jpg
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-metal-transfer/config"
	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/engine/metal"
	"github.com/tsawler/go-metal-transfer/engine/onnxrt"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/inference"
	"github.com/tsawler/go-metal-transfer/logging"
	"github.com/tsawler/go-metal-transfer/training"
	"github.com/tsawler/go-metal-transfer/vision/dataset"
)

// Exit codes
const (
	exitOK            = 0
	exitOther         = 1
	exitConfiguration = 2
	exitDataset       = 3
	exitTraining      = 4
)

// common holds the options shared by train and split. Unset flags keep the
// value from --config or the defaults.
type common struct {
	Classes        []string `arg:"positional" help:"class labels, one directory each under the dataset root"`
	Config         string   `arg:"--config,env:TL_CONFIG" help:"YAML configuration file"`
	DatasetRoot    *string  `arg:"--dataset_root,env:TL_DATASET_ROOT"`
	Seed           *int64   `arg:"--seed,env:TL_SEED"`
	TestFraction   *float64 `arg:"--test_fraction,env:TL_TEST_FRACTION"`
	ValFraction    *float64 `arg:"--validation_fraction,env:TL_VALIDATION_FRACTION"`
	ExistingPolicy *string  `arg:"--existing,env:TL_EXISTING_POLICY" help:"skip, replace or fail when partitions exist"`
}

type trainCmd struct {
	common
	ModelType      *string  `arg:"--model_type,env:TL_MODEL_TYPE" help:"mobilenet or vgg16"`
	Trainable      *bool    `arg:"--trainable,env:TL_TRAINABLE" help:"train the backbone too"`
	Epochs         *int     `arg:"--epochs,env:TL_EPOCHS"`
	BatchSize      *int     `arg:"--batch_size,env:TL_BATCH_SIZE"`
	LearningRate   *float64 `arg:"--lr,env:TL_LR"`
	ImageSize      *int     `arg:"--image_size,env:TL_IMAGE_SIZE"`
	Patience       *int     `arg:"--patience,env:TL_PATIENCE"`
	CheckpointMode *string  `arg:"--checkpoint_mode,env:TL_CHECKPOINT_MODE" help:"max or min"`
	ModelsDir      *string  `arg:"--models_dir,env:TL_MODELS_DIR"`
	OutputDir      *string  `arg:"--output_dir,env:TL_OUTPUT_DIR"`
	WeightsDir     *string  `arg:"--weights_dir,env:TL_WEIGHTS_DIR"`
	ONNXRuntimeLib *string  `arg:"--onnxruntime_lib,env:TL_ONNXRUNTIME_LIB"`
	Workers        *int     `arg:"--workers,env:TL_WORKERS"`
	CacheSize      *int     `arg:"--cache_size,env:TL_CACHE_SIZE"`
}

type splitCmd struct {
	common
}

type predictCmd struct {
	Model          string   `arg:"--model,required" help:"model file written by train"`
	Images         []string `arg:"positional,required"`
	BatchSize      int      `arg:"--batch_size" help:"images per forward pass [default: 16]"`
	Workers        int      `arg:"--workers" help:"parallel image decoders [default: 4]"`
	ONNXRuntimeLib string   `arg:"--onnxruntime_lib,env:TL_ONNXRUNTIME_LIB"`
}

type args struct {
	Train   *trainCmd   `arg:"subcommand:train" help:"split the dataset and train a classifier"`
	Split   *splitCmd   `arg:"subcommand:split" help:"only partition the dataset"`
	Predict *predictCmd `arg:"subcommand:predict" help:"classify images with a trained model"`

	LogLevel string `arg:"--log_level,env:TL_LOG_LEVEL" help:"debug, info, warn or error [default: info]"`
	LogJSON  bool   `arg:"--log_json,env:TL_LOG_JSON"`
}

func (args) Description() string {
	return "Transfer learning image classifier on go-metal and ONNX Runtime"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand: train, split or predict")
	}
	os.Exit(run(a))
}

func run(a args) int {
	logger, err := logging.New(logging.Options{Level: a.LogLevel, JSON: a.LogJSON})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", a.LogLevel, err)
		return exitConfiguration
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	switch {
	case a.Train != nil:
		err = train(ctx, fs, a.Train, logger)
	case a.Split != nil:
		err = split(ctx, fs, a.Split, logger)
	case a.Predict != nil:
		err = predict(ctx, fs, a.Predict, logger)
	}
	if err != nil {
		logger.Error("Failed", zap.Error(err))
	}
	return exitCode(err)
}

// exitCode maps an error kind to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.IsConfiguration(err):
		return exitConfiguration
	case errors.IsDataset(err):
		return exitDataset
	case errors.IsTraining(err):
		return exitTraining
	default:
		return exitOther
	}
}

// load reads --config over the defaults and applies the shared flags
func (c *common) load(fs afero.Fs) (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.LoadFile(fs, c.Config); err != nil {
			return cfg, err
		}
	}
	if len(c.Classes) > 0 {
		cfg.Classes = c.Classes
	}
	setString(&cfg.DatasetRoot, c.DatasetRoot)
	setString(&cfg.ExistingPolicy, c.ExistingPolicy)
	if c.Seed != nil {
		cfg.Seed = *c.Seed
	}
	setFloat(&cfg.TestFraction, c.TestFraction)
	setFloat(&cfg.ValidationFraction, c.ValFraction)
	return cfg, nil
}

func (t *trainCmd) load(fs afero.Fs) (config.Config, error) {
	cfg, err := t.common.load(fs)
	if err != nil {
		return cfg, err
	}
	setString(&cfg.Backbone, t.ModelType)
	if t.Trainable != nil {
		cfg.Trainable = *t.Trainable
	}
	setInt(&cfg.Epochs, t.Epochs)
	setInt(&cfg.BatchSize, t.BatchSize)
	setFloat(&cfg.LearningRate, t.LearningRate)
	setInt(&cfg.ImageSize, t.ImageSize)
	setInt(&cfg.Patience, t.Patience)
	setString(&cfg.CheckpointMode, t.CheckpointMode)
	setString(&cfg.ModelsDir, t.ModelsDir)
	setString(&cfg.OutputDir, t.OutputDir)
	setString(&cfg.WeightsDir, t.WeightsDir)
	setString(&cfg.ONNXRuntimeLib, t.ONNXRuntimeLib)
	setInt(&cfg.Workers, t.Workers)
	setInt(&cfg.CacheSize, t.CacheSize)
	return cfg, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func engines(onnxLib string, logger *zap.Logger) engine.Factory {
	return engine.Engines{
		Extractor: onnxrt.Runtime{LibraryPath: onnxLib, Logger: logger},
		Trainer:   metal.Runtime{Logger: logger},
	}
}

func train(ctx context.Context, fs afero.Fs, cmd *trainCmd, logger *zap.Logger) error {
	cfg, err := cmd.load(fs)
	if err != nil {
		return err
	}
	if !metal.Available {
		logger.Warn("This build cannot train on Metal; training will fail after the split")
	}
	pipeline := training.NewPipeline(fs, engines(cfg.ONNXRuntimeLib, logger), logger, os.Stdout)
	res, err := pipeline.Run(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Test accuracy: %.2f%% (loss %.4f)\n", 100*res.TestAccuracy, res.TestLoss)
	fmt.Printf("Model: %s\nCheckpoint: %s\n", res.Paths.Model, res.Paths.Checkpoint)
	return nil
}

func split(ctx context.Context, fs afero.Fs, cmd *splitCmd, logger *zap.Logger) error {
	cfg, err := cmd.load(fs)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	res, err := dataset.NewSplitter(fs, cfg.DatasetRoot, logger).Split(ctx, cfg.SplitConfig(), nil)
	if err != nil {
		return err
	}
	renderSplit(os.Stdout, res)
	return nil
}

// renderSplit prints per-class partition sizes
func renderSplit(w io.Writer, res *dataset.SplitResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"class", "train", "val", "test", "total"})
	for _, cs := range res.Classes {
		table.Append([]string{
			cs.Class,
			strconv.Itoa(len(cs.Train)),
			strconv.Itoa(len(cs.Validation)),
			strconv.Itoa(len(cs.Test)),
			strconv.Itoa(cs.Total()),
		})
	}
	if res.Skipped {
		table.SetCaption(true, "existing partitions kept")
	}
	table.Render()
}

func predict(ctx context.Context, fs afero.Fs, cmd *predictCmd, logger *zap.Logger) error {
	cfg := inference.DefaultConfig()
	if cmd.BatchSize != 0 {
		cfg.BatchSize = cmd.BatchSize
	}
	if cmd.Workers != 0 {
		cfg.Workers = cmd.Workers
	}
	c, err := inference.Load(fs, engines(cmd.ONNXRuntimeLib, logger), cmd.Model, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	preds, err := c.Classify(ctx, cmd.Images)
	if err != nil {
		return err
	}
	renderPredictions(os.Stdout, preds)
	return nil
}

// renderPredictions prints one row per image with every class confidence
func renderPredictions(w io.Writer, preds []inference.Prediction) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"image", "class", "confidence", "scores"})
	for _, p := range preds {
		scores := ""
		for i, s := range p.Scores {
			if i > 0 {
				scores += " "
			}
			scores += fmt.Sprintf("%s=%.3f", s.Class, s.Confidence)
		}
		table.Append([]string{p.Path, p.Class, fmt.Sprintf("%.2f%%", 100*p.Confidence), scores})
	}
	table.Render()
}
