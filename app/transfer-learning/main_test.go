package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/inference"
	"github.com/tsawler/go-metal-transfer/vision/dataset"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"OK", nil, exitOK},
		{"Configuration", errors.Configuration("epochs", "must be positive"), exitConfiguration},
		{"Dataset", errors.Datasetf("data/cat", "no images"), exitDataset},
		{"Training", errors.Training("train", fmt.Errorf("device lost")), exitTraining},
		{"WrappedTraining", errors.Wrap(errors.Training("save", fmt.Errorf("disk full")), "run"), exitTraining},
		{"Other", fmt.Errorf("boom"), exitOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestTrainLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "run.yaml", []byte(`
classes: [cat, dog]
backbone: vgg16
epochs: 5
batch_size: 32
`), 0644))

	t.Run("FileOnly", func(t *testing.T) {
		cmd := &trainCmd{common: common{Config: "run.yaml"}}
		cfg, err := cmd.load(fs)
		require.NoError(t, err)
		assert.Equal(t, []string{"cat", "dog"}, cfg.Classes)
		assert.Equal(t, "vgg16", cfg.Backbone)
		assert.Equal(t, 5, cfg.Epochs)
		assert.Equal(t, 32, cfg.BatchSize)
		assert.Equal(t, 0.001, cfg.LearningRate)
	})

	t.Run("FlagsOverride", func(t *testing.T) {
		epochs, lr, model := 12, 0.01, "mobilenet"
		trainable := true
		cmd := &trainCmd{
			common:       common{Config: "run.yaml", Classes: []string{"bird", "fish"}},
			ModelType:    &model,
			Epochs:       &epochs,
			LearningRate: &lr,
			Trainable:    &trainable,
		}
		cfg, err := cmd.load(fs)
		require.NoError(t, err)
		assert.Equal(t, []string{"bird", "fish"}, cfg.Classes)
		assert.Equal(t, "mobilenet", cfg.Backbone)
		assert.Equal(t, 12, cfg.Epochs)
		assert.Equal(t, 32, cfg.BatchSize)
		assert.Equal(t, 0.01, cfg.LearningRate)
		assert.True(t, cfg.Trainable)
	})

	t.Run("NoFile", func(t *testing.T) {
		cfg, err := (&trainCmd{common: common{Classes: []string{"a"}}}).load(fs)
		require.NoError(t, err)
		assert.Equal(t, 30, cfg.Epochs)
		assert.Equal(t, 128, cfg.BatchSize)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("epoch: 3\n"), 0644))
		_, err := (&trainCmd{common: common{Config: "bad.yaml"}}).load(fs)
		assert.True(t, errors.IsConfiguration(err))
	})
}

func TestRender(t *testing.T) {
	t.Run("Split", func(t *testing.T) {
		var buf bytes.Buffer
		renderSplit(&buf, &dataset.SplitResult{Classes: []dataset.ClassSplit{
			{Class: "cat", Train: []string{"a", "b"}, Validation: []string{"c"}, Test: []string{"d"}},
		}})
		out := buf.String()
		assert.Contains(t, out, "cat")
		assert.Contains(t, out, "TRAIN")
	})

	t.Run("Predictions", func(t *testing.T) {
		var buf bytes.Buffer
		renderPredictions(&buf, []inference.Prediction{{
			Path:       "a.jpg",
			Class:      "dog",
			Confidence: 0.9,
			Scores:     []inference.Score{{Class: "dog", Confidence: 0.9}, {Class: "cat", Confidence: 0.1}},
		}})
		out := buf.String()
		assert.Contains(t, out, "a.jpg")
		assert.Contains(t, out, "90.00%")
		assert.Contains(t, out, "dog=0.900 cat=0.100")
	})
}
