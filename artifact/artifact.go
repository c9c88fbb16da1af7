// Package artifact names and describes the files a training run produces:
// the final model, the best checkpoint, their metadata sidecars and the
// reports written next to them.
package artifact

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/tsawler/go-metal-transfer/backbone"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/vision/dataset"
)

// Report file names written to the output directory
const (
	LearningCurveFile    = "learning_curve.png"
	ConfusionMatrixFile  = "confusion_matrix.csv"
	ConfusionMappingFile = "confusion_mapping.csv"
)

// ID identifies the artifacts of a (class set, backbone) pair: the sorted
// class labels joined with "_", then the backbone name. See
// dataset.ProblemName for how ambiguous labels are kept unique.
func ID(classes []string, kind backbone.Kind) string {
	return dataset.ProblemName(classes) + "_" + kind.String()
}

// Paths holds every file location of one run
type Paths struct {
	ID         string
	Model      string
	Checkpoint string

	LearningCurve    string
	ConfusionMatrix  string
	ConfusionMapping string
}

// NewPaths returns the artifact locations for classes and kind
func NewPaths(modelsDir, outputDir string, classes []string, kind backbone.Kind) Paths {
	id := ID(classes, kind)
	return Paths{
		ID:               id,
		Model:            filepath.Join(modelsDir, id+"_model.onnx"),
		Checkpoint:       filepath.Join(modelsDir, id+"_checkpoint.onnx"),
		LearningCurve:    filepath.Join(outputDir, LearningCurveFile),
		ConfusionMatrix:  filepath.Join(outputDir, ConfusionMatrixFile),
		ConfusionMapping: filepath.Join(outputDir, ConfusionMappingFile),
	}
}

// MetadataPath returns the sidecar path of a model file
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// Kind of saved weights
const (
	KindModel      = "model"
	KindCheckpoint = "checkpoint"
)

// Metadata is everything needed to run a saved head again: which backbone
// produced its inputs, how images were prepared, and which class each
// logit stands for.
type Metadata struct {
	ID        string   `json:"id"`
	RunID     string   `json:"run_id"`
	Kind      string   `json:"kind"`
	Backbone  string   `json:"backbone"`
	Classes   []string `json:"classes"`
	ImageSize int      `json:"image_size"`
	Layout    string   `json:"layout"`

	// BackboneWeights is the frozen backbone the head expects features
	// from. Empty when the whole model was trained.
	BackboneWeights string    `json:"backbone_weights,omitempty"`
	Trainable       bool      `json:"trainable"`
	Epoch           int       `json:"epoch"`
	Metrics         Metrics   `json:"metrics"`
	CreatedAt       time.Time `json:"created_at"`
}

// Metrics recorded alongside saved weights
type Metrics struct {
	Loss         float64  `json:"loss"`
	Accuracy     float64  `json:"accuracy"`
	ValLoss      float64  `json:"val_loss"`
	ValAccuracy  float64  `json:"val_accuracy"`
	TestLoss     *float64 `json:"test_loss,omitempty"`
	TestAccuracy *float64 `json:"test_accuracy,omitempty"`
}

// BackboneKind parses Backbone
func (m *Metadata) BackboneKind() (backbone.Kind, error) {
	return backbone.Parse(m.Backbone)
}

// WriteMetadata writes md as the sidecar of modelPath
func WriteMetadata(fs afero.Fs, modelPath string, md *Metadata) error {
	buf, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}
	path := MetadataPath(modelPath)
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	return errors.Wrapf(afero.WriteFile(fs, path, buf, 0644), "writing %s", path)
}

// ReadMetadata reads the sidecar of modelPath
func ReadMetadata(fs afero.Fs, modelPath string) (*Metadata, error) {
	path := MetadataPath(modelPath)
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Dataset(path, err)
	}
	var md Metadata
	if err := json.Unmarshal(buf, &md); err != nil {
		return nil, errors.Dataset(path, err)
	}
	if len(md.Classes) == 0 {
		return nil, errors.Datasetf(path, "metadata lists no classes")
	}
	return &md, nil
}
