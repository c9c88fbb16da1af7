//go:build !(darwin && cgo)

package metal

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
)

// Available reports whether this build can train on go-metal
const Available = false

var errUnavailable = fmt.Errorf("go-metal needs darwin with cgo, running %s/%s", runtime.GOOS, runtime.GOARCH)

// Runtime creates go-metal trainers and classifiers
type Runtime struct {
	Logger *zap.Logger
}

// NewTrainer validates trainable, then fails: there is no Metal device.
func (r Runtime) NewTrainer(trainable *layers.Sequential, cfg engine.TrainerConfig) (engine.Trainer, error) {
	if err := Check(trainable); err != nil {
		return nil, err
	}
	return nil, errors.Training("build", errUnavailable)
}

// LoadClassifier fails: there is no Metal device.
func (r Runtime) LoadClassifier(path string) (engine.Classifier, error) {
	return nil, errors.Training("load", errUnavailable)
}
