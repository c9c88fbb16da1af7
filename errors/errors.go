// Package errors defines the failure kinds reported by the transfer learning
// pipeline and re-exports the wrapping helpers from github.com/pkg/errors.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// New is re-exported from github.com/pkg/errors
var New = errors.New

// Errorf is re-exported from github.com/pkg/errors
var Errorf = errors.Errorf

// Wrap is re-exported from github.com/pkg/errors
var Wrap = errors.Wrap

// Wrapf is re-exported from github.com/pkg/errors
var Wrapf = errors.Wrapf

// Cause is re-exported from github.com/pkg/errors
var Cause = errors.Cause

// Is is re-exported from github.com/pkg/errors
var Is = errors.Is

// As is re-exported from github.com/pkg/errors
var As = errors.As

// ConfigurationError reports an invalid run configuration: an empty or
// duplicated class list, an unsupported backbone, split fractions out of
// range and similar problems detected before any work starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Configuration returns a ConfigurationError for field.
func Configuration(field, format string, args ...interface{}) error {
	return errors.WithStack(&ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// DatasetError reports a problem with the images on disk: a missing or empty
// class directory, or an image that cannot be read or decoded.
type DatasetError struct {
	Path string
	Err  error
}

func (e *DatasetError) Error() string {
	return fmt.Sprintf("dataset: %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *DatasetError) Unwrap() error { return e.Err }

// Dataset returns a DatasetError for path.
func Dataset(path string, err error) error {
	return errors.WithStack(&DatasetError{Path: path, Err: err})
}

// Datasetf returns a DatasetError for path with a formatted cause.
func Datasetf(path, format string, args ...interface{}) error {
	return errors.WithStack(&DatasetError{Path: path, Err: fmt.Errorf(format, args...)})
}

// TrainingError wraps a failure raised by the deep learning engine while
// building, fitting, evaluating or saving a model.
type TrainingError struct {
	Stage string
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training: %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error
func (e *TrainingError) Unwrap() error { return e.Err }

// Training returns a TrainingError for stage. A nil err yields nil.
func Training(stage string, err error) error {
	if err == nil {
		return nil
	}
	var te *TrainingError
	if errors.As(err, &te) {
		return err
	}
	return errors.WithStack(&TrainingError{Stage: stage, Err: err})
}

// IsConfiguration reports whether err carries a ConfigurationError
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDataset reports whether err carries a DatasetError
func IsDataset(err error) bool {
	var de *DatasetError
	return errors.As(err, &de)
}

// IsTraining reports whether err carries a TrainingError
func IsTraining(err error) bool {
	var te *TrainingError
	return errors.As(err, &te)
}
