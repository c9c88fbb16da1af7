// Package metrics computes classification metrics from logits and class
// indices: argmax predictions, accuracy, cross entropy, the confusion matrix
// and the confusion mapping from (predicted, true) pairs to file paths.
package metrics

import (
	"fmt"
	"math"
)

// Argmax returns the index of the largest logit of every row. Ties resolve
// to the lowest index.
func Argmax(logits []float32, numClasses int) ([]int, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if len(logits)%numClasses != 0 {
		return nil, fmt.Errorf("logits length %d is not a multiple of %d classes", len(logits), numClasses)
	}
	rows := len(logits) / numClasses
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := logits[i*numClasses : (i+1)*numClasses]
		maxIdx := 0
		for j := 1; j < numClasses; j++ {
			if row[j] > row[maxIdx] {
				maxIdx = j
			}
		}
		out[i] = maxIdx
	}
	return out, nil
}

// Accuracy returns the fraction of predictions equal to truth.
func Accuracy(predictions, truth []int) (float64, error) {
	if len(predictions) != len(truth) {
		return 0, fmt.Errorf("predictions length %d does not match truth length %d", len(predictions), len(truth))
	}
	if len(predictions) == 0 {
		return 0, fmt.Errorf("no predictions")
	}
	correct := 0
	for i := range predictions {
		if predictions[i] == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(predictions)), nil
}

// Softmax returns the row-wise softmax of logits.
func Softmax(logits []float32, numClasses int) ([]float32, error) {
	if numClasses <= 0 || len(logits)%numClasses != 0 {
		return nil, fmt.Errorf("logits length %d is not a multiple of %d classes", len(logits), numClasses)
	}
	out := make([]float32, len(logits))
	for i := 0; i < len(logits); i += numClasses {
		row := logits[i : i+numClasses]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[i+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[i+j] = float32(float64(out[i+j]) / sum)
		}
	}
	return out, nil
}

// CrossEntropy returns the mean softmax cross entropy of logits against
// integer labels, computed with the log-sum-exp trick.
func CrossEntropy(logits []float32, labels []int32, numClasses int) (float64, error) {
	if numClasses <= 0 || len(logits) != len(labels)*numClasses {
		return 0, fmt.Errorf("logits length %d does not match %d labels of %d classes", len(logits), len(labels), numClasses)
	}
	if len(labels) == 0 {
		return 0, fmt.Errorf("no labels")
	}
	var total float64
	for i, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return 0, fmt.Errorf("label %d out of range [0, %d)", label, numClasses)
		}
		row := logits[i*numClasses : (i+1)*numClasses]
		maxVal := float64(row[0])
		for _, v := range row[1:] {
			maxVal = math.Max(maxVal, float64(v))
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxVal)
		}
		total += maxVal + math.Log(sum) - float64(row[label])
	}
	return total / float64(len(labels)), nil
}

// Ints converts int32 labels to ints
func Ints(labels []int32) []int {
	out := make([]int, len(labels))
	for i, l := range labels {
		out[i] = int(l)
	}
	return out
}
