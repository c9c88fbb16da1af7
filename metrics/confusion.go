package metrics

import (
	"fmt"
	"sort"
)

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	Classes      []string
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix counts (truth, prediction) pairs over classes
func NewConfusionMatrix(predictions, truth []int, classes []string) (*ConfusionMatrix, error) {
	if len(predictions) != len(truth) {
		return nil, fmt.Errorf("predictions length %d does not match truth length %d", len(predictions), len(truth))
	}
	n := len(classes)
	cm := &ConfusionMatrix{
		Classes: append([]string(nil), classes...),
		Matrix:  make([][]int, n),
	}
	for i := range cm.Matrix {
		cm.Matrix[i] = make([]int, n)
	}
	for i := range predictions {
		p, t := predictions[i], truth[i]
		if p < 0 || p >= n || t < 0 || t >= n {
			return nil, fmt.Errorf("sample %d: class index out of range [0, %d): predicted %d, true %d", i, n, p, t)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return cm, nil
}

// NumClasses returns the number of classes
func (cm *ConfusionMatrix) NumClasses() int {
	return len(cm.Classes)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Precision returns the precision of class, 0 when it was never predicted
func (cm *ConfusionMatrix) Precision(class int) float64 {
	tp := cm.Matrix[class][class]
	predicted := 0
	for t := range cm.Matrix {
		predicted += cm.Matrix[t][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(tp) / float64(predicted)
}

// Recall returns the recall of class, 0 when it has no samples
func (cm *ConfusionMatrix) Recall(class int) float64 {
	tp := cm.Matrix[class][class]
	actual := 0
	for _, c := range cm.Matrix[class] {
		actual += c
	}
	if actual == 0 {
		return 0
	}
	return float64(tp) / float64(actual)
}

// F1 returns the harmonic mean of precision and recall of class
func (cm *ConfusionMatrix) F1(class int) float64 {
	p, r := cm.Precision(class), cm.Recall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Pair is a key of a ConfusionMapping
type Pair struct {
	Predicted string
	Truth     string
}

// ConfusionMapping maps a (predicted, true) class pair to the paths of the
// samples that produced it, in input order. Pairs that never occur have no
// entry.
type ConfusionMapping map[Pair][]string

// BuildConfusionMapping groups paths by (predicted, true) class name.
// predictions, truth and paths are index aligned and must have equal
// length; classes maps an index to its name.
func BuildConfusionMapping(predictions, truth []int, paths []string, classes []string) (ConfusionMapping, error) {
	if len(predictions) != len(truth) || len(predictions) != len(paths) {
		return nil, fmt.Errorf("length mismatch: %d predictions, %d truth values, %d paths",
			len(predictions), len(truth), len(paths))
	}
	mapping := make(ConfusionMapping)
	for i, path := range paths {
		p, t := predictions[i], truth[i]
		if p < 0 || p >= len(classes) || t < 0 || t >= len(classes) {
			return nil, fmt.Errorf("sample %d (%s): class index out of range [0, %d): predicted %d, true %d",
				i, path, len(classes), p, t)
		}
		key := Pair{Predicted: classes[p], Truth: classes[t]}
		mapping[key] = append(mapping[key], path)
	}
	return mapping, nil
}

// Len returns the total number of paths across all pairs
func (m ConfusionMapping) Len() int {
	n := 0
	for _, paths := range m {
		n += len(paths)
	}
	return n
}

// Pairs returns the keys ordered by predicted then true class name
func (m ConfusionMapping) Pairs() []Pair {
	pairs := make([]Pair, 0, len(m))
	for p := range m {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Predicted != pairs[j].Predicted {
			return pairs[i].Predicted < pairs[j].Predicted
		}
		return pairs[i].Truth < pairs[j].Truth
	})
	return pairs
}
