package metrics

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccuracy(t *testing.T) {
	truth := []int{0, 1, 1, 0, 2, 2, 1, 0, 1, 2}

	t.Run("Perfect", func(t *testing.T) {
		acc, err := Accuracy(append([]int(nil), truth...), truth)
		require.NoError(t, err)
		assert.Equal(t, 1.0, acc)
	})

	t.Run("SevenOfTen", func(t *testing.T) {
		pred := append([]int(nil), truth...)
		pred[0], pred[4], pred[9] = 1, 0, 1
		acc, err := Accuracy(pred, truth)
		require.NoError(t, err)
		assert.InDelta(t, 0.7, acc, 1e-12)
	})

	t.Run("Mismatch", func(t *testing.T) {
		_, err := Accuracy([]int{1}, truth)
		assert.Error(t, err)
		_, err = Accuracy(nil, nil)
		assert.Error(t, err)
	})
}

func TestArgmax(t *testing.T) {
	pred, err := Argmax([]float32{0.1, 2, -1, 5, 5, 0, -3, -2, -1}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, pred)

	_, err = Argmax([]float32{1, 2, 3}, 2)
	assert.Error(t, err)
	_, err = Argmax(nil, 0)
	assert.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	probs, err := Softmax([]float32{0, 0, 1000, 1000}, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5}, probs, 1e-6)

	probs, err = Softmax([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	var sum float32
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-6)
	assert.True(t, probs[2] > probs[1] && probs[1] > probs[0])
}

func TestCrossEntropy(t *testing.T) {
	// uniform logits give log(numClasses)
	loss, err := CrossEntropy([]float32{0, 0, 0, 0, 0, 0}, []int32{0, 2}, 3)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), loss, 1e-9)

	// large logits stay finite
	loss, err = CrossEntropy([]float32{1000, -1000}, []int32{0}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0, loss, 1e-9)

	_, err = CrossEntropy([]float32{0, 0}, []int32{2}, 2)
	assert.Error(t, err)
	_, err = CrossEntropy([]float32{0, 0, 0}, []int32{0}, 2)
	assert.Error(t, err)
}

func TestConfusionMatrix(t *testing.T) {
	classes := []string{"cat", "dog"}
	cm, err := NewConfusionMatrix([]int{0, 1, 0, 1}, []int{0, 1, 1, 1}, classes)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1, 0}, {1, 2}}, cm.Matrix)
	assert.Equal(t, 4, cm.TotalSamples)
	assert.Equal(t, 2, cm.NumClasses())
	assert.InDelta(t, 0.75, cm.GetAccuracy(), 1e-12)
	assert.InDelta(t, 0.5, cm.Precision(0), 1e-12)
	assert.InDelta(t, 1.0, cm.Recall(0), 1e-12)
	assert.InDelta(t, 2.0/3.0, cm.Recall(1), 1e-12)
	assert.InDelta(t, 2*0.5/1.5, cm.F1(0), 1e-12)

	_, err = NewConfusionMatrix([]int{2}, []int{0}, classes)
	assert.Error(t, err)
	_, err = NewConfusionMatrix([]int{0}, nil, classes)
	assert.Error(t, err)
}

func TestBuildConfusionMapping(t *testing.T) {
	t.Run("Example", func(t *testing.T) {
		m, err := BuildConfusionMapping([]int{0, 1, 0}, []int{0, 1, 1}, []string{"a", "b", "c"}, []string{"cat", "dog"})
		require.NoError(t, err)
		assert.Equal(t, ConfusionMapping{
			{Predicted: "cat", Truth: "cat"}: {"a"},
			{Predicted: "dog", Truth: "dog"}: {"b"},
			{Predicted: "cat", Truth: "dog"}: {"c"},
		}, m)
		assert.Equal(t, 3, m.Len())
	})

	t.Run("OrderPreservedAndSparse", func(t *testing.T) {
		pred := []int{2, 0, 2, 2, 0}
		truth := []int{2, 0, 1, 2, 0}
		paths := []string{"p0", "p1", "p2", "p3", "p4"}
		m, err := BuildConfusionMapping(pred, truth, paths, []string{"x", "y", "z"})
		require.NoError(t, err)

		assert.Len(t, m, 3)
		assert.Equal(t, []string{"p0", "p3"}, m[Pair{"z", "z"}])
		assert.Equal(t, []string{"p1", "p4"}, m[Pair{"x", "x"}])
		assert.Equal(t, []string{"p2"}, m[Pair{"z", "y"}])
		assert.Equal(t, len(paths), m.Len())

		assert.Equal(t, []Pair{{"x", "x"}, {"z", "y"}, {"z", "z"}}, m.Pairs())
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := BuildConfusionMapping([]int{0, 1}, []int{0}, []string{"a", "b"}, []string{"cat", "dog"})
		assert.Error(t, err)
		_, err = BuildConfusionMapping([]int{0}, []int{5}, []string{"a"}, []string{"cat", "dog"})
		assert.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		m, err := BuildConfusionMapping(nil, nil, nil, []string{"cat"})
		require.NoError(t, err)
		assert.Empty(t, m)
	})
}

func TestReports(t *testing.T) {
	classes := []string{"cat", "dog"}
	cm, err := NewConfusionMatrix([]int{0, 1, 0}, []int{0, 1, 1}, classes)
	require.NoError(t, err)

	t.Run("MatrixCSV", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteMatrixCSV(&buf, cm))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Equal(t, "true,predicted,count", lines[0])
		assert.Equal(t, "cat,cat,1", lines[1])
		assert.Equal(t, "dog,cat,1", lines[3])
		assert.Len(t, lines, 5)

		back, err := ReadMatrixCSV(&buf)
		require.NoError(t, err)
		assert.Equal(t, cm, back)
	})

	t.Run("MappingCSV", func(t *testing.T) {
		m, err := BuildConfusionMapping([]int{0, 1, 0}, []int{0, 1, 1}, []string{"a.jpg", "b.jpg", "c.jpg"}, classes)
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, WriteMappingCSV(&buf, m))
		assert.Equal(t, "predicted,true,path\ncat,cat,a.jpg\ncat,dog,c.jpg\ndog,dog,b.jpg\n", buf.String())
	})

	t.Run("Render", func(t *testing.T) {
		var buf bytes.Buffer
		cm.Render(&buf)
		out := buf.String()
		assert.Contains(t, out, "PREDICTED")
		assert.Contains(t, out, "precision")
		assert.Contains(t, out, "acc 0.667")
	})
}
