package onnxrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
)

func TestCheckDims(t *testing.T) {
	tests := []struct {
		name     string
		declared ort.Shape
		sample   []int
		ok       bool
	}{
		{"Static", ort.NewShape(8, 224, 224, 3), []int{224, 224, 3}, true},
		{"DynamicBatch", ort.NewShape(-1, 7, 7, 1024), []int{7, 7, 1024}, true},
		{"DynamicSpatial", ort.NewShape(-1, -1, -1, 3), []int{160, 160, 3}, true},
		{"Rank", ort.NewShape(-1, 1024), []int{7, 7, 1024}, false},
		{"Mismatch", ort.NewShape(-1, 7, 7, 512), []int{7, 7, 1024}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDims(tt.declared, tt.sample)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestBatchShape(t *testing.T) {
	assert.Equal(t, ort.NewShape(4, 7, 7, 1024), batchShape(4, []int{7, 7, 1024}))
	assert.Equal(t, 7*7*1024, product([]int{7, 7, 1024}))
}

func TestNewFeatureExtractor(t *testing.T) {
	t.Run("NoFrozenPart", func(t *testing.T) {
		fe, err := Runtime{}.NewFeatureExtractor(nil, "unused.onnx", 8)
		require.NoError(t, err)
		assert.IsType(t, engine.Identity{}, fe)
	})

	t.Run("BadBatchSize", func(t *testing.T) {
		frozen := &layers.Sequential{InputShape: []int{32, 32, 3}, OutputShape: []int{1, 1, 8}}
		_, err := Runtime{}.NewFeatureExtractor(frozen, "unused.onnx", 0)
		assert.True(t, errors.IsConfiguration(err))
	})
}
