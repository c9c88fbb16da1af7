package training

import (
	"github.com/tsawler/go-metal-transfer/engine"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/vision/dataloader"
)

// featureSource runs the frozen backbone over batches. Batches without
// augmentation always map a path to the same features, so those are kept
// in an LRU cache across epochs.
type featureSource struct {
	extractor engine.FeatureExtractor
	cache     *dataloader.CacheManager
	// per-sample feature shape, known after the first extraction
	shape []int
}

func newFeatureSource(extractor engine.FeatureExtractor, cacheSize int) (*featureSource, error) {
	cache, err := dataloader.NewCacheManager(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating feature cache")
	}
	return &featureSource{extractor: extractor, cache: cache}, nil
}

// features returns the backbone output for batch and its shape, batch
// first. cacheable marks batches whose pixels are not augmented.
func (fs *featureSource) features(batch *dataloader.Batch, sampleShape []int, cacheable bool) ([]float32, []int, error) {
	if cacheable && fs.shape != nil {
		if out, ok := fs.cached(batch.Paths); ok {
			return out, append([]int{batch.Size}, fs.shape...), nil
		}
	}

	out, shape, err := fs.extractor.Extract(batch.Images, append([]int{batch.Size}, sampleShape...))
	if err != nil {
		return nil, nil, errors.Training("backbone", err)
	}
	if len(shape) == 0 || shape[0] != batch.Size {
		return nil, nil, errors.Training("backbone", errors.Errorf("features of shape %v for a batch of %d", shape, batch.Size))
	}
	fs.shape = append(fs.shape[:0], shape[1:]...)

	if cacheable {
		row := engine.RowSize(shape)
		for i, path := range batch.Paths {
			fs.cache.Put(path, out[i*row:(i+1)*row])
		}
	}
	return out, shape, nil
}

func (fs *featureSource) cached(paths []string) ([]float32, bool) {
	rows := make([][]float32, len(paths))
	for i, path := range paths {
		row, ok := fs.cache.Get(path)
		if !ok {
			return nil, false
		}
		rows[i] = row
	}
	out := make([]float32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		out = append(out, row...)
	}
	return out, true
}

// stats reports cache usage
func (fs *featureSource) stats() dataloader.CacheStats {
	return fs.cache.Stats()
}
