package dataloader

import (
	"context"
	"math/rand"
	"sync"

	"github.com/spf13/afero"

	"github.com/tsawler/go-metal-transfer/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	// FlipHorizontal mirrors each image with probability 0.5.
	FlipHorizontal bool
	ImageSize      int
	Layout         preprocessing.Layout
	Normalizer     preprocessing.Normalizer
	// Workers decode images of one batch in parallel.
	Workers int
	// Seed drives shuffling and augmentation.
	Seed int64
	// CacheManager holds decoded, unnormalized pixels. It may be shared
	// between loaders; nil disables caching.
	CacheManager *CacheManager
}

// Batch is one batch of preprocessed images. Images has Size images in the
// loader's layout.
type Batch struct {
	Images  []float32
	Labels  []int32
	Paths   []string
	Indices []int
	Size    int
}

// DataLoader loads batches of images from a Dataset on an afero filesystem.
type DataLoader struct {
	dataset  Dataset
	fs       afero.Fs
	config   Config
	rng      *rand.Rand
	indices  []int
	position int
	mu       sync.Mutex
}

// NewDataLoader creates a new data loader. When shuffling is enabled the
// first epoch is already shuffled.
func NewDataLoader(dataset Dataset, fs afero.Fs, config Config) *DataLoader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Normalizer == nil {
		config.Normalizer = preprocessing.Identity
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset: dataset,
		fs:      fs,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
		indices: indices,
	}
	dl.shuffle()
	return dl
}

func (dl *DataLoader) shuffle() {
	if !dl.config.Shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds the loader to the start of a new epoch, reshuffling when
// shuffling is enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.shuffle()
}

// Len returns the number of samples per epoch
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// NumBatches returns the number of batches per epoch
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// SampleSize returns the number of float32 values of one image
func (dl *DataLoader) SampleSize() int {
	return dl.config.ImageSize * dl.config.ImageSize * preprocessing.Channels
}

// SampleShape returns the shape of one image in the loader's layout
func (dl *DataLoader) SampleShape() []int {
	s := dl.config.ImageSize
	if dl.config.Layout == preprocessing.NCHW {
		return []int{preprocessing.Channels, s, s}
	}
	return []int{s, s, preprocessing.Channels}
}

// NextBatch loads the next batch of images. It returns nil, nil at the end
// of the epoch. Any unreadable item fails the batch.
func (dl *DataLoader) NextBatch(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, nil
	}
	size := dl.config.BatchSize
	if remaining < size {
		size = remaining
	}

	batch := &Batch{
		Labels:  make([]int32, size),
		Paths:   make([]string, size),
		Indices: make([]int, size),
		Size:    size,
	}
	flips := make([]bool, size)
	for i := 0; i < size; i++ {
		idx := dl.indices[dl.position+i]
		path, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, err
		}
		batch.Indices[i] = idx
		batch.Paths[i] = path
		batch.Labels[i] = int32(label)
		// drawn sequentially so augmentation does not depend on scheduling
		if dl.config.FlipHorizontal {
			flips[i] = dl.rng.Float64() < 0.5
		}
	}

	pixels, err := dl.load(ctx, batch.Paths)
	if err != nil {
		return nil, err
	}

	sampleSize := dl.SampleSize()
	batch.Images = make([]float32, size*sampleSize)
	scratch := make([]float32, sampleSize)
	for i := 0; i < size; i++ {
		copy(scratch, pixels[i])
		if flips[i] {
			preprocessing.FlipHorizontal(scratch, dl.config.ImageSize)
		}
		dl.config.Normalizer(scratch)
		preprocessing.WriteLayout(batch.Images[i*sampleSize:(i+1)*sampleSize], scratch, dl.config.ImageSize, dl.config.Layout)
	}

	dl.position += size
	return batch, nil
}

// load returns raw HWC pixels for paths, decoding cache misses in parallel.
func (dl *DataLoader) load(ctx context.Context, paths []string) ([][]float32, error) {
	pixels := make([][]float32, len(paths))
	var missing []string
	var missingIdx []int
	for i, path := range paths {
		if data, ok := dl.config.CacheManager.Get(path); ok {
			pixels[i] = data
			continue
		}
		missing = append(missing, path)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return pixels, nil
	}

	decoded, err := preprocessing.PreprocessBatch(ctx, dl.fs, missing, dl.config.ImageSize, dl.config.Workers)
	if err != nil {
		return nil, err
	}
	for j, img := range decoded {
		pixels[missingIdx[j]] = img.Data
		dl.config.CacheManager.Put(missing[j], img.Data)
	}
	return pixels, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.config.CacheManager.Stats().String()
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.config.CacheManager
}
