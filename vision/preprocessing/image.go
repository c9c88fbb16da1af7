package preprocessing

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"sync"

	"github.com/nfnt/resize"
	"github.com/spf13/afero"

	"github.com/tsawler/go-metal-transfer/errors"
)

// Channels is the number of color channels of every processed image.
const Channels = 3

// Layout is the memory order of a batch of images.
type Layout int

const (
	// NHWC stores pixels channel-last, as exported Keras backbones expect.
	NHWC Layout = iota
	// NCHW stores planes channel-first, as the Metal training engine expects.
	NCHW
)

func (l Layout) String() string {
	if l == NCHW {
		return "NCHW"
	}
	return "NHWC"
}

// ImageProcessor decodes images and resizes them to a square target size.
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the edge length of processed images
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage holds resized RGB pixels in HWC order with values in
// [0, 255]. Normalization is applied later so cached images can be shared
// between backbones and augmentations.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image, resizes it with nearest
// neighbour interpolation and returns its RGB pixels.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != p.targetSize || bounds.Dy() != p.targetSize {
		img = resize.Resize(uint(p.targetSize), uint(p.targetSize), img, resize.NearestNeighbor)
		bounds = img.Bounds()
	}

	data := make([]float32, p.targetSize*p.targetSize*Channels)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data[i] = float32(r >> 8)
			data[i+1] = float32(g >> 8)
			data[i+2] = float32(b >> 8)
			i += Channels
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: Channels,
	}, nil
}

// FlipHorizontal mirrors HWC pixels of a size x size image in place.
func FlipHorizontal(data []float32, size int) {
	for y := 0; y < size; y++ {
		row := data[y*size*Channels : (y+1)*size*Channels]
		for l, r := 0, size-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < Channels; c++ {
				row[l*Channels+c], row[r*Channels+c] = row[r*Channels+c], row[l*Channels+c]
			}
		}
	}
}

// WriteLayout copies HWC pixels of a size x size image into dst using layout.
func WriteLayout(dst, hwc []float32, size int, layout Layout) {
	if layout == NHWC {
		copy(dst, hwc)
		return
	}
	plane := size * size
	for i := 0; i < plane; i++ {
		for c := 0; c < Channels; c++ {
			dst[c*plane+i] = hwc[i*Channels+c]
		}
	}
}

// PreprocessBatch decodes the images at paths concurrently. Results are
// stored by index, so their order matches paths regardless of scheduling.
func PreprocessBatch(ctx context.Context, fs afero.Fs, imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if maxWorkers > len(imagePaths) {
		maxWorkers = len(imagePaths)
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)

			for j := range jobs {
				if ctx.Err() != nil {
					errs[j.index] = ctx.Err()
					continue
				}
				file, err := fs.Open(j.path)
				if err != nil {
					errs[j.index] = errors.Dataset(j.path, err)
					continue
				}

				img, err := processor.DecodeAndPreprocess(file)
				file.Close()

				if err != nil {
					errs[j.index] = errors.Dataset(j.path, err)
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
