package preprocessing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-metal-transfer/errors"
)

// createMockPNGImage creates a lossless image whose left half is left and
// right half is right
func createMockPNGImage(t *testing.T, width, height int, left, right color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < width/2 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func createMockJPEGImage(t *testing.T, width, height int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

var (
	red  = color.RGBA{255, 0, 0, 255}
	blue = color.RGBA{0, 0, 255, 255}
)

// TestImageProcessorDecodeAndPreprocess tests image decoding and preprocessing
func TestImageProcessorDecodeAndPreprocess(t *testing.T) {
	processor := NewImageProcessor(8)
	assert.Equal(t, 8, processor.TargetSize())

	t.Run("PNGResized", func(t *testing.T) {
		img, err := processor.DecodeAndPreprocess(bytes.NewReader(createMockPNGImage(t, 32, 16, red, blue)))
		require.NoError(t, err)
		assert.Equal(t, 8, img.Width)
		assert.Equal(t, 8, img.Height)
		assert.Equal(t, 3, img.Channels)
		require.Len(t, img.Data, 8*8*3)

		// top-left pixel is red, top-right is blue, values are raw bytes
		assert.InDeltaSlice(t, []float32{255, 0, 0}, img.Data[0:3], 1)
		assert.InDeltaSlice(t, []float32{0, 0, 255}, img.Data[7*3:8*3], 1)
	})

	t.Run("JPEGSameSize", func(t *testing.T) {
		img, err := processor.DecodeAndPreprocess(bytes.NewReader(createMockJPEGImage(t, 8, 8, red)))
		require.NoError(t, err)
		assert.InDelta(t, 255, img.Data[0], 4)
		assert.InDelta(t, 0, img.Data[1], 4)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := processor.DecodeAndPreprocess(bytes.NewReader([]byte("not an image")))
		assert.Error(t, err)
	})
}

func TestFlipHorizontal(t *testing.T) {
	// 3x3 image, channel value encodes the column
	data := []float32{
		0, 0, 0, 1, 1, 1, 2, 2, 2,
		0, 0, 0, 1, 1, 1, 2, 2, 2,
		0, 0, 0, 1, 1, 1, 2, 2, 2,
	}
	FlipHorizontal(data, 3)
	for y := 0; y < 3; y++ {
		assert.Equal(t, []float32{2, 2, 2, 1, 1, 1, 0, 0, 0}, data[y*9:(y+1)*9])
	}

	FlipHorizontal(data, 3)
	assert.Equal(t, []float32{0, 0, 0, 1, 1, 1, 2, 2, 2}, data[:9])
}

func TestWriteLayout(t *testing.T) {
	// 2x2 image, pixel p has channels (p, 10+p, 20+p)
	hwc := []float32{0, 10, 20, 1, 11, 21, 2, 12, 22, 3, 13, 23}

	dst := make([]float32, len(hwc))
	WriteLayout(dst, hwc, 2, NHWC)
	assert.Equal(t, hwc, dst)

	WriteLayout(dst, hwc, 2, NCHW)
	assert.Equal(t, []float32{0, 1, 2, 3, 10, 11, 12, 13, 20, 21, 22, 23}, dst)

	assert.Equal(t, "NCHW", NCHW.String())
	assert.Equal(t, "NHWC", NHWC.String())
}

func TestNormalizers(t *testing.T) {
	t.Run("ScaleToUnitRange", func(t *testing.T) {
		px := []float32{0, 127.5, 255}
		ScaleToUnitRange(px)
		assert.Equal(t, []float32{-1, 0, 1}, px)
	})

	t.Run("CaffeBGR", func(t *testing.T) {
		px := []float32{200, 100, 50}
		CaffeBGR(px)
		assert.InDelta(t, 50-103.939, px[0], 1e-4)
		assert.InDelta(t, 100-116.779, px[1], 1e-4)
		assert.InDelta(t, 200-123.68, px[2], 1e-4)
	})

	t.Run("Identity", func(t *testing.T) {
		px := []float32{1, 2, 3}
		Identity(px)
		assert.Equal(t, []float32{1, 2, 3}, px)
	})
}

func TestPreprocessBatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	colors := []color.RGBA{red, blue, {0, 255, 0, 255}, red, blue}
	var paths []string
	for i, c := range colors {
		path := "img/" + string(rune('a'+i)) + ".png"
		require.NoError(t, afero.WriteFile(fs, path, createMockPNGImage(t, 10, 10, c, c), 0644))
		paths = append(paths, path)
	}

	t.Run("OrderPreserved", func(t *testing.T) {
		imgs, err := PreprocessBatch(context.Background(), fs, paths, 4, 3)
		require.NoError(t, err)
		require.Len(t, imgs, len(paths))
		for i, c := range colors {
			assert.InDeltaSlice(t, []float32{float32(c.R), float32(c.G), float32(c.B)}, imgs[i].Data[:3], 1)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := PreprocessBatch(context.Background(), fs, append(paths, "img/missing.png"), 4, 2)
		assert.True(t, errors.IsDataset(err))
	})

	t.Run("CorruptFile", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "img/bad.jpg", []byte("truncated"), 0644))
		_, err := PreprocessBatch(context.Background(), fs, []string{"img/bad.jpg"}, 4, 1)
		require.Error(t, err)
		var de *errors.DatasetError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "img/bad.jpg", de.Path)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := PreprocessBatch(ctx, fs, paths, 4, 2)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("Empty", func(t *testing.T) {
		imgs, err := PreprocessBatch(context.Background(), fs, nil, 4, 2)
		require.NoError(t, err)
		assert.Empty(t, imgs)
	})
}
