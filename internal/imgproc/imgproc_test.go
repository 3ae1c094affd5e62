package imgproc

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestResizeIfLargerNeverEnlarges(t *testing.T) {
	img := solidImage(100, 50, color.White)
	out := ResizeIfLarger(img, MaxLongSide)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())
}

func TestResizeIfLargerDownscalesLongerSide(t *testing.T) {
	img := solidImage(1600, 800, color.White)
	out := ResizeIfLarger(img, MaxLongSide)
	assert.Equal(t, MaxLongSide, out.Bounds().Dx())
	assert.Equal(t, 400, out.Bounds().Dy())
}

func TestToGrayWhiteIsNearMax(t *testing.T) {
	img := solidImage(4, 4, color.White)
	g := ToGray(img)
	assert.InDelta(t, 255.0, g.At(0, 0), 1.0)
}

func TestToGrayBlackIsZero(t *testing.T) {
	img := solidImage(4, 4, color.Black)
	g := ToGray(img)
	assert.InDelta(t, 0.0, g.At(0, 0), 1.0)
}

func TestCLAHEPreservesDimensions(t *testing.T) {
	img := solidImage(64, 64, color.Gray16{Value: 0x8080})
	g := ToGray(img)
	out := CLAHE(g, 2.0, 8, 8)
	assert.Equal(t, g.Width, out.Width)
	assert.Equal(t, g.Height, out.Height)
}

func TestGaussianBlurSmoothsImpulse(t *testing.T) {
	g := &Gray{Pix: make([]float64, 9), Width: 3, Height: 3}
	g.Set(1, 1, 255)
	out := GaussianBlur3x3(g)
	assert.Less(t, out.At(1, 1), 255.0)
	assert.Greater(t, out.At(0, 0), 0.0)
}

func TestPreprocessProducesGray(t *testing.T) {
	img := solidImage(200, 100, color.RGBA{R: 10, G: 200, B: 50, A: 255})
	g := Preprocess(img)
	assert.Equal(t, 200, g.Width)
	assert.Equal(t, 100, g.Height)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	img := solidImage(16, 16, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	data, err := EncodeImage(img, 90)
	require.NoError(t, err)

	decoded, ext, err := DecodeImage(context.Background(), data, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "jpg", ext)
	assert.Equal(t, 16, decoded.Bounds().Dx())
}

func TestDecodeImageContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := DecodeImage(ctx, []byte{}, "image/jpeg")
	assert.Error(t, err)
}
