package detect

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
)

// comicOnBackground draws a light rectangle with a dark border over a noisy
// gray background, approximating a photographed comic cover.
func comicOnBackground(totalW, totalH, cx, cy, cw, ch int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, totalW, totalH))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 60}}, image.Point{}, draw.Src)

	border := image.Rect(cx, cy, cx+cw, cy+ch)
	draw.Draw(img, border, &image.Uniform{C: color.Gray{Y: 20}}, image.Point{}, draw.Src)

	inner := image.Rect(cx+8, cy+8, cx+cw-8, cy+ch-8)
	draw.Draw(img, inner, &image.Uniform{C: color.Gray{Y: 230}}, image.Point{}, draw.Src)

	return img
}

func TestDetectFindsCenteredComic(t *testing.T) {
	img := comicOnBackground(400, 400, 60, 40, 280, 320)
	region := Detect(img)

	assert.Greater(t, region.Width, 0)
	assert.Greater(t, region.Height, 0)
	assert.GreaterOrEqual(t, region.X, 0)
	assert.GreaterOrEqual(t, region.Y, 0)
	assert.LessOrEqual(t, region.X+region.Width, 400)
	assert.LessOrEqual(t, region.Y+region.Height, 400)
}

func TestDetectFallsBackToFullFrameOnFlatImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 128}}, image.Point{}, draw.Src)

	region := Detect(img)
	assert.Equal(t, 0, region.X)
	assert.Equal(t, 0, region.Y)
	assert.Equal(t, 100, region.Width)
	assert.Equal(t, 100, region.Height)
}

func TestDetectNeverEnlargesBeyondSource(t *testing.T) {
	img := comicOnBackground(200, 200, 20, 20, 160, 160)
	region := Detect(img)
	assert.LessOrEqual(t, region.Width, 200)
	assert.LessOrEqual(t, region.Height, 200)
}

func TestCropProducesSubImage(t *testing.T) {
	img := comicOnBackground(120, 120, 10, 10, 80, 80)
	region := Region{X: 10, Y: 10, Width: 80, Height: 80}
	cropped := Crop(img, region)
	assert.Equal(t, 80, cropped.Bounds().Dx())
	assert.Equal(t, 80, cropped.Bounds().Dy())
}
