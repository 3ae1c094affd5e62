package feature

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/infernokun/inferno-comics-matcher/internal/imgproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(w, h, cell int) *imgproc.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 20})
			} else {
				img.SetGray(x, y, color.Gray{Y: 230})
			}
		}
	}
	rgba := image.NewNRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, image.Point{}, draw.Src)
	return imgproc.ToGray(rgba)
}

func TestExtractReturnsBothFamilies(t *testing.T) {
	g := checkerboard(128, 128, 16)
	res := Extract(g, 0, 0)
	require.NoError(t, res.SIFTErr)
	require.NoError(t, res.ORBErr)
	assert.Equal(t, len(res.Features.SIFT.Keypoints), res.Features.SIFT.Count)
	assert.Equal(t, len(res.Features.ORB.Keypoints), res.Features.ORB.Count)
}

func TestSIFTDescriptorsAre128Dimensions(t *testing.T) {
	g := checkerboard(128, 128, 16)
	ds := extractSIFT(g, 50)
	for _, row := range ds.Descriptors {
		assert.Len(t, row, 128)
	}
}

func TestSIFTDescriptorsAreUnitNormalized(t *testing.T) {
	g := checkerboard(128, 128, 16)
	ds := extractSIFT(g, 50)
	if len(ds.Descriptors) == 0 {
		t.Skip("no keypoints found on synthetic pattern")
	}
	var sumSq float64
	for _, v := range ds.Descriptors[0] {
		sumSq += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sumSq, 0.05)
}

func TestORBDescriptorsArePacked(t *testing.T) {
	g := checkerboard(128, 128, 16)
	ds := extractORB(g, 50)
	for _, row := range ds.Binary {
		assert.Len(t, row, 4)
	}
}

func TestExtractCapsFeatureCount(t *testing.T) {
	g := checkerboard(256, 256, 4)
	ds := extractSIFT(g, 10)
	assert.LessOrEqual(t, ds.Count, 10)
}

func TestExtractOnFlatImageYieldsFewOrNoKeypoints(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 128}}, image.Point{}, draw.Src)
	g := imgproc.ToGray(img)

	res := Extract(g, 0, 0)
	require.NoError(t, res.SIFTErr)
	require.NoError(t, res.ORBErr)
	assert.Less(t, res.Features.SIFT.Count, 5)
}
