// Package imgproc implements the fixed preprocessing pipeline the feature
// extractor requires (spec §4.4): decode, optional downscale, grayscale
// conversion, CLAHE contrast equalization, and a light Gaussian blur. The
// decode/encode split mirrors the teacher's smartImageProcessor
// (pkg/wallpaper/smart_image_processor.go DecodeImage/EncodeImage), and
// resizing is delegated to disintegration/imaging exactly as the teacher
// does via its resizer type.
package imgproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
)

// MaxLongSide is the longer-side threshold above which an image is
// downscaled before feature extraction (spec §4.4).
const MaxLongSide = 800

// Gray is a single-channel intensity image with values in [0,255].
type Gray struct {
	Pix    []float64
	Width  int
	Height int
}

// At returns the intensity at (x, y), clamping out-of-range coordinates to
// the nearest edge pixel.
func (g *Gray) At(x, y int) float64 {
	if x < 0 {
		x = 0
	}
	if x >= g.Width {
		x = g.Width - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= g.Height {
		y = g.Height - 1
	}
	return g.Pix[y*g.Width+x]
}

// Set stores the intensity at (x, y).
func (g *Gray) Set(x, y int, v float64) {
	g.Pix[y*g.Width+x] = v
}

// DecodeImage decodes an image from bytes, honoring contentType when given
// and falling back to format sniffing otherwise.
func DecodeImage(ctx context.Context, data []byte, contentType string) (image.Image, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	var img image.Image
	var err error
	ext := ""
	switch contentType {
	case "image/png":
		img, err = png.Decode(bytes.NewReader(data))
		ext = "png"
	case "image/jpeg":
		img, err = jpeg.Decode(bytes.NewReader(data))
		ext = "jpg"
	default:
		img, ext, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return img, ext, nil
}

// EncodeImage encodes img as JPEG at the given quality.
func EncodeImage(img image.Image, quality int) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ResizeIfLarger downscales img, preserving aspect ratio, when its longer
// side exceeds maxLongSide. It never enlarges.
func ResizeIfLarger(img image.Image, maxLongSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= maxLongSide {
		return img
	}
	if w >= h {
		return imaging.Resize(img, maxLongSide, 0, imaging.Box)
	}
	return imaging.Resize(img, 0, maxLongSide, imaging.Box)
}

// ToGray converts img to a single-channel intensity image using the
// standard luminance weighting.
func ToGray(img image.Image) *Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	g := &Gray{Pix: make([]float64, w*h), Width: w, Height: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// RGBA() returns 16-bit channels; scale to 8-bit before weighting.
			lum := 0.299*float64(r>>8) + 0.587*float64(gg>>8) + 0.114*float64(bb>>8)
			g.Pix[y*w+x] = lum
		}
	}
	return g
}

// ToImage converts a Gray back into a standard library image.Image
// (image.Gray), with values clamped to [0,255].
func (g *Gray) ToImage() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	for i, v := range g.Pix {
		out.Pix[i] = uint8(clamp(v, 0, 255))
	}
	return out
}

// CLAHE applies contrast-limited adaptive histogram equalization with the
// given clip limit and tile grid size (spec §4.4: clip limit 2.0, 8x8
// tiles). No library in the example corpus implements CLAHE; this is a
// direct, from-scratch implementation of the standard tiled-histogram
// algorithm (bilinear interpolation between tile histograms), justified in
// DESIGN.md as an unavoidable standard-library-equivalent component.
func CLAHE(g *Gray, clipLimit float64, tilesX, tilesY int) *Gray {
	tileW := g.Width / tilesX
	tileH := g.Height / tilesY
	if tileW == 0 {
		tileW = 1
	}
	if tileH == 0 {
		tileH = 1
	}

	// Build a clipped, equalized CDF lookup table per tile.
	luts := make([][]float64, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := x0+tileW, y0+tileH
			if tx == tilesX-1 {
				x1 = g.Width
			}
			if ty == tilesY-1 {
				y1 = g.Height
			}
			luts[ty*tilesX+tx] = buildClaheLUT(g, x0, y0, x1, y1, clipLimit)
		}
	}

	out := &Gray{Pix: make([]float64, len(g.Pix)), Width: g.Width, Height: g.Height}
	for y := 0; y < g.Height; y++ {
		// Tile-space coordinate, offset by half a tile so interpolation is
		// centered on tile centers rather than tile corners.
		fy := float64(y)/float64(tileH) - 0.5
		ty0 := int(math.Floor(fy))
		wy := fy - float64(ty0)
		ty1 := ty0 + 1
		ty0 = clampInt(ty0, 0, tilesY-1)
		ty1 = clampInt(ty1, 0, tilesY-1)

		for x := 0; x < g.Width; x++ {
			fx := float64(x)/float64(tileW) - 0.5
			tx0 := int(math.Floor(fx))
			wx := fx - float64(tx0)
			tx1 := tx0 + 1
			tx0 = clampInt(tx0, 0, tilesX-1)
			tx1 = clampInt(tx1, 0, tilesX-1)

			v := g.At(x, y)
			bin := clampInt(int(v), 0, 255)

			v00 := luts[ty0*tilesX+tx0][bin]
			v01 := luts[ty0*tilesX+tx1][bin]
			v10 := luts[ty1*tilesX+tx0][bin]
			v11 := luts[ty1*tilesX+tx1][bin]

			top := v00*(1-wx) + v01*wx
			bottom := v10*(1-wx) + v11*wx
			out.Set(x, y, top*(1-wy)+bottom*wy)
		}
	}
	return out
}

func buildClaheLUT(g *Gray, x0, y0, x1, y1 int, clipLimit float64) []float64 {
	const bins = 256
	hist := make([]float64, bins)
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			bin := clampInt(int(g.At(x, y)), 0, bins-1)
			hist[bin]++
			n++
		}
	}
	if n == 0 {
		lut := make([]float64, bins)
		for i := range lut {
			lut[i] = float64(i)
		}
		return lut
	}

	// Clip and redistribute, the standard CLAHE step that bounds contrast
	// amplification.
	clip := clipLimit * float64(n) / bins
	if clip < 1 {
		clip = 1
	}
	var excess float64
	for i, c := range hist {
		if c > clip {
			excess += c - clip
			hist[i] = clip
		}
	}
	redistribute := excess / bins
	for i := range hist {
		hist[i] += redistribute
	}

	lut := make([]float64, bins)
	var cdf float64
	for i, c := range hist {
		cdf += c
		lut[i] = cdf / float64(n) * 255
	}
	return lut
}

// GaussianBlur3x3 applies a fixed 3x3 Gaussian kernel (spec §4.4).
func GaussianBlur3x3(g *Gray) *Gray {
	kernel := [3][3]float64{
		{1, 2, 1},
		{2, 4, 2},
		{1, 2, 1},
	}
	const weight = 16.0

	out := &Gray{Pix: make([]float64, len(g.Pix)), Width: g.Width, Height: g.Height}
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var sum float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sum += g.At(x+dx, y+dy) * kernel[dy+1][dx+1]
				}
			}
			out.Set(x, y, sum/weight)
		}
	}
	return out
}

// Preprocess runs the full fixed pipeline described in spec §4.4: resize if
// needed, grayscale, CLAHE, Gaussian blur.
func Preprocess(img image.Image) *Gray {
	resized := ResizeIfLarger(img, MaxLongSide)
	gray := ToGray(resized)
	equalized := CLAHE(gray, 2.0, 8, 8)
	return GaussianBlur3x3(equalized)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NRGBAFrom converts img to *image.NRGBA, used where the detector needs a
// concrete, croppable pixel buffer (mirrors the teacher's SubImager usage
// in smart_image_processor.go).
func NRGBAFrom(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}
