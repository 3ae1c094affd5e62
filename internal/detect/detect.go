// Package detect implements the comic-area detector (spec §4.3): it locates
// the rectangular comic cover within a larger photographed frame using edge
// detection and contour scoring, falling back to the full frame when no
// region clears the acceptance threshold. No edge-detection/contour library
// exists anywhere in the example corpus, so this is a from-scratch Canny +
// connected-component implementation; see DESIGN.md for the justification.
package detect

import (
	"image"
	"math"
	"sort"

	"github.com/infernokun/inferno-comics-matcher/internal/imgproc"
)

// Region is a detected rectangular area within the source image, expressed
// in source-image pixel coordinates.
type Region struct {
	X, Y, Width, Height int
	Score               float64
}

const (
	minFrameAreaFraction = 0.05
	maxFrameAreaFraction = 0.95
	minAspectRatio       = 0.6
	maxAspectRatio       = 3.5
	minFillRatio         = 0.4
	acceptThreshold      = 0.15
	padding              = 15
	idealAspectRatio     = 1.4
)

// Detect locates the best comic-cover candidate region in img. When no
// region clears the acceptance threshold, it returns the full image bounds
// with a zero score, matching the spec's fallback-to-full-frame behavior.
func Detect(img image.Image) Region {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	full := Region{X: 0, Y: 0, Width: w, Height: h}

	gray := imgproc.ToGray(img)
	blurred := imgproc.GaussianBlur3x3(gray)

	// Dual Canny edge maps at two threshold pairs, unioned, mirrors the
	// spec's "dual edge maps" step to catch both strong and weak comic
	// borders.
	edgesLow := canny(blurred, 30, 90)
	edgesHigh := canny(blurred, 60, 180)
	edges := unionBitmaps(edgesLow, edgesHigh)

	closed := closeAndDilate(edges, w, h, 5)
	contours := findExternalContours(closed, w, h)

	imageArea := float64(w * h)
	best := full
	bestScore := 0.0

	for _, c := range contours {
		rect := c.boundingRect()
		area := float64(rect.Width * rect.Height)
		if area <= 0 {
			continue
		}
		areaFraction := area / imageArea
		if areaFraction < minFrameAreaFraction || areaFraction > maxFrameAreaFraction {
			continue
		}
		aspect := float64(rect.Width) / float64(rect.Height)
		if aspect < minAspectRatio || aspect > maxAspectRatio {
			continue
		}
		fillRatio := c.area() / area
		if fillRatio <= minFillRatio {
			continue
		}

		aspectTerm := math.Min(aspect/idealAspectRatio, 1.0)
		score := areaFraction * fillRatio * aspectTerm
		if score > bestScore {
			bestScore = score
			best = Region{X: rect.Min.X, Y: rect.Min.Y, Width: rect.Width, Height: rect.Height, Score: score}
		}
	}

	if bestScore < acceptThreshold {
		return full
	}

	return padRegion(best, padding, w, h)
}

func padRegion(r Region, pad, maxW, maxH int) Region {
	x0 := r.X - pad
	y0 := r.Y - pad
	x1 := r.X + r.Width + pad
	y1 := r.Y + r.Height + pad
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > maxW {
		x1 = maxW
	}
	if y1 > maxH {
		y1 = maxH
	}
	return Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0, Score: r.Score}
}

// Crop extracts the region from img. Callers are expected to pass a region
// produced by Detect, which is always clamped within img's bounds.
func Crop(img image.Image, r Region) image.Image {
	b := img.Bounds()
	rect := image.Rect(b.Min.X+r.X, b.Min.Y+r.Y, b.Min.X+r.X+r.Width, b.Min.Y+r.Y+r.Height)
	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect)
	}
	nrgba := imgproc.NRGBAFrom(img)
	return nrgba.SubImage(rect)
}

// --- bitmap edge detection -------------------------------------------------

type bitmap struct {
	bits   []bool
	w, h   int
}

func newBitmap(w, h int) *bitmap {
	return &bitmap{bits: make([]bool, w*h), w: w, h: h}
}

func (b *bitmap) get(x, y int) bool {
	if x < 0 || x >= b.w || y < 0 || y >= b.h {
		return false
	}
	return b.bits[y*b.w+x]
}

func (b *bitmap) set(x, y int, v bool) {
	if x < 0 || x >= b.w || y < 0 || y >= b.h {
		return
	}
	b.bits[y*b.w+x] = v
}

// canny runs a simplified Canny edge detector: Sobel gradients, magnitude
// thresholding with hysteresis between low and high. It has no non-maximum
// suppression or thinning step, so edges stay several pixels wide, which is
// sufficient for the rectangular borders a comic cover shot presents.
func canny(g *imgproc.Gray, low, high float64) *bitmap {
	w, h := g.Width, g.Height
	mag := make([]float64, w*h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := sobelX(g, x, y)
			gy := sobelY(g, x, y)
			mag[y*w+x] = math.Hypot(gx, gy)
		}
	}

	strong := newBitmap(w, h)
	weak := newBitmap(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := mag[y*w+x]
			if m >= high {
				strong.set(x, y, true)
			} else if m >= low {
				weak.set(x, y, true)
			}
		}
	}

	// Hysteresis: promote weak pixels adjacent to a strong pixel.
	out := newBitmap(w, h)
	queue := make([][2]int, 0, w*h/8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if strong.get(x, y) {
				out.set(x, y, true)
				queue = append(queue, [2]int{x, y})
			}
		}
	}
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := p[0]+dx, p[1]+dy
				if weak.get(nx, ny) && !out.get(nx, ny) {
					out.set(nx, ny, true)
					queue = append(queue, [2]int{nx, ny})
				}
			}
		}
	}
	return out
}

func sobelX(g *imgproc.Gray, x, y int) float64 {
	return -g.At(x-1, y-1) + g.At(x+1, y-1) +
		-2*g.At(x-1, y) + 2*g.At(x+1, y) +
		-g.At(x-1, y+1) + g.At(x+1, y+1)
}

func sobelY(g *imgproc.Gray, x, y int) float64 {
	return -g.At(x-1, y-1) - 2*g.At(x, y-1) - g.At(x+1, y-1) +
		g.At(x-1, y+1) + 2*g.At(x, y+1) + g.At(x+1, y+1)
}

func unionBitmaps(a, b *bitmap) *bitmap {
	out := newBitmap(a.w, a.h)
	for i := range out.bits {
		out.bits[i] = a.bits[i] || b.bits[i]
	}
	return out
}

// closeAndDilate applies a square structuring element morphological close
// (dilate then erode) followed by one more dilation pass, matching the
// spec's "close, then dilate" step that bridges small gaps in a comic's
// border before contour extraction.
func closeAndDilate(b *bitmap, w, h, kernel int) *bitmap {
	dilated := morph(b, w, h, kernel, true)
	closed := morph(dilated, w, h, kernel, false)
	return morph(closed, w, h, kernel, true)
}

func morph(b *bitmap, w, h, kernel int, dilate bool) *bitmap {
	r := kernel / 2
	out := newBitmap(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if dilate {
				found := false
				for dy := -r; dy <= r && !found; dy++ {
					for dx := -r; dx <= r; dx++ {
						if b.get(x+dx, y+dy) {
							found = true
							break
						}
					}
				}
				out.set(x, y, found)
			} else {
				all := true
				for dy := -r; dy <= r && all; dy++ {
					for dx := -r; dx <= r; dx++ {
						if !b.get(x+dx, y+dy) {
							all = false
							break
						}
					}
				}
				out.set(x, y, all)
			}
		}
	}
	return out
}

// --- connected-component contour extraction --------------------------------

type contour struct {
	points []image.Point
}

func (c *contour) boundingRect() image.Rectangle {
	minX, minY := math.MaxInt32, math.MaxInt32
	maxX, maxY := math.MinInt32, math.MinInt32
	for _, p := range c.points {
		if p.X < minX {
			minX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

func (c *contour) area() float64 {
	return float64(len(c.points))
}

// findExternalContours labels connected components of set pixels in b using
// a 4-connected flood fill, returning one contour per component. This
// substitutes for a full border-tracing contour algorithm: for the
// rectangular, axis-aligned borders this detector targets, the bounding box
// and pixel count of each connected edge blob are what scoring needs.
func findExternalContours(b *bitmap, w, h int) []contour {
	visited := make([]bool, w*h)
	var contours []contour

	stack := make([]image.Point, 0, 256)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || !b.bits[idx] {
				continue
			}
			var pts []image.Point
			stack = stack[:0]
			stack = append(stack, image.Point{X: x, Y: y})
			visited[idx] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				pts = append(pts, p)
				neighbors := [4]image.Point{
					{X: p.X - 1, Y: p.Y}, {X: p.X + 1, Y: p.Y},
					{X: p.X, Y: p.Y - 1}, {X: p.X, Y: p.Y + 1},
				}
				for _, n := range neighbors {
					if n.X < 0 || n.X >= w || n.Y < 0 || n.Y >= h {
						continue
					}
					nidx := n.Y*w + n.X
					if !visited[nidx] && b.bits[nidx] {
						visited[nidx] = true
						stack = append(stack, n)
					}
				}
			}
			contours = append(contours, contour{points: pts})
		}
	}

	sort.Slice(contours, func(i, j int) bool {
		return contours[i].area() > contours[j].area()
	})
	return contours
}
