// Package feature implements the two descriptor families the matcher fuses
// (spec §4.4): a SIFT-like scale-invariant gradient-histogram descriptor and
// an ORB-like binary intensity-comparison descriptor. Neither OpenCV nor any
// equivalent computer-vision library appears anywhere in the example corpus,
// so both detectors are from-scratch, deterministic implementations; see
// DESIGN.md for the justification. Each family fails independently: a panic
// or error while extracting one never prevents the other from returning its
// own keypoints.
package feature

import (
	"math"
	"sort"

	"github.com/infernokun/inferno-comics-matcher/internal/imgproc"
	"github.com/infernokun/inferno-comics-matcher/internal/model"
)

// MaxFeatures caps the number of keypoints retained per family (spec §4.4:
// at most 1000 keypoints each).
const MaxFeatures = 1000

// Result holds both descriptor families plus the per-family error, if any
// family's extraction failed.
type Result struct {
	Features model.FeatureSet
	SIFTErr  error
	ORBErr   error
}

// Extract runs both detectors over the preprocessed grayscale image.
func Extract(g *imgproc.Gray, siftMax, orbMax int) Result {
	if siftMax <= 0 || siftMax > MaxFeatures {
		siftMax = MaxFeatures
	}
	if orbMax <= 0 || orbMax > MaxFeatures {
		orbMax = MaxFeatures
	}

	var res Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.SIFTErr = panicErr(r)
			}
		}()
		res.Features.SIFT = extractSIFT(g, siftMax)
	}()
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.ORBErr = panicErr(r)
			}
		}()
		res.Features.ORB = extractORB(g, orbMax)
	}()
	return res
}

func panicErr(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &extractionPanic{v: r}
}

type extractionPanic struct{ v interface{} }

func (e *extractionPanic) Error() string { return "feature extraction panicked" }

// --- SIFT-like family -------------------------------------------------------

type candidate struct {
	x, y     int
	response float64
}

// extractSIFT finds Harris-corner keypoints and builds a 128-dimension
// gradient-orientation-histogram descriptor per keypoint, the classic
// 4x4-cell/8-bin SIFT descriptor layout.
func extractSIFT(g *imgproc.Gray, maxFeatures int) model.DescriptorSet {
	corners := harrisCorners(g, 0.04)
	corners = nonMaxSuppress(corners, g.Width, g.Height, 8)
	sort.Slice(corners, func(i, j int) bool { return corners[i].response > corners[j].response })
	if len(corners) > maxFeatures {
		corners = corners[:maxFeatures]
	}

	keypoints := make([]model.Keypoint, 0, len(corners))
	descriptors := make([][]float32, 0, len(corners))

	const patch = 16
	const half = patch / 2
	for _, c := range corners {
		if c.x-half < 0 || c.y-half < 0 || c.x+half >= g.Width || c.y+half >= g.Height {
			continue
		}
		desc, angle := siftDescriptor(g, c.x, c.y)
		keypoints = append(keypoints, model.Keypoint{
			X: float64(c.x), Y: float64(c.y), Size: patch, Angle: angle,
			Response: c.response, Octave: 0,
		})
		descriptors = append(descriptors, desc)
	}

	return model.DescriptorSet{Keypoints: keypoints, Descriptors: descriptors, Count: len(keypoints)}
}

func harrisCorners(g *imgproc.Gray, k float64) []candidate {
	w, h := g.Width, g.Height
	ixx := make([]float64, w*h)
	iyy := make([]float64, w*h)
	ixy := make([]float64, w*h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := sobelX(g, x, y)
			gy := sobelY(g, x, y)
			ixx[y*w+x] = gx * gx
			iyy[y*w+x] = gy * gy
			ixy[y*w+x] = gx * gy
		}
	}

	var out []candidate
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var sxx, syy, sxy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					idx := (y+dy)*w + (x + dx)
					sxx += ixx[idx]
					syy += iyy[idx]
					sxy += ixy[idx]
				}
			}
			det := sxx*syy - sxy*sxy
			trace := sxx + syy
			response := det - k*trace*trace
			if response > 1e4 {
				out = append(out, candidate{x: x, y: y, response: response})
			}
		}
	}
	return out
}

// nonMaxSuppress keeps at most one candidate per radius x radius cell,
// preferring the strongest response, so keypoints don't cluster.
func nonMaxSuppress(cands []candidate, w, h, radius int) []candidate {
	cols := (w / radius) + 1
	rows := (h / radius) + 1
	best := make(map[int]candidate, len(cands))
	for _, c := range cands {
		cell := (c.y/radius)*cols + (c.x / radius)
		if cur, ok := best[cell]; !ok || c.response > cur.response {
			best[cell] = c
		}
	}
	_ = rows
	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
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

// siftDescriptor builds a 128-d descriptor (4x4 cells, 8 orientation bins
// each) from the 16x16 patch centered on (cx, cy), oriented relative to the
// patch's dominant gradient direction for rotation invariance, and
// normalizes the result to unit length.
func siftDescriptor(g *imgproc.Gray, cx, cy int) ([]float32, float64) {
	const patch = 16
	const half = patch / 2
	const cells = 4
	const cellSize = patch / cells
	const bins = 8

	dominant := dominantOrientation(g, cx, cy, half)
	cosA, sinA := math.Cos(-dominant), math.Sin(-dominant)

	desc := make([]float32, cells*cells*bins)
	for cyi := 0; cyi < cells; cyi++ {
		for cxi := 0; cxi < cells; cxi++ {
			hist := make([]float64, bins)
			for py := 0; py < cellSize; py++ {
				for px := 0; px < cellSize; px++ {
					lx := cxi*cellSize + px - half
					ly := cyi*cellSize + py - half
					// Rotate the sample point into the dominant-orientation frame.
					rx := float64(lx)*cosA - float64(ly)*sinA
					ry := float64(lx)*sinA + float64(ly)*cosA
					sx := cx + int(math.Round(rx))
					sy := cy + int(math.Round(ry))

					gx := sobelX(g, sx, sy)
					gy := sobelY(g, sx, sy)
					mag := math.Hypot(gx, gy)
					angle := math.Atan2(gy, gx) - dominant
					for angle < 0 {
						angle += 2 * math.Pi
					}
					bin := int(angle / (2 * math.Pi) * bins)
					if bin >= bins {
						bin = bins - 1
					}
					hist[bin] += mag
				}
			}
			base := (cyi*cells + cxi) * bins
			for b := 0; b < bins; b++ {
				desc[base+b] = float32(hist[b])
			}
		}
	}

	normalizeL2(desc)
	return desc, dominant
}

func dominantOrientation(g *imgproc.Gray, cx, cy, radius int) float64 {
	hist := make([]float64, 36)
	for dy := -radius; dy < radius; dy++ {
		for dx := -radius; dx < radius; dx++ {
			gx := sobelX(g, cx+dx, cy+dy)
			gy := sobelY(g, cx+dx, cy+dy)
			mag := math.Hypot(gx, gy)
			angle := math.Atan2(gy, gx)
			if angle < 0 {
				angle += 2 * math.Pi
			}
			bin := int(angle / (2 * math.Pi) * 36)
			if bin >= 36 {
				bin = 35
			}
			hist[bin] += mag
		}
	}
	best := 0
	for i := 1; i < len(hist); i++ {
		if hist[i] > hist[best] {
			best = i
		}
	}
	return float64(best) / 36 * 2 * math.Pi
}

func normalizeL2(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// --- ORB-like family --------------------------------------------------------

// orbPattern is a fixed set of 256 coordinate pairs sampled within a 31x31
// patch, used for the BRIEF-style binary descriptor. Deterministic and
// reused across all keypoints, matching ORB's fixed sampling pattern.
var orbPattern = generateOrbPattern(256, 31)

func generateOrbPattern(n, patchSize int) [][4]int {
	pattern := make([][4]int, n)
	half := patchSize / 2
	// A fixed-seed xorshift64 sequence, so every process builds the same
	// set of comparison pairs.
	state := uint64(88172645463325252)
	next := func() uint64 {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		return state
	}
	for i := 0; i < n; i++ {
		x1 := int(next()%uint64(patchSize)) - half
		y1 := int(next()%uint64(patchSize)) - half
		x2 := int(next()%uint64(patchSize)) - half
		y2 := int(next()%uint64(patchSize)) - half
		pattern[i] = [4]int{x1, y1, x2, y2}
	}
	return pattern
}

// extractORB finds FAST-like corners and builds a 256-bit BRIEF-style binary
// descriptor (packed into 4 uint64 words) per keypoint.
func extractORB(g *imgproc.Gray, maxFeatures int) model.DescriptorSet {
	corners := fastCorners(g, 20)
	corners = nonMaxSuppress(corners, g.Width, g.Height, 6)
	sort.Slice(corners, func(i, j int) bool { return corners[i].response > corners[j].response })
	if len(corners) > maxFeatures {
		corners = corners[:maxFeatures]
	}

	const half = 15
	keypoints := make([]model.Keypoint, 0, len(corners))
	rows := make([][]uint64, 0, len(corners))

	for _, c := range corners {
		if c.x-half < 0 || c.y-half < 0 || c.x+half >= g.Width || c.y+half >= g.Height {
			continue
		}
		row := orbDescriptor(g, c.x, c.y)
		keypoints = append(keypoints, model.Keypoint{
			X: float64(c.x), Y: float64(c.y), Size: 31, Response: c.response,
		})
		rows = append(rows, row)
	}

	return model.DescriptorSet{Keypoints: keypoints, Binary: rows, Count: len(keypoints)}
}

// fastCorners implements a simplified FAST-9 test: a pixel is a corner when
// a contiguous arc of at least 9 of the 16 Bresenham-circle pixels is
// uniformly brighter or darker than the center by more than threshold.
func fastCorners(g *imgproc.Gray, threshold float64) []candidate {
	offsets := [16][2]int{
		{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
		{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
	}

	var out []candidate
	for y := 3; y < g.Height-3; y++ {
		for x := 3; x < g.Width-3; x++ {
			center := g.At(x, y)
			brighter := 0
			darker := 0
			maxRun := 0
			curRun := 0
			curSign := 0
			for i := 0; i < 16+8; i++ {
				o := offsets[i%16]
				v := g.At(x+o[0], y+o[1])
				sign := 0
				if v > center+threshold {
					sign = 1
					brighter++
				} else if v < center-threshold {
					sign = -1
					darker++
				}
				if sign != 0 && sign == curSign {
					curRun++
				} else {
					curRun = 1
					curSign = sign
				}
				if curRun > maxRun {
					maxRun = curRun
				}
			}
			if maxRun >= 9 {
				resp := math.Abs(float64(brighter - darker))
				out = append(out, candidate{x: x, y: y, response: resp})
			}
		}
	}
	return out
}

func orbDescriptor(g *imgproc.Gray, cx, cy int) []uint64 {
	words := make([]uint64, (len(orbPattern)+63)/64)
	for i, p := range orbPattern {
		a := g.At(cx+p[0], cy+p[1])
		b := g.At(cx+p[2], cy+p[3])
		if a < b {
			words[i/64] |= 1 << uint(i%64)
		}
	}
	return words
}
