// Package match implements the kNN ratio-test matcher and the weighted
// fusion of per-family similarities (spec §4.5). Matching is brute-force,
// grounded on the same sequential-scan approach the teacher uses for
// small in-memory collections rather than pulling in an approximate
// nearest-neighbor library (none of which appear in the example corpus).
package match

import (
	"math"
	"math/bits"

	"github.com/infernokun/inferno-comics-matcher/internal/model"
)

// MinEntriesForMatch is the minimum descriptor count a family needs on both
// sides before matching is attempted; below this, similarity for that
// family is forced to zero (spec §4.5 short-circuit rule).
const MinEntriesForMatch = 11

// FamilyResult is the outcome of matching one descriptor family between a
// query and a candidate.
type FamilyResult struct {
	GoodMatches int
	Similarity  float64
}

// MatchSIFT runs kNN (k=2) ratio-test matching between two float32
// descriptor sets.
func MatchSIFT(query, candidate model.DescriptorSet, ratio float64) FamilyResult {
	if query.Count < MinEntriesForMatch || candidate.Count < MinEntriesForMatch {
		return FamilyResult{}
	}

	good := 0
	for _, q := range query.Descriptors {
		best, second := math.MaxFloat64, math.MaxFloat64
		for _, c := range candidate.Descriptors {
			d := euclidean(q, c)
			if d < best {
				second = best
				best = d
			} else if d < second {
				second = d
			}
		}
		if second == math.MaxFloat64 {
			continue
		}
		if best < ratio*second {
			good++
		}
	}

	return FamilyResult{
		GoodMatches: good,
		Similarity:  float64(good) / float64(maxInt(query.Count, candidate.Count)),
	}
}

// MatchORB runs kNN (k=2) ratio-test matching between two binary descriptor
// sets using Hamming distance.
func MatchORB(query, candidate model.DescriptorSet, ratio float64) FamilyResult {
	if query.Count < MinEntriesForMatch || candidate.Count < MinEntriesForMatch {
		return FamilyResult{}
	}

	good := 0
	for _, q := range query.Binary {
		best, second := math.MaxInt32, math.MaxInt32
		for _, c := range candidate.Binary {
			d := hamming(q, c)
			if d < best {
				second = best
				best = d
			} else if d < second {
				second = d
			}
		}
		if second == math.MaxInt32 {
			continue
		}
		if float64(best) < ratio*float64(second) {
			good++
		}
	}

	return FamilyResult{
		GoodMatches: good,
		Similarity:  float64(good) / float64(maxInt(query.Count, candidate.Count)),
	}
}

// Fuse combines the two family similarities per the spec's weighting rule:
// when both are positive, a weighted blend; when exactly one is positive,
// that family's value alone; when both are zero, zero.
func Fuse(sift, orb FamilyResult, siftWeight, orbWeight float64) float64 {
	switch {
	case sift.Similarity > 0 && orb.Similarity > 0:
		return siftWeight*sift.Similarity + orbWeight*orb.Similarity
	case sift.Similarity > 0:
		return sift.Similarity
	case orb.Similarity > 0:
		return orb.Similarity
	default:
		return 0
	}
}

func euclidean(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func hamming(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount64(a[i] ^ b[i])
	}
	return dist
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
