package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimilarityThreshold(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
	}{
		{"55%", 0.55},
		{"0.55", 0.55},
		{55, 0.55},
		{0.55, 0.55},
	}
	for _, c := range cases {
		got, err := ParseSimilarityThreshold(c.in)
		require.NoError(t, err)
		assert.InDelta(t, c.want, got, 1e-9)
	}
}

func TestParseSimilarityThresholdInvalid(t *testing.T) {
	_, err := ParseSimilarityThreshold("not-a-number")
	assert.Error(t, err)
}

func TestApplyPresetIdempotent(t *testing.T) {
	doc := Defaults()
	doc.ApplyPreset("accurate")
	first := doc

	doc.ApplyPreset("accurate")
	assert.Equal(t, first.ImageSize, doc.ImageSize)
	assert.Equal(t, first.MaxWorkers, doc.MaxWorkers)
	assert.Equal(t, first.Detectors, doc.Detectors)
	assert.Equal(t, first.FeatureWeights, doc.FeatureWeights)
	assert.Equal(t, first.Options, doc.Options)
}

func TestApplyPresetUnknownNameLeavesFieldsUnchanged(t *testing.T) {
	doc := Defaults()
	doc.ApplyPreset("balanced")
	before := doc
	doc.ApplyPreset("custom")
	assert.Equal(t, before.ImageSize, doc.ImageSize)
	assert.Equal(t, before.PerformanceLevel, doc.PerformanceLevel)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	doc, err := Load("/nonexistent/path/config.yaml", "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", doc.PerformanceLevel)
	assert.Equal(t, 0.55, doc.SimilarityThreshold)
}
