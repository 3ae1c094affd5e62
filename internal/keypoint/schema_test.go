package keypoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-matcher/internal/model"
)

func TestEncodeDecodeDescriptorSetFloatRoundTrip(t *testing.T) {
	ds := model.DescriptorSet{
		Keypoints: []model.Keypoint{
			{X: 1.5, Y: 2.5, Size: 3, Angle: 45, Response: 0.9, Octave: 1, ClassID: 0},
			{X: 10, Y: 20, Size: 4, Angle: 90, Response: 0.5, Octave: 0, ClassID: 2},
		},
		Descriptors: [][]float32{
			{0.1, 0.2, 0.3},
			{0.4, 0.5, 0.6},
		},
		Count: 2,
	}

	data, err := EncodeDescriptorSet(ds)
	require.NoError(t, err)

	decoded, err := DecodeDescriptorSet(data)
	require.NoError(t, err)

	assert.Equal(t, ds.Keypoints, decoded.Keypoints)
	assert.Equal(t, ds.Descriptors, decoded.Descriptors)
	assert.Equal(t, ds.Count, decoded.Count)
}

func TestEncodeDecodeDescriptorSetBinaryRoundTrip(t *testing.T) {
	ds := model.DescriptorSet{
		Keypoints: []model.Keypoint{{X: 1, Y: 1, Size: 1, Angle: 0, Response: 1, Octave: 0, ClassID: 0}},
		Binary:    [][]uint64{{0xdeadbeef, 0x1, 0x2, 0x3}},
		Count:     1,
	}

	data, err := EncodeDescriptorSet(ds)
	require.NoError(t, err)

	decoded, err := DecodeDescriptorSet(data)
	require.NoError(t, err)
	assert.Equal(t, ds.Binary, decoded.Binary)
}

func TestDecodeDescriptorSetRejectsBadMagic(t *testing.T) {
	_, err := DecodeDescriptorSet([]byte{0, 1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeDecodeFeatureSetRoundTrip(t *testing.T) {
	fs := model.FeatureSet{
		SIFT: model.DescriptorSet{Keypoints: []model.Keypoint{{X: 1, Y: 2}}, Descriptors: [][]float32{{1, 2}}, Count: 1},
		ORB:  model.DescriptorSet{Keypoints: []model.Keypoint{{X: 3, Y: 4}}, Binary: [][]uint64{{9}}, Count: 1},
	}

	sift, orb, err := EncodeFeatureSet(fs)
	require.NoError(t, err)

	decoded, err := DecodeFeatureSet(sift, orb)
	require.NoError(t, err)
	assert.Equal(t, fs.SIFT.Descriptors, decoded.SIFT.Descriptors)
	assert.Equal(t, fs.ORB.Binary, decoded.ORB.Binary)
}

func TestEncodeDescriptorSetEmptyRoundTrip(t *testing.T) {
	data, err := EncodeDescriptorSet(model.DescriptorSet{})
	require.NoError(t, err)

	decoded, err := DecodeDescriptorSet(data)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Count)
}
