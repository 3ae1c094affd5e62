// Package keypoint defines a fixed binary schema for serializing detector
// keypoints and descriptors, used by internal/cache to persist feature sets
// without relying on language-native pickling (design note in spec §9:
// "Serialized foreign objects (keypoints/descriptors) -> explicit schema").
//
// Wire format, all fields little-endian:
//
//	magic      uint32   "KPS1"
//	kind       uint8    0 = float32 descriptor rows, 1 = packed uint64 rows
//	count      uint32   number of keypoints
//	rowWidth   uint32   descriptor row width (float32 columns, or uint64 words)
//	keypoints  count * (x,y,size,angle,response float64; octave,classID int32)
//	descriptors count * rowWidth * (float32 | uint64)
package keypoint

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/infernokun/inferno-comics-matcher/internal/model"
)

const magic uint32 = 0x4b505331 // "KPS1"

const (
	kindFloat32 uint8 = 0
	kindUint64  uint8 = 1
)

// EncodeDescriptorSet serializes one detector family's descriptor set.
func EncodeDescriptorSet(ds model.DescriptorSet) ([]byte, error) {
	var kind uint8
	var rowWidth int
	switch {
	case ds.Descriptors != nil:
		kind = kindFloat32
		if len(ds.Descriptors) > 0 {
			rowWidth = len(ds.Descriptors[0])
		}
	case ds.Binary != nil:
		kind = kindUint64
		if len(ds.Binary) > 0 {
			rowWidth = len(ds.Binary[0])
		}
	}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, magic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, kind); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ds.Keypoints))); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(rowWidth)); err != nil {
		return nil, err
	}

	for _, kp := range ds.Keypoints {
		fields := []float64{kp.X, kp.Y, kp.Size, kp.Angle, kp.Response}
		for _, f := range fields {
			if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
				return nil, err
			}
		}
		if err := binary.Write(buf, binary.LittleEndian, int32(kp.Octave)); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, int32(kp.ClassID)); err != nil {
			return nil, err
		}
	}

	switch kind {
	case kindFloat32:
		for _, row := range ds.Descriptors {
			for _, v := range row {
				if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
					return nil, err
				}
			}
		}
	case kindUint64:
		for _, row := range ds.Binary {
			for _, v := range row {
				if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
					return nil, err
				}
			}
		}
	}

	return buf.Bytes(), nil
}

// DecodeDescriptorSet is the inverse of EncodeDescriptorSet. Round-tripping
// a keypoint/descriptor set through Encode/Decode must be an identity under
// matching (spec §8 round-trip laws).
func DecodeDescriptorSet(data []byte) (model.DescriptorSet, error) {
	r := bytes.NewReader(data)

	var gotMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return model.DescriptorSet{}, fmt.Errorf("reading magic: %w", err)
	}
	if gotMagic != magic {
		return model.DescriptorSet{}, fmt.Errorf("keypoint: bad magic %#x", gotMagic)
	}

	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return model.DescriptorSet{}, fmt.Errorf("reading kind: %w", err)
	}
	var count, rowWidth uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return model.DescriptorSet{}, fmt.Errorf("reading count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rowWidth); err != nil {
		return model.DescriptorSet{}, fmt.Errorf("reading rowWidth: %w", err)
	}

	keypoints := make([]model.Keypoint, count)
	for i := range keypoints {
		var fields [5]float64
		for j := range fields {
			if err := binary.Read(r, binary.LittleEndian, &fields[j]); err != nil {
				return model.DescriptorSet{}, fmt.Errorf("reading keypoint %d: %w", i, err)
			}
		}
		var octave, classID int32
		if err := binary.Read(r, binary.LittleEndian, &octave); err != nil {
			return model.DescriptorSet{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &classID); err != nil {
			return model.DescriptorSet{}, err
		}
		keypoints[i] = model.Keypoint{
			X: fields[0], Y: fields[1], Size: fields[2], Angle: fields[3], Response: fields[4],
			Octave: int(octave), ClassID: int(classID),
		}
	}

	ds := model.DescriptorSet{Keypoints: keypoints, Count: int(count)}
	switch kind {
	case kindFloat32:
		rows := make([][]float32, count)
		for i := range rows {
			row := make([]float32, rowWidth)
			for j := range row {
				if err := binary.Read(r, binary.LittleEndian, &row[j]); err != nil {
					return model.DescriptorSet{}, fmt.Errorf("reading descriptor row %d: %w", i, err)
				}
			}
			rows[i] = row
		}
		ds.Descriptors = rows
	case kindUint64:
		rows := make([][]uint64, count)
		for i := range rows {
			row := make([]uint64, rowWidth)
			for j := range row {
				if err := binary.Read(r, binary.LittleEndian, &row[j]); err != nil {
					return model.DescriptorSet{}, fmt.Errorf("reading binary row %d: %w", i, err)
				}
			}
			rows[i] = row
		}
		ds.Binary = rows
	default:
		return model.DescriptorSet{}, fmt.Errorf("keypoint: unknown kind %d", kind)
	}

	return ds, nil
}

// EncodeFeatureSet serializes both detector families.
func EncodeFeatureSet(fs model.FeatureSet) (sift []byte, orb []byte, err error) {
	sift, err = EncodeDescriptorSet(fs.SIFT)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding sift set: %w", err)
	}
	orb, err = EncodeDescriptorSet(fs.ORB)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding orb set: %w", err)
	}
	return sift, orb, nil
}

// DecodeFeatureSet is the inverse of EncodeFeatureSet.
func DecodeFeatureSet(sift, orb []byte) (model.FeatureSet, error) {
	var fs model.FeatureSet
	var err error
	fs.SIFT, err = DecodeDescriptorSet(sift)
	if err != nil {
		return fs, fmt.Errorf("decoding sift set: %w", err)
	}
	fs.ORB, err = DecodeDescriptorSet(orb)
	if err != nil {
		return fs, fmt.Errorf("decoding orb set: %w", err)
	}
	return fs, nil
}
