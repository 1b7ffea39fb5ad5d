package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
)

// =============================================================================
// VECTOR BLOB CODEC
// =============================================================================
// Embeddings are persisted as raw little-endian float32 blobs.

// Serialize encodes a float32 vector as a little-endian byte blob.
func Serialize(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Deserialize decodes a little-endian byte blob back into a float32 vector.
func Deserialize(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob: length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// Normalize scales a vector to unit L2 norm in place and returns it.
// A zero vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// IsNormalized reports whether a vector's L2 norm is within epsilon of 1.
func IsNormalized(vec []float32, epsilon float64) bool {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Abs(math.Sqrt(sum)-1) < epsilon
}
