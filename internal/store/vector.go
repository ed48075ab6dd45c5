package store

import (
	"encoding/binary"
	"math"
)

// #region vector-encoding

// EncodeVector packs v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a blob written by EncodeVector. Trailing bytes that do
// not form a whole float32 are ignored.
func DecodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// #endregion vector-encoding
