package sdr

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the size of one interleaved little-endian float32 I/Q
// pair, the raw capture format shared by the replay backend and the capture
// sinks.
const BytesPerSample = 8

// AppendCF32 appends iq to dst in raw cf32 layout.
func AppendCF32(dst []byte, iq []complex64) []byte {
	var buf [BytesPerSample]byte
	for _, v := range iq {
		binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(real(v)))
		binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(imag(v)))
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeCF32 fills dst from raw cf32 bytes and returns the number of samples
// decoded. A trailing partial sample is ignored.
func DecodeCF32(dst []complex64, src []byte) int {
	n := len(src) / BytesPerSample
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		off := i * BytesPerSample
		re := math.Float32frombits(binary.LittleEndian.Uint32(src[off : off+4]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(src[off+4 : off+8]))
		dst[i] = complex(re, im)
	}
	return n
}
