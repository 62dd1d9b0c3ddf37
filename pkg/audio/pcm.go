package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorruptPCM reports a PCM byte stream whose length is not a whole
// number of s16le samples.
var ErrCorruptPCM = errors.New("audio: pcm byte length is not a multiple of sample size")

// SamplesFromBytes reinterprets little-endian s16 bytes as samples.
func SamplesFromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptPCM, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out, nil
}

// BytesFromSamples packs samples as little-endian s16 bytes.
func BytesFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
