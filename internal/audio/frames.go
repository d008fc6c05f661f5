package audio

import (
	"encoding/binary"
	"fmt"
)

// SplitFrames slices samples into consecutive hop-sized frames. A trailing
// remainder shorter than hopSize is dropped. Frames share memory with samples.
func SplitFrames(samples []int16, hopSize int) [][]int16 {
	if hopSize <= 0 {
		return nil
	}
	n := len(samples) / hopSize
	frames := make([][]int16, n)
	for i := 0; i < n; i++ {
		frames[i] = samples[i*hopSize : (i+1)*hopSize : (i+1)*hopSize]
	}
	return frames
}

// BytesToSamples decodes little-endian 16-bit PCM.
func BytesToSamples(raw []byte) ([]int16, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(raw))
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return raw
}
