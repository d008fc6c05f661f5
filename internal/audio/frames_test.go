package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFrames(t *testing.T) {
	samples := make([]int16, 10)
	for i := range samples {
		samples[i] = int16(i)
	}

	frames := SplitFrames(samples, 4)
	require.Len(t, frames, 2, "trailing remainder is dropped")
	assert.Equal(t, []int16{0, 1, 2, 3}, frames[0])
	assert.Equal(t, []int16{4, 5, 6, 7}, frames[1])

	// Appending to a frame must not clobber the next one.
	_ = append(frames[0], 99)
	assert.Equal(t, int16(4), frames[1][0])

	assert.Empty(t, SplitFrames(samples, 11))
	assert.Nil(t, SplitFrames(samples, 0))
}

func TestSampleByteConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	raw := SamplesToBytes(samples)
	assert.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}, raw)

	back, err := BytesToSamples(raw)
	require.NoError(t, err)
	assert.Equal(t, samples, back)

	_, err = BytesToSamples([]byte{1, 2, 3})
	assert.Error(t, err)
}
