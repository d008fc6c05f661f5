package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func frameFilled(v int16, n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestHistoryExtract(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < 5; i++ {
		h.Append(uint64(i), frameFilled(int16(i), 2))
	}
	assert.Equal(t, 5, h.Len())

	assert.Equal(t, []int16{1, 1, 2, 2, 3, 3}, h.Extract(1, 3))
	assert.Equal(t, []int16{3, 3, 4, 4}, h.Extract(3, 10), "end clamps to the newest frame")
	assert.Nil(t, h.Extract(3, 2))
	assert.Nil(t, h.Extract(7, 9))
}

func TestHistoryCopiesFrames(t *testing.T) {
	h := NewHistory(0)
	frame := frameFilled(7, 3)
	h.Append(0, frame)
	frame[0] = 0

	assert.Equal(t, []int16{7, 7, 7}, h.Extract(0, 0))
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 10; i++ {
		h.Append(uint64(i), frameFilled(int16(i), 1))
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []int16{7, 8, 9}, h.Extract(0, 9), "dropped frames are missing")
}

func TestHistoryDiscard(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < 6; i++ {
		h.Append(uint64(i), frameFilled(int16(i), 1))
	}

	h.Discard(0)
	assert.Equal(t, 6, h.Len())

	h.Discard(4)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, []int16{4, 5}, h.Extract(0, 5))

	h.Discard(100)
	assert.Zero(t, h.Len())

	h.Append(6, frameFilled(6, 1))
	assert.Equal(t, []int16{6}, h.Extract(6, 6))
}

func TestHistoryGapRestarts(t *testing.T) {
	h := NewHistory(0)
	h.Append(0, frameFilled(1, 1))
	h.Append(1, frameFilled(2, 1))
	h.Append(5, frameFilled(3, 1))

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, []int16{3}, h.Extract(0, 5))

	h.Reset()
	assert.Zero(t, h.Len())
	h.Append(0, frameFilled(9, 1))
	assert.Equal(t, []int16{9}, h.Extract(0, 0))
}
