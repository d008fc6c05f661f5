package audio

// History keeps the most recent frames of a stream addressable by frame
// index, so the samples of a closed segment can be recovered. It holds at
// most maxFrames frames; older frames are dropped first.
type History struct {
	first     uint64 // index of frames[0]
	frames    [][]int16
	maxFrames int
}

// NewHistory creates a history bounded to maxFrames. Zero or less means
// unbounded.
func NewHistory(maxFrames int) *History {
	return &History{maxFrames: maxFrames}
}

// Append stores frame under index. A non-contiguous index restarts the
// history at index. The frame is copied.
func (h *History) Append(index uint64, frame []int16) {
	if len(h.frames) == 0 || index != h.first+uint64(len(h.frames)) {
		h.frames = h.frames[:0]
		h.first = index
	}
	h.frames = append(h.frames, append([]int16(nil), frame...))

	if h.maxFrames > 0 && len(h.frames) > h.maxFrames {
		drop := len(h.frames) - h.maxFrames
		h.frames = append(h.frames[:0], h.frames[drop:]...)
		h.first += uint64(drop)
	}
}

// Extract concatenates the retained frames in [start, end]. Frames already
// dropped are missing from the result.
func (h *History) Extract(start, end uint64) []int16 {
	if end < start || len(h.frames) == 0 {
		return nil
	}
	if start < h.first {
		start = h.first
	}
	last := h.first + uint64(len(h.frames)) - 1
	if end > last {
		end = last
	}
	if start > end {
		return nil
	}

	var samples []int16
	for i := start; i <= end; i++ {
		samples = append(samples, h.frames[i-h.first]...)
	}
	return samples
}

// Discard drops every frame with an index below before.
func (h *History) Discard(before uint64) {
	if before <= h.first {
		return
	}
	n := before - h.first
	if n >= uint64(len(h.frames)) {
		h.first = before
		h.frames = h.frames[:0]
		return
	}
	h.frames = append(h.frames[:0], h.frames[n:]...)
	h.first = before
}

// Reset drops all frames.
func (h *History) Reset() {
	h.frames = h.frames[:0]
	h.first = 0
}

// Len returns the number of retained frames.
func (h *History) Len() int {
	return len(h.frames)
}
