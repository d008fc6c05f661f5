package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSequenceGap is returned when a chunk does not carry the next expected
// sequence number. Frames must reach the detector in order and without gaps.
var ErrSequenceGap = errors.New("sequence gap")

// Framer accumulates arbitrarily sized PCM chunks and emits complete
// hop-sized frames in arrival order.
type Framer struct {
	hopSize int

	pending []int16

	// Sequence tracking
	started     bool
	expectedSeq uint32

	// Statistics
	totalChunks uint64
	totalFrames uint64
	rejected    uint64
	lastUpdate  time.Time

	mu sync.Mutex
}

// FramerStats represents framer statistics for monitoring
type FramerStats struct {
	HopSize        int       `json:"hop_size"`
	TotalChunks    uint64    `json:"total_chunks"`
	TotalFrames    uint64    `json:"total_frames"`
	RejectedChunks uint64    `json:"rejected_chunks"`
	PendingSamples int       `json:"pending_samples"`
	ExpectedSeq    uint32    `json:"expected_sequence"`
	LastUpdate     time.Time `json:"last_update"`
}

// NewFramer creates a framer producing frames of hopSize samples.
func NewFramer(hopSize int) (*Framer, error) {
	if hopSize <= 0 {
		return nil, fmt.Errorf("hop size must be positive, got %d", hopSize)
	}
	return &Framer{
		hopSize: hopSize,
		pending: make([]int16, 0, hopSize*2),
	}, nil
}

// Push adds a chunk of little-endian PCM tagged with its sequence number.
// The first chunk fixes the starting sequence; every later chunk must carry
// the next one. Rejected chunks leave the framer unchanged.
func (f *Framer) Push(sequence uint32, raw []byte) ([][]int16, error) {
	samples, err := BytesToSamples(raw)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started && sequence != f.expectedSeq {
		f.rejected++
		return nil, fmt.Errorf("%w: expected sequence %d, got %d", ErrSequenceGap, f.expectedSeq, sequence)
	}
	f.started = true
	f.expectedSeq = sequence + 1

	return f.appendLocked(samples), nil
}

// PushSamples adds samples without sequence checking.
func (f *Framer) PushSamples(samples []int16) [][]int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(samples)
}

func (f *Framer) appendLocked(samples []int16) [][]int16 {
	f.totalChunks++
	f.lastUpdate = time.Now()
	f.pending = append(f.pending, samples...)

	var frames [][]int16
	for len(f.pending) >= f.hopSize {
		frame := make([]int16, f.hopSize)
		copy(frame, f.pending[:f.hopSize])
		frames = append(frames, frame)
		f.pending = f.pending[f.hopSize:]
	}
	f.totalFrames += uint64(len(frames))

	// Move the remainder to the front of a fresh backing array.
	rest := make([]int16, len(f.pending), f.hopSize*2)
	copy(rest, f.pending)
	f.pending = rest

	return frames
}

// Pending returns the number of buffered samples not yet forming a frame.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Reset drops buffered samples and forgets the sequence.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.pending[:0]
	f.started = false
	f.expectedSeq = 0
}

// GetStats returns current framer statistics
func (f *Framer) GetStats() FramerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FramerStats{
		HopSize:        f.hopSize,
		TotalChunks:    f.totalChunks,
		TotalFrames:    f.totalFrames,
		RejectedChunks: f.rejected,
		PendingSamples: len(f.pending),
		ExpectedSeq:    f.expectedSeq,
		LastUpdate:     f.lastUpdate,
	}
}
