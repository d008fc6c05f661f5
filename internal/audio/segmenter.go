package audio

import (
	"fmt"
	"sync"
	"time"
)

// SegmentState represents the current state of the segmentation process
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
	StateWaitingSilence
)

func (s SegmentState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateWaitingSilence:
		return "waiting_silence"
	}
	return "idle"
}

// Segment is a run of speech frames. Times are offsets from the first frame.
type Segment struct {
	StartFrame uint64        `json:"start_frame"`
	EndFrame   uint64        `json:"end_frame"` // inclusive
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Duration   time.Duration `json:"duration"`
	Confidence float32       `json:"confidence"` // mean probability of the voiced frames
}

// SegmentConfig contains configuration for the segmentation process
type SegmentConfig struct {
	FrameDuration      time.Duration
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	MaxDuration        time.Duration // zero means unbounded
}

// Validate validates segmentation configuration
func (c SegmentConfig) Validate() error {
	if c.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive, got %v", c.FrameDuration)
	}
	if c.MinSpeechDuration < 0 || c.MinSilenceDuration < 0 || c.MaxDuration < 0 {
		return fmt.Errorf("segment durations cannot be negative")
	}
	if c.MaxDuration > 0 && c.MaxDuration < c.MinSpeechDuration {
		return fmt.Errorf("max duration (%v) must not be shorter than min speech duration (%v)",
			c.MaxDuration, c.MinSpeechDuration)
	}
	return nil
}

// FrameDurationFor returns the playing time of hopSize samples.
func FrameDurationFor(hopSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(hopSize) * time.Second / time.Duration(sampleRate)
}

// Segmenter groups per-frame voice decisions into speech segments. A segment
// closes after MinSilenceDuration of non-voice frames, or when it reaches
// MaxDuration; segments with less than MinSpeechDuration of speech are dropped.
type Segmenter struct {
	config SegmentConfig
	state  SegmentState

	startFrame     uint64
	lastVoiceFrame uint64
	silenceFrames  uint64
	confidenceSum  float32
	voicedFrames   int

	// Statistics
	segmentsCreated uint64
	segmentsDropped uint64
	totalSpeech     time.Duration

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string        `json:"state"`
	SegmentsCreated uint64        `json:"segments_created"`
	SegmentsDropped uint64        `json:"segments_dropped"`
	TotalSpeech     time.Duration `json:"total_speech"`
}

// NewSegmenter creates a new segmenter
func NewSegmenter(config SegmentConfig) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{
		config: config,
		state:  StateIdle,
	}, nil
}

// Push records the decision for frame index. It returns a segment when
// this frame completes one, nil otherwise. Frame indices must increase by one.
func (s *Segmenter) Push(index uint64, probability float32, flag int) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	voiced := flag == 1

	switch s.state {
	case StateIdle:
		if !voiced {
			return nil
		}
		s.startFrame = index
		s.lastVoiceFrame = index
		s.silenceFrames = 0
		s.confidenceSum = probability
		s.voicedFrames = 1
		s.state = StateCollecting

	case StateCollecting, StateWaitingSilence:
		if voiced {
			s.lastVoiceFrame = index
			s.silenceFrames = 0
			s.confidenceSum += probability
			s.voicedFrames++
			s.state = StateCollecting
		} else {
			s.silenceFrames++
			s.state = StateWaitingSilence
			if s.framesDuration(s.silenceFrames) >= s.config.MinSilenceDuration {
				return s.finalize(s.lastVoiceFrame)
			}
		}
	}

	if s.config.MaxDuration > 0 && s.framesDuration(index-s.startFrame+1) >= s.config.MaxDuration {
		return s.finalize(index)
	}
	return nil
}

// Flush closes a pending segment at end of stream.
func (s *Segmenter) Flush() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return nil
	}
	return s.finalize(s.lastVoiceFrame)
}

func (s *Segmenter) framesDuration(n uint64) time.Duration {
	return time.Duration(n) * s.config.FrameDuration
}

// finalize must be called with mu held.
func (s *Segmenter) finalize(endFrame uint64) *Segment {
	seg := &Segment{
		StartFrame: s.startFrame,
		EndFrame:   endFrame,
		Start:      s.framesDuration(s.startFrame),
		End:        s.framesDuration(endFrame + 1),
	}
	seg.Duration = seg.End - seg.Start
	if s.voicedFrames > 0 {
		seg.Confidence = s.confidenceSum / float32(s.voicedFrames)
	}

	s.state = StateIdle
	s.silenceFrames = 0
	s.confidenceSum = 0
	s.voicedFrames = 0

	if seg.Duration < s.config.MinSpeechDuration {
		s.segmentsDropped++
		return nil
	}
	s.segmentsCreated++
	s.totalSpeech += seg.Duration
	return seg
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SegmenterStats{
		State:           s.state.String(),
		SegmentsCreated: s.segmentsCreated,
		SegmentsDropped: s.segmentsDropped,
		TotalSpeech:     s.totalSpeech,
	}
}

// IsIdle returns whether no segment is currently open
func (s *Segmenter) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle
}
