package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/skypro1111/tenvad/internal/audio"
	"github.com/skypro1111/tenvad/internal/vad"
)

// Wire constants
const (
	// Frame message structure sizes
	SequenceSize = 4 // Sequence number (4 bytes, big-endian)
	SampleSize   = 2 // 16-bit little-endian PCM

	// MaxFrameMessageSize bounds a single binary message.
	MaxFrameMessageSize = 64 * 1024
)

// Message types carried in the "type" field of JSON messages.
const (
	TypeReady     = "ready"
	TypeResult    = "result"
	TypeSegment   = "segment"
	TypeError     = "error"
	TypeThreshold = "threshold"
	TypeReset     = "reset"
	TypeFlush     = "flush"
)

// FrameMessage is a binary audio message.
// Layout: [Sequence:4][PCM:N*2]
type FrameMessage struct {
	Sequence  uint32 // Message sequence number
	AudioData []byte // PCM audio data (variable length)
}

// ParseFrameMessage parses a binary frame message (4-byte sequence + audio data)
func ParseFrameMessage(data []byte) (*FrameMessage, error) {
	if len(data) < SequenceSize {
		return nil, fmt.Errorf("frame message too short: expected at least %d bytes, got %d",
			SequenceSize, len(data))
	}
	if len(data) > MaxFrameMessageSize {
		return nil, fmt.Errorf("frame message too large: %d bytes (maximum %d)", len(data), MaxFrameMessageSize)
	}

	audioLen := len(data) - SequenceSize
	if audioLen%SampleSize != 0 {
		return nil, fmt.Errorf("audio data length must be a multiple of %d bytes, got %d", SampleSize, audioLen)
	}

	msg := &FrameMessage{
		Sequence: binary.BigEndian.Uint32(data[0:SequenceSize]),
	}
	if audioLen > 0 {
		msg.AudioData = make([]byte, audioLen)
		copy(msg.AudioData, data[SequenceSize:])
	}
	return msg, nil
}

// EncodeFrameMessage builds a binary frame message from samples.
func EncodeFrameMessage(sequence uint32, samples []int16) []byte {
	data := make([]byte, SequenceSize, SequenceSize+len(samples)*SampleSize)
	binary.BigEndian.PutUint32(data, sequence)
	return append(data, audio.SamplesToBytes(samples)...)
}

// Samples decodes the message audio.
func (m *FrameMessage) Samples() ([]int16, error) {
	return audio.BytesToSamples(m.AudioData)
}

// String returns a human-readable representation of the frame message
func (m *FrameMessage) String() string {
	return fmt.Sprintf("FrameMessage{Sequence:%d, Samples:%d}", m.Sequence, len(m.AudioData)/SampleSize)
}

// ReadyMessage is sent once when a stream is attached to a session.
type ReadyMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	HopSize   int     `json:"hop_size"`
	Threshold float32 `json:"threshold"`
}

// ResultMessage reports the detector output for one frame.
type ResultMessage struct {
	Type        string  `json:"type"`
	Sequence    uint32  `json:"sequence"`
	FrameIndex  uint64  `json:"frame_index"`
	Probability float32 `json:"probability"`
	Flag        int     `json:"flag"`
}

// SegmentMessage reports a completed speech segment.
type SegmentMessage struct {
	Type       string  `json:"type"`
	StartFrame uint64  `json:"start_frame"`
	EndFrame   uint64  `json:"end_frame"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	DurationMs int64   `json:"duration_ms"`
	Confidence float32 `json:"confidence"`
}

// ErrorMessage carries a failure back to the client. Code is the numeric
// detector error code.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ControlMessage is a JSON request sent by the client on a stream.
type ControlMessage struct {
	Type      string   `json:"type"`
	Threshold *float32 `json:"threshold,omitempty"`
}

// NewResultMessage builds a result message for the frame at index.
func NewResultMessage(sequence uint32, index uint64, probability float32, flag int) *ResultMessage {
	return &ResultMessage{
		Type:        TypeResult,
		Sequence:    sequence,
		FrameIndex:  index,
		Probability: probability,
		Flag:        flag,
	}
}

// NewSegmentMessage converts a segment into its wire form.
func NewSegmentMessage(seg *audio.Segment) *SegmentMessage {
	return &SegmentMessage{
		Type:       TypeSegment,
		StartFrame: seg.StartFrame,
		EndFrame:   seg.EndFrame,
		StartMs:    seg.Start.Milliseconds(),
		EndMs:      seg.End.Milliseconds(),
		DurationMs: seg.Duration.Milliseconds(),
		Confidence: seg.Confidence,
	}
}

// NewErrorMessage builds an error message, deriving the code from err.
func NewErrorMessage(err error) *ErrorMessage {
	code := vad.CodeOf(err)
	return &ErrorMessage{
		Type:    TypeError,
		Code:    int(code),
		Status:  code.String(),
		Message: err.Error(),
	}
}

// ParseControlMessage parses and validates a client control message.
func ParseControlMessage(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid control message: %w", err)
	}
	if err := ValidateControlMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ValidateControlMessage validates the control message fields
func ValidateControlMessage(msg *ControlMessage) error {
	switch msg.Type {
	case TypeThreshold:
		if msg.Threshold == nil {
			return fmt.Errorf("threshold message without threshold value")
		}
	case TypeReset, TypeFlush:
	case "":
		return fmt.Errorf("control message type is required")
	default:
		return fmt.Errorf("unknown control message type: %q", msg.Type)
	}
	return nil
}
