package vad

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

var webrtcSampleRates = []int{8000, 16000, 32000, 48000}

func validateWebRTCConfig(cfg ModelConfig) error {
	valid := false
	for _, r := range webrtcSampleRates {
		if cfg.SampleRate == r {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: webrtc sample rate %d must be one of %v", ErrInvalidParam, cfg.SampleRate, webrtcSampleRates)
	}
	if cfg.Mode < 0 || cfg.Mode > 3 {
		return fmt.Errorf("%w: webrtc mode must be between 0 and 3, got %d", ErrInvalidParam, cfg.Mode)
	}
	return nil
}

// WebRTCModel wraps the WebRTC VAD. WebRTC only accepts 10, 20 or 30 ms
// frames, so hop frames are re-sliced into 10 ms pieces and the leftover
// carried into the next call. The probability is the smoothed share of
// voiced pieces.
type WebRTCModel struct {
	vad        *webrtcvad.VAD
	sampleRate int
	mode       int
	pieceSize  int

	pending  []int16
	pieceBuf []byte
	lastProb float64
	frames   uint64
}

var _ Model = (*WebRTCModel)(nil)

// NewWebRTCModel creates a WebRTC model at the given sample rate and aggressiveness mode.
func NewWebRTCModel(sampleRate, mode int) (*WebRTCModel, error) {
	if err := validateWebRTCConfig(ModelConfig{SampleRate: sampleRate, Mode: mode}); err != nil {
		return nil, err
	}
	v, err := newWebRTC(mode)
	if err != nil {
		return nil, err
	}
	pieceSize := sampleRate / 100
	return &WebRTCModel{
		vad:        v,
		sampleRate: sampleRate,
		mode:       mode,
		pieceSize:  pieceSize,
		pieceBuf:   make([]byte, pieceSize*2),
	}, nil
}

func newWebRTC(mode int) (*webrtcvad.VAD, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC VAD: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("failed to set VAD mode: %w", err)
	}
	return v, nil
}

func (m *WebRTCModel) Predict(frame []int16) (float32, error) {
	if m.vad == nil {
		return 0, fmt.Errorf("webrtc model is closed")
	}
	m.pending = append(m.pending, frame...)

	var pieces, voiced int
	for len(m.pending) >= m.pieceSize {
		piece := m.pending[:m.pieceSize]
		for i, s := range piece {
			m.pieceBuf[i*2] = byte(s)
			m.pieceBuf[i*2+1] = byte(s >> 8)
		}
		active, err := m.vad.Process(m.sampleRate, m.pieceBuf)
		if err != nil {
			return 0, fmt.Errorf("VAD processing failed: %w", err)
		}
		if active {
			voiced++
		}
		pieces++
		m.pending = m.pending[m.pieceSize:]
	}
	// Keep the leftover at the front so the slice does not keep growing.
	m.pending = append(m.pending[:0:0], m.pending...)

	if pieces == 0 {
		return float32(m.lastProb), nil
	}

	raw := float64(voiced) / float64(pieces)
	prob := raw
	if m.frames > 0 {
		prob = energySmoothing*raw + (1-energySmoothing)*m.lastProb
	}
	prob = clamp01(prob)
	m.lastProb = prob
	m.frames++
	return float32(prob), nil
}

// Reset recreates the underlying detector, since WebRTC exposes no way to
// clear its internal history.
func (m *WebRTCModel) Reset() {
	if v, err := newWebRTC(m.mode); err == nil {
		m.vad = v
	}
	m.pending = m.pending[:0]
	m.lastProb = 0
	m.frames = 0
}

func (m *WebRTCModel) Close() error {
	m.vad = nil
	m.pending = nil
	return nil
}
