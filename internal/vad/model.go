package vad

import (
	"fmt"
	"strings"
)

// Model is the acoustic model behind a Session. A Model instance belongs to
// exactly one session and may keep rolling state across Predict calls, so
// the probability for frame n can depend on frames 0..n-1.
type Model interface {
	// Predict consumes one hop-sized frame and returns the speech probability.
	Predict(frame []int16) (float32, error)
	// Reset drops any state accumulated from previous frames.
	Reset()
	Close() error
}

// ModelFactory builds a fresh Model for a session with the given hop size.
type ModelFactory func(hopSize int) (Model, error)

// Model kinds understood by NewModelFactory.
const (
	ModelEnergy = "energy"
	ModelWebRTC = "webrtc"
	ModelSilero = "silero"
)

// ModelConfig selects and parameterizes a model kind.
type ModelConfig struct {
	Kind       string `yaml:"kind" json:"kind"`
	SampleRate int    `yaml:"sample_rate" json:"sample_rate"`
	// Mode is the WebRTC aggressiveness, 0 (least) to 3 (most aggressive).
	Mode      int    `yaml:"mode" json:"mode"`
	ModelPath string `yaml:"model_path" json:"model_path,omitempty"`
}

// NewModelFactory returns the factory for cfg.Kind. An empty kind selects
// the energy model.
func NewModelFactory(cfg ModelConfig) (ModelFactory, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", ModelEnergy:
		return func(int) (Model, error) {
			return NewEnergyModel(), nil
		}, nil
	case ModelWebRTC:
		if err := validateWebRTCConfig(cfg); err != nil {
			return nil, err
		}
		return func(hopSize int) (Model, error) {
			return NewWebRTCModel(cfg.SampleRate, cfg.Mode)
		}, nil
	case ModelSilero:
		if !sileroCompiledIn {
			return nil, fmt.Errorf("%w: silero model not compiled in (build with -tags silero)", ErrInvalidParam)
		}
		if cfg.ModelPath == "" {
			return nil, fmt.Errorf("%w: silero model requires model_path", ErrInvalidParam)
		}
		if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
			return nil, fmt.Errorf("%w: silero model supports 8000 or 16000 Hz, got %d", ErrInvalidParam, cfg.SampleRate)
		}
		return func(hopSize int) (Model, error) {
			return NewSileroModel(cfg.ModelPath, cfg.SampleRate)
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown model kind %q", ErrInvalidParam, cfg.Kind)
}
