package vad

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Callback observes every successful Process call with the same values
// returned to the caller, plus the user data given at registration.
type Callback func(probability float32, flag int, userData any)

// Session is one independent audio stream. It owns the model state, the
// decision threshold and the callback registration, all guarded by mu.
// Frames must be fed in temporal order; concurrent calls are serialized.
type Session struct {
	hopSize int

	threshold float32
	model     Model
	callback  Callback
	userData  any
	closed    bool

	// Statistics
	totalFrames   uint64
	voiceFrames   uint64
	lastProcessed time.Time
	createdAt     time.Time

	logger *slog.Logger

	mu sync.Mutex
}

// Result is the outcome of processing one frame.
type Result struct {
	Probability    float32       `json:"probability"`
	Flag           int           `json:"flag"`
	FrameIndex     uint64        `json:"frame_index"`
	Threshold      float32       `json:"threshold"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// HasVoice reports whether the frame was classified as speech.
func (r Result) HasVoice() bool {
	return r.Flag == 1
}

// Stats is a snapshot of session counters.
type Stats struct {
	HopSize         int       `json:"hop_size"`
	Threshold       float32   `json:"threshold"`
	TotalFrames     uint64    `json:"total_frames"`
	VoiceFrames     uint64    `json:"voice_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	CreatedAt       time.Time `json:"created_at"`
	HasCallback     bool      `json:"has_callback"`
	Live            bool      `json:"live"`
}

type options struct {
	factory ModelFactory
	logger  *slog.Logger
}

// Option configures Create.
type Option func(*options)

// WithModel selects the model factory. The default is the energy model.
func WithModel(factory ModelFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func validThreshold(threshold float32) bool {
	return threshold >= 0 && threshold <= 1
}

// Create allocates a session that accepts frames of exactly hopSize samples.
func Create(hopSize int, threshold float32, opts ...Option) (*Session, error) {
	if hopSize <= 0 {
		return nil, fmt.Errorf("%w: hop size must be positive, got %d", ErrInvalidParam, hopSize)
	}
	if !validThreshold(threshold) {
		return nil, fmt.Errorf("%w: threshold must be between 0 and 1, got %f", ErrInvalidParam, threshold)
	}

	o := options{
		factory: func(int) (Model, error) { return NewEnergyModel(), nil },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		return nil, fmt.Errorf("%w: model factory is nil", ErrInvalidParam)
	}

	model, err := o.factory(hopSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create model: %w", ErrOutOfMemory, err)
	}
	if model == nil {
		return nil, fmt.Errorf("%w: model factory returned nil", ErrOutOfMemory)
	}

	s := &Session{
		hopSize:   hopSize,
		threshold: threshold,
		model:     model,
		createdAt: time.Now(),
		logger:    o.logger,
	}

	s.logger.Debug("VAD session created",
		slog.Int("hop_size", hopSize),
		slog.Float64("threshold", float64(threshold)),
	)
	return s, nil
}

// Process feeds one frame to the model and derives the voice flag from the
// threshold in effect at this call. On error neither output is valid and
// the session counters are untouched.
func (s *Session) Process(frame []int16) (Result, error) {
	if s == nil {
		return Result{}, fmt.Errorf("%w: session is nil", ErrInvalidParam)
	}
	if frame == nil {
		return Result{}, fmt.Errorf("%w: audio frame is nil", ErrInvalidParam)
	}

	startTime := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: session is destroyed", ErrInvalidState)
	}
	if len(frame) != s.hopSize {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: expected %d samples, got %d", ErrInvalidParam, s.hopSize, len(frame))
	}

	probability, err := s.model.Predict(frame)
	if err != nil {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %w", ErrProcessFailed, err)
	}
	if math.IsNaN(float64(probability)) || probability < 0 || probability > 1 {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: model returned probability %f outside [0, 1]", ErrProcessFailed, probability)
	}

	flag := 0
	if probability >= s.threshold {
		flag = 1
		s.voiceFrames++
	}
	result := Result{
		Probability: probability,
		Flag:        flag,
		FrameIndex:  s.totalFrames,
		Threshold:   s.threshold,
	}
	s.totalFrames++
	s.lastProcessed = time.Now()

	callback, userData := s.callback, s.userData
	s.mu.Unlock()

	// Invoked outside the lock so the callback may call back into the session.
	if callback != nil {
		callback(probability, flag, userData)
	}

	result.ProcessingTime = time.Since(startTime)
	return result, nil
}

// SetThreshold replaces the decision threshold. Out-of-range values are
// rejected and the previous threshold is kept.
func (s *Session) SetThreshold(threshold float32) error {
	if s == nil {
		return fmt.Errorf("%w: session is nil", ErrInvalidParam)
	}
	if !validThreshold(threshold) {
		return fmt.Errorf("%w: threshold must be between 0 and 1, got %f", ErrInvalidParam, threshold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: session is destroyed", ErrInvalidState)
	}
	s.threshold = threshold
	return nil
}

// RegisterCallback installs cb, replacing any previous registration.
func (s *Session) RegisterCallback(cb Callback, userData any) error {
	if s == nil {
		return fmt.Errorf("%w: session is nil", ErrInvalidParam)
	}
	if cb == nil {
		return fmt.Errorf("%w: callback is nil", ErrInvalidParam)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: session is destroyed", ErrInvalidState)
	}
	s.callback = cb
	s.userData = userData
	return nil
}

// ClearCallback removes the registered callback, if any.
func (s *Session) ClearCallback() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.callback = nil
	s.userData = nil
	s.mu.Unlock()
}

// Reset clears the model state and counters. Threshold and callback stay.
func (s *Session) Reset() error {
	if s == nil {
		return fmt.Errorf("%w: session is nil", ErrInvalidParam)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: session is destroyed", ErrInvalidState)
	}
	s.model.Reset()
	s.totalFrames = 0
	s.voiceFrames = 0
	s.lastProcessed = time.Time{}
	return nil
}

// Close releases the model. Closing an already closed session is a no-op.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.callback = nil
	s.userData = nil

	model := s.model
	s.model = nil
	if err := model.Close(); err != nil {
		return fmt.Errorf("failed to close model: %w", err)
	}

	s.logger.Debug("VAD session destroyed",
		slog.Uint64("total_frames", s.totalFrames),
	)
	return nil
}

// Destroy closes *ref and clears the caller's reference. A nil *ref is
// already destroyed and succeeds without doing anything.
func Destroy(ref **Session) error {
	if ref == nil {
		return fmt.Errorf("%w: session reference is nil", ErrInvalidParam)
	}
	if *ref == nil {
		return nil
	}
	err := (*ref).Close()
	*ref = nil
	return err
}

// HopSize returns the frame length fixed at creation.
func (s *Session) HopSize() int {
	if s == nil {
		return 0
	}
	return s.hopSize
}

// Threshold returns the current decision threshold.
func (s *Session) Threshold() float32 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// IsLive reports whether the session has not been closed.
func (s *Session) IsLive() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Stats returns current session statistics. A nil session reports zero
// values.
func (s *Session) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	voicePercentage := float64(0)
	if s.totalFrames > 0 {
		voicePercentage = float64(s.voiceFrames) / float64(s.totalFrames) * 100
	}

	return Stats{
		HopSize:         s.hopSize,
		Threshold:       s.threshold,
		TotalFrames:     s.totalFrames,
		VoiceFrames:     s.voiceFrames,
		VoicePercentage: voicePercentage,
		LastProcessed:   s.lastProcessed,
		CreatedAt:       s.createdAt,
		HasCallback:     s.callback != nil,
		Live:            !s.closed,
	}
}
