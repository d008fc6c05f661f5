package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/skypro1111/tenvad/internal/config"
	"github.com/skypro1111/tenvad/internal/metrics"
	"github.com/skypro1111/tenvad/internal/vad"
)

var (
	// ErrSessionLimit is returned by Create when max_sessions are live.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrSessionNotFound wraps vad.ErrInvalidState so that an unknown or
	// destroyed id carries the same code as a destroyed session handle.
	ErrSessionNotFound = fmt.Errorf("%w: session not found", vad.ErrInvalidState)

	// ErrStreamAttached is returned by AttachStream while another stream
	// owns the session.
	ErrStreamAttached = fmt.Errorf("%w: stream already attached", vad.ErrInvalidState)

	// ErrManagerStopped is returned after Stop.
	ErrManagerStopped = fmt.Errorf("%w: session manager stopped", vad.ErrInvalidState)
)

// Destroy reasons reported to metrics.
const (
	reasonDeleted  = "deleted"
	reasonExpired  = "expired"
	reasonShutdown = "shutdown"
)

// SessionDefaults holds the parameters applied when a request omits them
type SessionDefaults struct {
	HopSize   int
	Threshold float32
	Model     vad.ModelConfig
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Defaults        SessionDefaults
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// NewManagerConfig derives the manager settings from the service configuration.
func NewManagerConfig(cfg *config.Config) ManagerConfig {
	return ManagerConfig{
		Defaults: SessionDefaults{
			HopSize:   cfg.VAD.HopSize,
			Threshold: cfg.VAD.Threshold,
			Model:     cfg.VAD.ModelConfig(),
		},
		MaxSessions:     cfg.Sessions.MaxSessions,
		IdleTimeout:     cfg.Sessions.GetIdleTimeoutDuration(),
		CleanupInterval: cfg.Sessions.GetCleanupIntervalDuration(),
	}
}

// Validate validates manager configuration
func (c ManagerConfig) Validate() error {
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %v", c.CleanupInterval)
	}
	return nil
}

// SessionParams are the per-request creation parameters. Zero values fall
// back to the manager defaults.
type SessionParams struct {
	HopSize   int              `json:"hop_size"`
	Threshold *float32         `json:"threshold,omitempty"`
	Model     *vad.ModelConfig `json:"model,omitempty"`
}

// ManagedSession is a detector session registered under an id
type ManagedSession struct {
	ID         string
	Session    *vad.Session
	Model      string
	SampleRate int
	CreatedAt  time.Time

	lastActivity time.Time
	mu           sync.RWMutex
	attached     atomic.Bool // a stream owns the callback
}

// SessionInfo represents session information for API responses
type SessionInfo struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	SampleRate   int       `json:"sample_rate,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Stats        vad.Stats `json:"stats"`
}

// Touch marks the session as used now.
func (s *ManagedSession) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last operation on the session.
func (s *ManagedSession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Info returns a snapshot of the session for API responses.
func (s *ManagedSession) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		Model:        s.Model,
		SampleRate:   s.SampleRate,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Stats:        s.Session.Stats(),
	}
}

// Manager owns every live session and expires idle ones
type Manager struct {
	sessions map[string]*ManagedSession
	stopped  bool
	mu       sync.RWMutex

	config     ManagerConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newFactory func(vad.ModelConfig) (vad.ModelFactory, error)

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its expiry routine
func NewManager(logger *slog.Logger, config ManagerConfig, m *metrics.Metrics) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}
	if _, err := vad.NewModelFactory(config.Defaults.Model); err != nil {
		return nil, fmt.Errorf("invalid default model: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		return nil, fmt.Errorf("metrics are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions:   make(map[string]*ManagedSession),
		config:     config,
		logger:     logger,
		metrics:    m,
		newFactory: vad.NewModelFactory,
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// resolve fills omitted parameters from the defaults.
func (m *Manager) resolve(params SessionParams) (int, float32, vad.ModelConfig) {
	hop := params.HopSize
	if hop == 0 {
		hop = m.config.Defaults.HopSize
	}
	threshold := m.config.Defaults.Threshold
	if params.Threshold != nil {
		threshold = *params.Threshold
	}
	model := m.config.Defaults.Model
	if params.Model != nil {
		model = *params.Model
		if model.SampleRate == 0 {
			model.SampleRate = m.config.Defaults.Model.SampleRate
		}
	}
	if model.Kind == "" {
		model.Kind = vad.ModelEnergy
	}
	return hop, threshold, model
}

// Create builds and registers a new session
func (m *Manager) Create(params SessionParams) (*ManagedSession, error) {
	if err := m.checkCapacity(); err != nil {
		m.metrics.RecordError("create", codeLabel(err))
		return nil, err
	}

	hop, threshold, modelCfg := m.resolve(params)

	factory, err := m.newFactory(modelCfg)
	if err != nil {
		m.metrics.RecordError("create", codeLabel(err))
		return nil, err
	}

	id := uuid.NewString()
	session, err := vad.Create(hop, threshold,
		vad.WithModel(factory),
		vad.WithLogger(m.logger.With(slog.String("session_id", id))),
	)
	if err != nil {
		m.metrics.RecordError("create", codeLabel(err))
		return nil, err
	}

	now := time.Now()
	managed := &ManagedSession{
		ID:           id,
		Session:      session,
		Model:        modelCfg.Kind,
		SampleRate:   modelCfg.SampleRate,
		CreatedAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	if err := m.checkCapacityLocked(); err != nil {
		m.mu.Unlock()
		session.Close()
		m.metrics.RecordError("create", codeLabel(err))
		return nil, err
	}
	m.sessions[id] = managed
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(count)

	m.logger.Info("Created new session",
		slog.String("session_id", id),
		slog.Int("hop_size", hop),
		slog.Float64("threshold", float64(threshold)),
		slog.String("model", modelCfg.Kind),
		slog.Int("active_sessions", count),
	)

	return managed, nil
}

func (m *Manager) checkCapacity() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkCapacityLocked()
}

func (m *Manager) checkCapacityLocked() error {
	if m.stopped {
		return ErrManagerStopped
	}
	if len(m.sessions) >= m.config.MaxSessions {
		return fmt.Errorf("%w: %d sessions active", ErrSessionLimit, len(m.sessions))
	}
	return nil
}

// Get retrieves a live session by id
func (m *Manager) Get(id string) (*ManagedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, nil
}

// List returns information about all live sessions, oldest first
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*ManagedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Process runs one frame through the session identified by id
func (m *Manager) Process(id string, frame []int16) (vad.Result, error) {
	session, err := m.Get(id)
	if err != nil {
		m.metrics.RecordError("process", codeLabel(err))
		return vad.Result{}, err
	}
	return m.ProcessSession(session, frame)
}

// ProcessSession runs one frame through an already resolved session.
func (m *Manager) ProcessSession(session *ManagedSession, frame []int16) (vad.Result, error) {
	session.Touch()

	result, err := session.Session.Process(frame)
	if err != nil {
		m.metrics.RecordError("process", codeLabel(err))
		return vad.Result{}, err
	}

	m.metrics.RecordFrame(result.HasVoice(), result.ProcessingTime.Seconds())
	return result, nil
}

// SetThreshold updates the threshold of the session identified by id
func (m *Manager) SetThreshold(id string, threshold float32) error {
	session, err := m.Get(id)
	if err == nil {
		session.Touch()
		err = session.Session.SetThreshold(threshold)
	}
	if err != nil {
		m.metrics.RecordError("set_threshold", codeLabel(err))
		return err
	}

	m.logger.Debug("Threshold updated",
		slog.String("session_id", id),
		slog.Float64("threshold", float64(threshold)),
	)
	return nil
}

// RegisterCallback installs the per-frame callback of the session identified by id
func (m *Manager) RegisterCallback(id string, cb vad.Callback, userData any) error {
	session, err := m.Get(id)
	if err == nil {
		err = session.Session.RegisterCallback(cb, userData)
	}
	if err != nil {
		m.metrics.RecordError("register_callback", codeLabel(err))
		return err
	}
	return nil
}

// AttachStream claims session for a single stream. The session callback
// belongs to that stream until DetachStream.
func (m *Manager) AttachStream(session *ManagedSession) error {
	if !session.attached.CompareAndSwap(false, true) {
		m.metrics.RecordError("attach_stream", codeLabel(ErrStreamAttached))
		return fmt.Errorf("%w: %s", ErrStreamAttached, session.ID)
	}
	return nil
}

// DetachStream drops the stream callback and releases the claim taken by
// AttachStream.
func (m *Manager) DetachStream(session *ManagedSession) {
	session.Session.ClearCallback()
	session.attached.Store(false)
}

// StreamAttached reports whether a stream owns session.
func (s *ManagedSession) StreamAttached() bool {
	return s.attached.Load()
}

// Reset clears the model state and counters of the session identified by id
func (m *Manager) Reset(id string) error {
	session, err := m.Get(id)
	if err == nil {
		session.Touch()
		err = session.Session.Reset()
	}
	if err != nil {
		m.metrics.RecordError("reset", codeLabel(err))
		return err
	}
	return nil
}

// Destroy unregisters and releases the session identified by id
func (m *Manager) Destroy(id string) error {
	if err := m.remove(id, reasonDeleted); err != nil {
		m.metrics.RecordError("destroy", codeLabel(err))
		return err
	}
	return nil
}

func (m *Manager) remove(id, reason string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	return m.release(session, reason, count)
}

// release closes a session already removed from the registry.
func (m *Manager) release(session *ManagedSession, reason string, remaining int) error {
	stats := session.Session.Stats()
	err := session.Session.Close()

	lifetime := time.Since(session.CreatedAt)
	m.metrics.RecordSessionDestroyed(reason, lifetime.Seconds())
	m.metrics.SetActiveSessions(remaining)

	m.logger.Info("Session destroyed",
		slog.String("session_id", session.ID),
		slog.String("reason", reason),
		slog.Duration("duration", lifetime),
		slog.Uint64("frames_processed", stats.TotalFrames),
		slog.Uint64("voice_frames", stats.VoiceFrames),
		slog.Int("remaining_sessions", remaining),
	)

	if err != nil {
		return fmt.Errorf("closing session %s: %w", session.ID, err)
	}
	return nil
}

// Stop ends the expiry routine and destroys every remaining session. Errors
// from individual sessions are aggregated.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sessions := m.sessions
	m.sessions = make(map[string]*ManagedSession)
	m.mu.Unlock()

	m.logger.Info("Stopping session manager...", slog.Int("sessions", len(sessions)))

	// Cancel context to stop cleanup routine
	m.cancel()
	<-m.cleanup

	var result *multierror.Error
	for _, session := range sessions {
		if err := m.release(session, reasonShutdown, 0); err != nil {
			result = multierror.Append(result, err)
		}
	}

	m.logger.Info("Session manager stopped")
	return result.ErrorOrNil()
}

// startCleanupRoutine runs in a separate goroutine to expire idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Session cleanup routine stopping")
			return

		case now := <-ticker.C:
			m.expireIdle(now)
		}
	}
}

// expireIdle destroys sessions idle for longer than the idle timeout and
// returns how many were removed.
func (m *Manager) expireIdle(now time.Time) int {
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		err := m.remove(id, reasonExpired)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrSessionNotFound):
			// Destroyed concurrently.
		default:
			removed++
			m.logger.Warn("Error closing expired session",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if removed > 0 {
		m.logger.Info("Cleaned up expired sessions", slog.Int("expired_count", removed))
	}
	return removed
}

// codeLabel maps err to the metrics label of its error code.
func codeLabel(err error) string {
	if errors.Is(err, ErrSessionLimit) {
		return "session_limit"
	}
	return vad.CodeOf(err).String()
}
