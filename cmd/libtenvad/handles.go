package main

import (
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/skypro1111/tenvad/internal/config"
	"github.com/skypro1111/tenvad/internal/vad"
)

// handleTable maps the opaque integers handed across the C boundary to live
// sessions. Zero is never issued and stands for the null handle.
type handleTable struct {
	mu       sync.Mutex
	next     uintptr
	sessions map[uintptr]*vad.Session

	factory vad.ModelFactory
	logger  *slog.Logger
}

func newHandleTable(factory vad.ModelFactory, logger *slog.Logger) *handleTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &handleTable{
		sessions: make(map[uintptr]*vad.Session),
		factory:  factory,
		logger:   logger,
	}
}

// defaultHandleTable builds the table used by the exported functions. The
// model is chosen from TENVAD_* environment variables and falls back to
// the energy model when they are absent or invalid.
func defaultHandleTable() *handleTable {
	cfg := config.Default()
	cfg.Logging.Level = "warn"

	err := cfg.ApplyEnv(os.LookupEnv)
	if err == nil {
		err = cfg.Validate()
	}
	logger := newLogger(cfg.Logging)
	if err != nil {
		logger.Warn("Ignoring environment overrides", "error", err)
		cfg.VAD = config.Default().VAD
	}

	factory, err := vad.NewModelFactory(cfg.VAD.ModelConfig())
	if err != nil {
		logger.Warn("Falling back to energy model", "model", cfg.VAD.Model, "error", err)
		factory, _ = vad.NewModelFactory(vad.ModelConfig{Kind: vad.ModelEnergy})
	}
	return newHandleTable(factory, logger)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// create allocates a session and returns its handle.
func (t *handleTable) create(hopSize uint64, threshold float32) (uintptr, vad.Code) {
	if hopSize == 0 || hopSize > math.MaxInt32 {
		t.logger.Debug("Rejecting hop size", "hop_size", hopSize)
		return 0, vad.CodeInvalidParam
	}

	session, err := vad.Create(int(hopSize), threshold,
		vad.WithModel(t.factory),
		vad.WithLogger(t.logger),
	)
	if err != nil {
		t.logger.Debug("Failed to create session", "error", err)
		return 0, vad.CodeOf(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.sessions[h] = session
	return h, vad.CodeSuccess
}

// lookup resolves h. The null handle is a parameter error; a handle that
// was never issued or is already destroyed is a state error.
func (t *handleTable) lookup(h uintptr) (*vad.Session, vad.Code) {
	if h == 0 {
		return nil, vad.CodeInvalidParam
	}
	t.mu.Lock()
	session, ok := t.sessions[h]
	t.mu.Unlock()
	if !ok {
		return nil, vad.CodeInvalidState
	}
	return session, vad.CodeSuccess
}

// process runs one frame. frameLen is checked against the hop size before
// frame is called, so callers can defer building the sample slice.
func (t *handleTable) process(h uintptr, frameLen uint64, frame func() []int16) (float32, int, vad.Code) {
	session, code := t.lookup(h)
	if code != vad.CodeSuccess {
		return 0, 0, code
	}
	if frameLen != uint64(session.HopSize()) {
		return 0, 0, vad.CodeInvalidParam
	}

	result, err := session.Process(frame())
	if err != nil {
		t.logger.Debug("Failed to process frame", "handle", h, "error", err)
		return 0, 0, vad.CodeOf(err)
	}
	return result.Probability, result.Flag, vad.CodeSuccess
}

func (t *handleTable) setThreshold(h uintptr, threshold float32) vad.Code {
	session, code := t.lookup(h)
	if code != vad.CodeSuccess {
		return code
	}
	return vad.CodeOf(session.SetThreshold(threshold))
}

func (t *handleTable) registerCallback(h uintptr, cb vad.Callback, userData any) vad.Code {
	session, code := t.lookup(h)
	if code != vad.CodeSuccess {
		return code
	}
	return vad.CodeOf(session.RegisterCallback(cb, userData))
}

// destroy releases h. Destroying the null handle succeeds; destroying an
// unknown handle is a state error.
func (t *handleTable) destroy(h uintptr) vad.Code {
	if h == 0 {
		return vad.CodeSuccess
	}

	t.mu.Lock()
	session, ok := t.sessions[h]
	delete(t.sessions, h)
	t.mu.Unlock()
	if !ok {
		return vad.CodeInvalidState
	}

	if err := vad.Destroy(&session); err != nil {
		t.logger.Warn("Failed to release session", "handle", h, "error", err)
	}
	return vad.CodeSuccess
}

func (t *handleTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
