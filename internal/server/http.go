package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/tenvad/internal/audio"
	"github.com/skypro1111/tenvad/internal/config"
	"github.com/skypro1111/tenvad/internal/delivery"
	"github.com/skypro1111/tenvad/internal/metrics"
	"github.com/skypro1111/tenvad/internal/protocol"
	"github.com/skypro1111/tenvad/internal/stream"
	"github.com/skypro1111/tenvad/internal/vad"
)

const (
	serviceName = "tenvad"

	// maxBodySize bounds JSON and PCM request bodies.
	maxBodySize = 1 << 20
)

// HTTPServer exposes the session manager over REST and WebSocket
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	manager  *stream.Manager
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	sink     SegmentSink

	// Server state
	startTime time.Time
}

// SegmentSink receives the audio of every speech segment closed on a stream
type SegmentSink interface {
	Submit(u *delivery.Upload) error
}

// NewHTTPServer creates a new HTTP API server. gatherer backs the /metrics
// endpoint.
func NewHTTPServer(logger *slog.Logger, appConfig *config.Config, manager *stream.Manager,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:  logger,
		config:  appConfig,
		manager: manager,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.MaxFrameMessageSize,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux, gatherer)
	h.handler = mux

	h.server = &http.Server{
		Addr:              appConfig.HTTP.ListenAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	// Session lifecycle
	mux.HandleFunc("POST /sessions", h.withMetrics("/sessions", h.handleCreateSession))
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleDestroySession))

	// Detection
	mux.HandleFunc("POST /sessions/{id}/frames", h.withMetrics("/sessions/{id}/frames", h.handleProcessFrame))
	mux.HandleFunc("PUT /sessions/{id}/threshold", h.withMetrics("/sessions/{id}/threshold", h.handleSetThreshold))
	mux.HandleFunc("POST /sessions/{id}/reset", h.withMetrics("/sessions/{id}/reset", h.handleReset))

	// Streaming has its own metrics; the wrapper would hide the hijacker.
	mux.HandleFunc("GET /sessions/{id}/stream", h.handleStream)

	// Service endpoints
	mux.HandleFunc("GET /version", h.withMetrics("/version", h.handleVersion))
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SetSegmentSink makes streams hand every closed segment with its audio to
// sink. It must be called before Start.
func (h *HTTPServer) SetSegmentSink(sink SegmentSink) {
	h.sink = sink
}

// Handler returns the routed handler, for embedding or tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// statusFor maps an operation error to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, stream.ErrSessionLimit) {
		return http.StatusTooManyRequests
	}
	if errors.Is(err, stream.ErrStreamAttached) {
		return http.StatusConflict
	}
	switch vad.CodeOf(err) {
	case vad.CodeInvalidParam:
		return http.StatusBadRequest
	case vad.CodeInvalidState:
		return http.StatusNotFound
	case vad.CodeOutOfMemory:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, protocol.NewErrorMessage(err))
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %w", vad.ErrInvalidParam, err)
	}
	return nil
}

// handleCreateSession implements POST /sessions
func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var params stream.SessionParams
	if err := decodeJSON(r, &params, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.manager.Create(params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/sessions/"+session.ID)
	writeJSON(w, http.StatusCreated, session.Info())
}

// handleListSessions implements GET /sessions
func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.List()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleGetSession implements GET /sessions/{id}
func (h *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Info())
}

// handleDestroySession implements DELETE /sessions/{id}
func (h *HTTPServer) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Destroy(r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// frameRequest is the JSON form of a frame submission
type frameRequest struct {
	Samples []int16 `json:"samples"`
}

// frameResponse is the detector output for one submitted frame
type frameResponse struct {
	Probability      float32 `json:"probability"`
	Flag             int     `json:"flag"`
	FrameIndex       uint64  `json:"frame_index"`
	Threshold        float32 `json:"threshold"`
	ProcessingTimeUs int64   `json:"processing_time_us"`
}

// readFrame extracts samples from a JSON or raw PCM request body.
func readFrame(r *http.Request) ([]int16, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req frameRequest
		if err := decodeJSON(r, &req, false); err != nil {
			return nil, err
		}
		if req.Samples == nil {
			return nil, fmt.Errorf("%w: samples are required", vad.ErrInvalidParam)
		}
		return req.Samples, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %w", vad.ErrInvalidParam, err)
	}
	samples, err := audio.BytesToSamples(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vad.ErrInvalidParam, err)
	}
	return samples, nil
}

// handleProcessFrame implements POST /sessions/{id}/frames
func (h *HTTPServer) handleProcessFrame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	session, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	frame, err := readFrame(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.manager.ProcessSession(session, frame)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, frameResponse{
		Probability:      result.Probability,
		Flag:             result.Flag,
		FrameIndex:       result.FrameIndex,
		Threshold:        result.Threshold,
		ProcessingTimeUs: result.ProcessingTime.Microseconds(),
	})
}

// thresholdRequest is the body of PUT /sessions/{id}/threshold
type thresholdRequest struct {
	Threshold *float32 `json:"threshold"`
}

// handleSetThreshold implements PUT /sessions/{id}/threshold
func (h *HTTPServer) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req thresholdRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Threshold == nil {
		h.writeError(w, r, fmt.Errorf("%w: threshold is required", vad.ErrInvalidParam))
		return
	}

	id := r.PathValue("id")
	if err := h.manager.SetThreshold(id, *req.Threshold); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.manager.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Info())
}

// handleReset implements POST /sessions/{id}/reset
func (h *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.Reset(id); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.manager.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Info())
}

// handleVersion implements GET /version
func (h *HTTPServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	var v vad.Version
	if err := vad.GetVersionStruct(&v); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version": vad.GetVersion(),
		"major":   v.Major,
		"minor":   v.Minor,
		"patch":   v.Patch,
	})
}

// handleHealth implements GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"session_manager": map[string]any{
			"status":          "running",
			"active_sessions": h.manager.Count(),
			"max_sessions":    h.config.Sessions.MaxSessions,
		},
	}
	if reporter, ok := h.sink.(interface{ GetStats() delivery.Stats }); ok {
		components["segment_delivery"] = map[string]any{
			"status": "running",
			"stats":  reporter.GetStats(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": vad.GetVersion(),
		},
		"components": components,
	})
}

// handleConfig implements GET /config
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"vad": map[string]any{
			"hop_size":    h.config.VAD.HopSize,
			"threshold":   h.config.VAD.Threshold,
			"sample_rate": h.config.VAD.SampleRate,
			"model":       h.config.VAD.Model,
			"mode":        h.config.VAD.Mode,
			"model_path":  h.config.VAD.ModelPath,
		},
		"segment": map[string]any{
			"min_speech_duration":  h.config.Segment.MinSpeechDuration,
			"min_silence_duration": h.config.Segment.MinSilenceDuration,
			"max_duration":         h.config.Segment.MaxDuration,
		},
		"sessions": map[string]any{
			"max_sessions":     h.config.Sessions.MaxSessions,
			"idle_timeout":     h.config.Sessions.IdleTimeout,
			"cleanup_interval": h.config.Sessions.CleanupInterval,
		},
		"delivery": map[string]any{
			"enabled":        h.config.Delivery.Enabled,
			"endpoint":       h.config.Delivery.Endpoint,
			"timeout":        h.config.Delivery.Timeout,
			"max_retries":    h.config.Delivery.MaxRetries,
			"max_concurrent": h.config.Delivery.MaxConcurrent,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "TEN VAD Service",
		"version": vad.GetVersion(),
		"endpoints": map[string]any{
			"GET /":                        "API documentation",
			"GET /health":                  "Service health check",
			"GET /version":                 "Detector version",
			"GET /config":                  "Service configuration",
			"GET /metrics":                 "Prometheus metrics",
			"POST /sessions":               "Create a session",
			"GET /sessions":                "List live sessions",
			"GET /sessions/{id}":           "Session details and statistics",
			"DELETE /sessions/{id}":        "Destroy a session",
			"POST /sessions/{id}/frames":   "Process one frame (raw PCM or JSON samples)",
			"PUT /sessions/{id}/threshold": "Update the decision threshold",
			"POST /sessions/{id}/reset":    "Clear model state and statistics",
			"GET /sessions/{id}/stream":    "WebSocket frame stream",
		},
		"timestamp": time.Now().UTC(),
	})
}
