package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/tenvad/internal/audio"
	"github.com/skypro1111/tenvad/internal/delivery"
	"github.com/skypro1111/tenvad/internal/metrics"
	"github.com/skypro1111/tenvad/internal/protocol"
	"github.com/skypro1111/tenvad/internal/stream"
	"github.com/skypro1111/tenvad/internal/vad"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	outboxSize = 64

	// Segment audio kept when max_duration leaves segments unbounded.
	unboundedSegmentHistory = time.Minute
)

// streamConn couples one WebSocket with one session. Results reach the
// client through the session callback; a single writer goroutine owns the
// socket for writes.
type streamConn struct {
	id      string
	conn    *websocket.Conn
	session *stream.ManagedSession
	manager *stream.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger

	framer    *audio.Framer
	segmenter *audio.Segmenter // nil when frame timing is unknown

	// Segment delivery, nil when disabled
	sink       SegmentSink
	history    *audio.History
	sampleRate int

	// Callback state
	mu       sync.Mutex
	sequence uint32
	frames   uint64
	pending  []int16 // frame being processed, claimed by the callback

	outbox chan any
	quit   chan struct{} // closed when the reader is finished
	done   chan struct{} // closed when the writer has exited
	closed atomic.Bool
}

// handleStream implements GET /sessions/{id}/stream
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	framer, err := audio.NewFramer(session.Session.HopSize())
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", vad.ErrInvalidParam, err))
		return
	}

	sampleRate := session.SampleRate
	if sampleRate == 0 {
		sampleRate = h.config.VAD.SampleRate
	}
	var segmenter *audio.Segmenter
	var history *audio.History
	if frameDuration := audio.FrameDurationFor(session.Session.HopSize(), sampleRate); frameDuration > 0 {
		segCfg := h.config.Segment.SegmenterConfig(frameDuration)
		segmenter, err = audio.NewSegmenter(segCfg)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %w", vad.ErrInvalidParam, err))
			return
		}
		if h.sink != nil {
			history = audio.NewHistory(historyFrames(segCfg))
		}
	}

	if err := h.manager.AttachStream(session); err != nil {
		h.writeError(w, r, err)
		return
	}
	defer h.manager.DetachStream(session)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &streamConn{
		id:         session.ID,
		conn:       conn,
		session:    session,
		manager:    h.manager,
		metrics:    h.metrics,
		logger:     h.logger.With(slog.String("session_id", session.ID)),
		framer:     framer,
		segmenter:  segmenter,
		sink:       h.sink,
		history:    history,
		sampleRate: sampleRate,
		outbox:     make(chan any, outboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if err := h.manager.RegisterCallback(session.ID, onStreamResult, c); err != nil {
		conn.WriteJSON(protocol.NewErrorMessage(err))
		conn.Close()
		return
	}

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	c.logger.Info("Stream attached", slog.String("remote_addr", r.RemoteAddr))
	c.run()
	c.logger.Info("Stream detached",
		slog.Uint64("frames", c.framesSent()),
	)
}

// onStreamResult is the session callback for streamed sessions.
func onStreamResult(probability float32, flag int, userData any) {
	c, ok := userData.(*streamConn)
	if !ok || c.closed.Load() {
		return
	}

	c.mu.Lock()
	index := c.frames
	c.frames++
	if c.history != nil && c.pending != nil {
		c.history.Append(index, c.pending)
	}
	c.pending = nil

	msgs := []any{protocol.NewResultMessage(c.sequence, index, probability, flag)}
	var upload *delivery.Upload
	if c.segmenter != nil {
		seg := c.segmenter.Push(index, probability, flag)
		if seg != nil {
			c.metrics.RecordSegment(seg.Duration.Seconds(), float64(seg.Confidence))
			msgs = append(msgs, protocol.NewSegmentMessage(seg))
			upload = c.segmentUpload(seg)
		}
		if c.history != nil && c.segmenter.IsIdle() {
			c.history.Discard(index + 1)
		}
	}
	c.mu.Unlock()

	for _, msg := range msgs {
		c.send(msg)
	}
	c.submit(upload)
}

// historyFrames sizes the frame history so the longest possible segment
// plus its closing silence fits.
func historyFrames(cfg audio.SegmentConfig) int {
	span := cfg.MaxDuration
	if span == 0 {
		span = unboundedSegmentHistory
	}
	span += cfg.MinSilenceDuration
	return int(span/cfg.FrameDuration) + 2
}

// segmentUpload cuts the audio of seg out of the history. It must be called
// with mu held.
func (c *streamConn) segmentUpload(seg *audio.Segment) *delivery.Upload {
	if c.history == nil {
		return nil
	}
	samples := c.history.Extract(seg.StartFrame, seg.EndFrame)
	if len(samples) == 0 {
		return nil
	}
	return delivery.NewUpload(c.id, seg, c.sampleRate, samples)
}

func (c *streamConn) submit(upload *delivery.Upload) {
	if upload == nil {
		return
	}
	if err := c.sink.Submit(upload); err != nil {
		c.logger.Warn("Segment upload rejected",
			slog.String("upload_id", upload.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *streamConn) framesSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// send queues msg for the writer. It blocks while the outbox is full and
// gives up once the connection is shutting down.
func (c *streamConn) send(msg any) {
	select {
	case c.outbox <- msg:
	case <-c.quit:
	case <-c.done:
	}
}

func (c *streamConn) run() {
	go func() {
		defer close(c.done)
		c.writeLoop()
	}()

	c.send(&protocol.ReadyMessage{
		Type:      protocol.TypeReady,
		SessionID: c.id,
		HopSize:   c.session.Session.HopSize(),
		Threshold: c.session.Session.Threshold(),
	})

	c.readLoop()

	c.closed.Store(true)
	if seg, upload := c.flushSegment(); seg != nil {
		select {
		case c.outbox <- protocol.NewSegmentMessage(seg):
		default:
		}
		c.submit(upload)
	}
	close(c.quit)
	<-c.done
	c.conn.Close()
}

func (c *streamConn) readLoop() {
	c.conn.SetReadLimit(protocol.MaxFrameMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Stream read error", slog.String("error", err.Error()))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.metrics.RecordStreamMessage("in", "frame")
			if !c.handleFrame(data) {
				return
			}
		case websocket.TextMessage:
			c.metrics.RecordStreamMessage("in", "control")
			c.handleControl(data)
		}
	}
}

// handleFrame feeds one binary message through the framer and detector. It
// returns false when the session is gone.
func (c *streamConn) handleFrame(data []byte) bool {
	msg, err := protocol.ParseFrameMessage(data)
	if err != nil {
		c.sendError(fmt.Errorf("%w: %w", vad.ErrInvalidParam, err))
		return true
	}

	frames, err := c.framer.Push(msg.Sequence, msg.AudioData)
	if err != nil {
		if errors.Is(err, audio.ErrSequenceGap) {
			c.metrics.RecordSequenceGap()
		}
		c.sendError(fmt.Errorf("%w: %w", vad.ErrInvalidParam, err))
		return true
	}

	c.mu.Lock()
	c.sequence = msg.Sequence
	c.mu.Unlock()

	for _, frame := range frames {
		if err := c.process(frame); err != nil {
			c.sendError(err)
			if errors.Is(err, vad.ErrInvalidState) {
				return false
			}
		}
	}
	return true
}

// process runs frame through the session. The callback claims the frame
// for the segment history while Process holds it.
func (c *streamConn) process(frame []int16) error {
	if c.history == nil {
		_, err := c.manager.ProcessSession(c.session, frame)
		return err
	}

	c.mu.Lock()
	c.pending = frame
	c.mu.Unlock()

	_, err := c.manager.ProcessSession(c.session, frame)

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	return err
}

func (c *streamConn) handleControl(data []byte) {
	msg, err := protocol.ParseControlMessage(data)
	if err != nil {
		c.sendError(fmt.Errorf("%w: %w", vad.ErrInvalidParam, err))
		return
	}

	switch msg.Type {
	case protocol.TypeThreshold:
		if err := c.manager.SetThreshold(c.id, *msg.Threshold); err != nil {
			c.sendError(err)
		}

	case protocol.TypeReset:
		if err := c.manager.Reset(c.id); err != nil {
			c.sendError(err)
			return
		}
		c.framer.Reset()
		c.mu.Lock()
		c.frames = 0
		if c.segmenter != nil {
			c.segmenter.Flush()
		}
		if c.history != nil {
			c.history.Reset()
		}
		c.mu.Unlock()

	case protocol.TypeFlush:
		if seg, upload := c.flushSegment(); seg != nil {
			c.send(protocol.NewSegmentMessage(seg))
			c.submit(upload)
		}
	}
}

// flushSegment closes the open segment, if any, and prepares its upload.
func (c *streamConn) flushSegment() (*audio.Segment, *delivery.Upload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segmenter == nil {
		return nil, nil
	}
	seg := c.segmenter.Flush()
	if seg == nil {
		return nil, nil
	}
	c.metrics.RecordSegment(seg.Duration.Seconds(), float64(seg.Confidence))
	upload := c.segmentUpload(seg)
	if c.history != nil {
		c.history.Reset()
	}
	return seg, upload
}

func (c *streamConn) sendError(err error) {
	c.logger.Debug("Stream error", slog.String("error", err.Error()))
	c.send(protocol.NewErrorMessage(err))
}

func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outbox:
			if err := c.write(msg); err != nil {
				c.abort(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort(err)
				return
			}

		case <-c.quit:
			// Drain what is already queued, then say goodbye.
			for {
				select {
				case msg := <-c.outbox:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *streamConn) write(msg any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	c.metrics.RecordStreamMessage("out", messageType(msg))
	return nil
}

// abort unblocks the reader after a write failure.
func (c *streamConn) abort(err error) {
	c.logger.Warn("Stream write error", slog.String("error", err.Error()))
	c.conn.Close()
}

func messageType(msg any) string {
	switch m := msg.(type) {
	case *protocol.ResultMessage:
		return m.Type
	case *protocol.SegmentMessage:
		return m.Type
	case *protocol.ErrorMessage:
		return m.Type
	case *protocol.ReadyMessage:
		return m.Type
	}
	return "unknown"
}
