package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/tenvad/internal/audio"
	"github.com/skypro1111/tenvad/internal/config"
	"github.com/skypro1111/tenvad/internal/metrics"
	"github.com/skypro1111/tenvad/internal/vad"
)

const (
	maxBackoff      = 30 * time.Second
	maxResponseBody = 64 << 10
)

// Client posts segment uploads to the configured endpoint
type Client struct {
	config     config.DeliveryConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger

	backoff time.Duration // first retry delay, doubled per attempt

	// Background uploads
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex // guards closed against concurrent Submit
	closed bool
	once   sync.Once

	// Statistics
	totalUploads   atomic.Uint64
	successUploads atomic.Uint64
	failedUploads  atomic.Uint64
	droppedUploads atomic.Uint64
	totalRetries   atomic.Uint64
}

// Upload is one speech segment ready to be sent
type Upload struct {
	ID         string
	SessionID  string
	Segment    audio.Segment
	SampleRate int
	Samples    []int16
	CreatedAt  time.Time
}

// Receipt is the endpoint's acknowledgement. Both fields are optional.
type Receipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Stats is a snapshot of client counters
type Stats struct {
	TotalUploads   uint64  `json:"total_uploads"`
	SuccessUploads uint64  `json:"success_uploads"`
	FailedUploads  uint64  `json:"failed_uploads"`
	DroppedUploads uint64  `json:"dropped_uploads"`
	SuccessRate    float64 `json:"success_rate"`
	TotalRetries   uint64  `json:"total_retries"`
}

// StatusError is a non-2xx reply from the endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// ErrClientClosed is returned by Submit after Close.
var ErrClientClosed = errors.New("delivery client is closed")

// NewUpload builds an upload with a fresh ID for seg, whose audio is samples.
func NewUpload(sessionID string, seg *audio.Segment, sampleRate int, samples []int16) *Upload {
	return &Upload{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Segment:    *seg,
		SampleRate: sampleRate,
		Samples:    samples,
		CreatedAt:  time.Now(),
	}
}

// NewClient creates a segment delivery client. At most MaxConcurrent
// background uploads run at once.
func NewClient(cfg config.DeliveryConfig, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: cfg.GetTimeoutDuration(),
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: cfg.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:     cfg,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger.With(slog.String("component", "delivery")),
		backoff:    time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.group.SetLimit(cfg.MaxConcurrent)
	return c, nil
}

// Submit starts delivering u in the background. It never blocks: when all
// upload slots are busy the segment is dropped and counted.
func (c *Client) Submit(u *Upload) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}

	ok := c.group.TryGo(func() error {
		// Failures are logged and counted inside Deliver.
		c.Deliver(c.ctx, u)
		return nil
	})
	if !ok {
		c.droppedUploads.Add(1)
		c.metrics.RecordDelivery("dropped", 0)
		c.logger.Warn("Dropping segment upload, all slots busy",
			slog.String("upload_id", u.ID),
			slog.String("session_id", u.SessionID),
		)
	}
	return nil
}

// Deliver sends u, retrying transient failures with exponential backoff.
func (c *Client) Deliver(ctx context.Context, u *Upload) (*Receipt, error) {
	startTime := time.Now()
	c.totalUploads.Add(1)

	wavData, err := audio.EncodeWAV(u.Samples, u.SampleRate)
	if err != nil {
		c.recordFailure(u, startTime, err)
		return nil, fmt.Errorf("failed to encode segment audio: %w", err)
	}

	var lastErr error
	attempts := 0

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.totalRetries.Add(1)
			c.metrics.RecordDeliveryRetry()

			select {
			case <-time.After(c.backoffFor(attempt)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		attempts++
		receipt, err := c.doRequest(ctx, u, wavData)
		if err == nil {
			c.successUploads.Add(1)
			c.metrics.RecordDelivery("success", time.Since(startTime).Seconds())
			c.logger.Debug("Segment delivered",
				slog.String("upload_id", u.ID),
				slog.String("session_id", u.SessionID),
				slog.Int("attempts", attempts),
			)
			return receipt, nil
		}

		lastErr = err

		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}

	err = fmt.Errorf("delivery failed after %d attempts: %w", attempts, lastErr)
	c.recordFailure(u, startTime, err)
	return nil, err
}

func (c *Client) recordFailure(u *Upload, startTime time.Time, err error) {
	c.failedUploads.Add(1)
	c.metrics.RecordDelivery("failed", time.Since(startTime).Seconds())
	c.logger.Warn("Segment delivery failed",
		slog.String("upload_id", u.ID),
		slog.String("session_id", u.SessionID),
		slog.String("error", err.Error()),
	)
}

func (c *Client) backoffFor(attempt int) time.Duration {
	d := c.backoff << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// doRequest performs a single upload
func (c *Client) doRequest(ctx context.Context, u *Upload, wavData []byte) (*Receipt, error) {
	body, contentType, err := c.createMultipartRequest(u, wavData)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "tenvad/"+vad.GetVersion())
	httpReq.Header.Set("Idempotency-Key", u.ID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}

	receipt := &Receipt{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, receipt); err != nil {
			c.logger.Debug("Ignoring non-JSON delivery response",
				slog.String("upload_id", u.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if receipt.ID == "" {
		receipt.ID = u.ID
	}
	return receipt, nil
}

// createMultipartRequest builds the form: the WAV file under "file" and
// one field per metadata value
func (c *Client) createMultipartRequest(u *Upload, wavData []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", fmt.Sprintf("segment_%s.wav", u.ID))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	seg := u.Segment
	fields := []struct{ key, value string }{
		{"upload_id", u.ID},
		{"session_id", u.SessionID},
		{"sample_rate", strconv.Itoa(u.SampleRate)},
		{"start_frame", strconv.FormatUint(seg.StartFrame, 10)},
		{"end_frame", strconv.FormatUint(seg.EndFrame, 10)},
		{"start", fmt.Sprintf("%.3f", seg.Start.Seconds())},
		{"end", fmt.Sprintf("%.3f", seg.End.Seconds())},
		{"duration", fmt.Sprintf("%.3f", seg.Duration.Seconds())},
		{"confidence", fmt.Sprintf("%.3f", seg.Confidence)},
		{"created_at", u.CreatedAt.UTC().Format(time.RFC3339Nano)},
		{"service_version", vad.GetVersion()},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.key, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f.key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable reports whether err may succeed on another attempt: 5xx and
// 429 replies, timeouts and transport failures.
func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// GetStats returns current client statistics
func (c *Client) GetStats() Stats {
	total := c.totalUploads.Load()
	success := c.successUploads.Load()

	successRate := float64(0)
	if total > 0 {
		successRate = float64(success) / float64(total) * 100
	}

	return Stats{
		TotalUploads:   total,
		SuccessUploads: success,
		FailedUploads:  c.failedUploads.Load(),
		DroppedUploads: c.droppedUploads.Load(),
		SuccessRate:    successRate,
		TotalRetries:   c.totalRetries.Load(),
	}
}

// Close stops accepting uploads and waits for in-flight ones. When ctx
// expires first, in-flight uploads are cancelled.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			c.group.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			c.cancel()
			<-done
		}
		c.cancel()
		c.httpClient.CloseIdleConnections()
	})
	return err
}
