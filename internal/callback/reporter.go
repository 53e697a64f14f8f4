// Package callback reports pipeline progress and completion to approval-api.
// Reference: ADR-007 Discovery Acquisition Model
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/progress"
)

// Collector is the name reported in every callback.
const Collector = "camera-scanner"

// Reporter sends progress and completion callbacks. Empty URLs disable the
// corresponding callback.
type Reporter struct {
	scanID      string
	progressURL string
	completeURL string
	apiKey      string
	logger      *zap.SugaredLogger
	client      *http.Client
	sequence    int64 // Monotonic counter for idempotency
	cameraCount int64
}

// Progress represents a progress update.
type Progress struct {
	ScanID      string                               `json:"scan_id"`
	Collector   string                               `json:"collector"`
	Sequence    int                                  `json:"sequence"`
	Phase       string                               `json:"phase,omitempty"`
	Progress    int                                  `json:"progress"`
	CameraCount int                                  `json:"discovery_count"`
	Phases      map[progress.Phase]progress.Snapshot `json:"phases,omitempty"`
	Message     string                               `json:"message,omitempty"`
	Timestamp   string                               `json:"timestamp"`
}

// Completion represents a pipeline completion.
type Completion struct {
	ScanID       string `json:"scan_id"`
	Collector    string `json:"collector"`
	Sequence     int    `json:"sequence"`
	Status       string `json:"status"` // completed, failed, cancelled
	CameraCount  int    `json:"discovery_count"`
	Verified     int    `json:"verified_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// NewReporter creates a new callback reporter.
func NewReporter(scanID, progressURL, completeURL, apiKey string, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{
		scanID:      scanID,
		progressURL: progressURL,
		completeURL: completeURL,
		apiKey:      apiKey,
		logger:      logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ReportProgress sends a progress update for the current phase together
// with a snapshot of every phase.
func (r *Reporter) ReportProgress(phase string, pct int, phases map[progress.Phase]progress.Snapshot, message string) error {
	seq := atomic.AddInt64(&r.sequence, 1)
	if r.progressURL == "" {
		return nil
	}

	payload := Progress{
		ScanID:      r.scanID,
		Collector:   Collector,
		Sequence:    int(seq),
		Phase:       phase,
		Progress:    pct,
		CameraCount: r.CameraCount(),
		Phases:      phases,
		Message:     message,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	return r.sendCallback(r.progressURL, payload)
}

// ReportComplete sends a completion callback.
func (r *Reporter) ReportComplete(status string, verified int, errorMsg string) error {
	seq := atomic.AddInt64(&r.sequence, 1)
	if r.completeURL == "" {
		return nil
	}

	payload := Completion{
		ScanID:       r.scanID,
		Collector:    Collector,
		Sequence:     int(seq),
		Status:       status,
		CameraCount:  r.CameraCount(),
		Verified:     verified,
		ErrorMessage: errorMsg,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	return r.sendCallback(r.completeURL, payload)
}

// SetCameraCount records the number of cameras currently known.
func (r *Reporter) SetCameraCount(n int) {
	atomic.StoreInt64(&r.cameraCount, int64(n))
}

// CameraCount returns the last recorded camera count.
func (r *Reporter) CameraCount() int {
	return int(atomic.LoadInt64(&r.cameraCount))
}

// ScanID returns the scan ID.
func (r *Reporter) ScanID() string {
	return r.scanID
}

func (r *Reporter) sendCallback(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warnw("Callback failed", "url", url, "error", err)
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		r.logger.Warnw("Callback returned error", "url", url, "status", resp.StatusCode)
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	r.logger.Debugw("Callback sent", "url", url, "status", resp.StatusCode)
	return nil
}
