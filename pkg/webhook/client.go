// Package webhook implements the webhook receiver client: one HTTP
// POST per event kind plus a bulk Codex endpoint, bearer-token auth, and
// exponential-backoff retry. Grounded on the retry-classification
// idiom (pkg/mcp/recovery.go's ClassifyError/RecoveryAction shape) and its
// bearer-token HTTP client shape (pkg/runbook/github.go).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kepler-labs/kepler/pkg/telemetry"
)

var endpointByKind = map[telemetry.Kind]string{
	telemetry.KindRunStageProgress:        "stage-progress",
	telemetry.KindRunLog:                  "run-log",
	telemetry.KindStageCompleted:          "substage-completed",
	telemetry.KindStageSummary:            "substage-summary",
	telemetry.KindSubstageCompleted:       "substage-completed",
	telemetry.KindSubstageSummary:         "substage-summary",
	telemetry.KindPaperGenerationProgress: "paper-generation-progress",
	telemetry.KindTreeVizStored:           "tree-viz-stored",
	telemetry.KindRunningCode:             "running-code",
	telemetry.KindRunCompleted:            "run-completed",
	telemetry.KindStageSkipWindow:         "stage-skip-window",
	telemetry.KindArtifactUploaded:        "artifact-uploaded",
	telemetry.KindReviewCompleted:         "review-completed",
	telemetry.KindCodexEvent:              "codex-event",
	telemetry.KindTokenUsage:              "token-usage",
	telemetry.KindFigureReviews:           "figure-reviews",
	telemetry.KindHWStats:                 "hw-stats",
	telemetry.KindGPUShortage:             "gpu-shortage",
	telemetry.KindHeartbeat:               "heartbeat",
	telemetry.KindRunStarted:              "run-started",
	telemetry.KindRunFinished:             "run-finished",
	telemetry.KindInitializationProgress:  "initialization-progress",
}

// Retry tuning: 5 attempts, 1s initial backoff, doubling, capped at 10s.
const (
	maxAttempts    = 5
	initialBackoff = time.Second
	maxBackoff     = 10 * time.Second
)

// Client publishes events to the remote webhook receiver.
type Client struct {
	baseURL     string
	bearerToken string
	runID       string
	httpClient  *http.Client

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New creates a webhook client namespaced to one run (<base>/<run_id>).
func New(baseURL, bearerToken, runID string) *Client {
	return &Client{
		baseURL:        baseURL,
		bearerToken:    bearerToken,
		runID:          runID,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// Publish POSTs {"event": payload} to the endpoint matching kind, except
// for run-started and heartbeat which post an empty body.
func (c *Client) Publish(kind telemetry.Kind, payload any) error {
	suffix, ok := endpointByKind[kind]
	if !ok {
		return fmt.Errorf("webhook: no endpoint mapped for kind %q", kind)
	}

	var body any
	switch kind {
	case telemetry.KindRunStarted, telemetry.KindHeartbeat:
		body = struct{}{}
	default:
		body = map[string]any{"event": payload}
	}

	return c.postWithRetry(context.Background(), suffix, body)
}

// PublishCodexEventsBulk POSTs the accumulated Codex batch to codex-events-bulk.
func (c *Client) PublishCodexEventsBulk(items []telemetry.CodexEventItem) error {
	if len(items) == 0 {
		return nil
	}
	return c.postWithRetry(context.Background(), "codex-events-bulk", map[string]any{"events": items})
}

// AnnounceArtifactUploaded implements pkg/artifact.UploadAnnouncer by
// publishing the artifact-uploaded event over the same channel as every
// other event kind.
func (c *Client) AnnounceArtifactUploaded(s3Key, path string) error {
	return c.Publish(telemetry.KindArtifactUploaded, telemetry.ArtifactUploaded{
		Path: path,
		URL:  s3Key,
	})
}

// WithFastRetryForTests shrinks the retry backoff window; production
// callers never need this.
func (c *Client) WithFastRetryForTests() *Client {
	c.initialBackoff = time.Millisecond
	c.maxBackoff = 5 * time.Millisecond
	return c
}

func (c *Client) url(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.runID, suffix)
}

// httpStatusError carries the non-2xx status a POST returned, so the retry
// loop can classify it without re-parsing an error string.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

// classifyError determines whether a postWithRetry failure is worth
// retrying: any transport-layer error (the request never got a response),
// a 5xx, or a 429 is retriable; every other 4xx is fatal and dropped.
func classifyError(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests
	}
	// No httpStatusError means doPost failed before getting a response
	// (DNS, dial, timeout, connection reset) — always retriable.
	return true
}

func (c *Client) postWithRetry(ctx context.Context, suffix string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("webhook: marshal body: %w", err)
	}

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.doPost(ctx, suffix, encoded)
		if err == nil {
			return nil
		}
		lastErr = err
		if !classifyError(err) {
			return fmt.Errorf("webhook: POST %s failed with a fatal error: %w", suffix, err)
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return fmt.Errorf("webhook: POST %s failed after %d attempts: %w", suffix, maxAttempts, lastErr)
}

func (c *Client) doPost(ctx context.Context, suffix string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(suffix), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return nil
}
