package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"example.com/telemetry/internal/domain"
)

// HTTPSink posts batches as JSON to an upstream collector endpoint. Transient
// failures are retried with exponential backoff inside the sink; the tracker
// stays oblivious to retry policy and only sees the final outcome.
type HTTPSink struct {
	endpoint   string
	client     *http.Client
	maxElapsed time.Duration
}

// batchEnvelope is the wire shape accepted by the upstream collector.
type batchEnvelope struct {
	Events domain.Batch `json:"events"`
	SentAt time.Time    `json:"sent_at"`
}

// NewHTTPSink constructs a sink. A nil client falls back to
// http.DefaultClient; maxElapsed bounds the total retry window for one batch.
func NewHTTPSink(endpoint string, client *http.Client, maxElapsed time.Duration) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &HTTPSink{endpoint: endpoint, client: client, maxElapsed: maxElapsed}
}

// Send delivers the batch, retrying server-side and network failures. Client
// errors (4xx) are permanent: retrying a rejected payload cannot succeed.
func (s *HTTPSink) Send(ctx context.Context, batch domain.Batch) error {
	if len(batch) == 0 {
		return domain.ErrEmptyBatch
	}

	body, err := json.Marshal(batchEnvelope{Events: batch, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("collector rejected batch: %s", resp.Status))
		default:
			return fmt.Errorf("collector returned %s", resp.Status)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.maxElapsed

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
