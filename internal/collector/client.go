// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/metrics"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 1 * time.Second
	maxBackoffDelay   = 120 * time.Second

	probeTimeout = 10 * time.Second
	pullTimeout  = 60 * time.Second
)

// apiClient is the rate-limit-aware HTTP client used by the poll
// collector. A circuit breaker sits in front of the upstream so a dead
// API fails fast instead of burning a full timeout per endpoint every
// cycle.
type apiClient struct {
	baseURL    string
	sourceName string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]

	maxRetries int
	baseDelay  time.Duration

	// sleep is swapped out in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func newAPIClient(baseURL, sourceName string) *apiClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "api-" + sourceName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})
	return &apiClient{
		baseURL:    baseURL,
		sourceName: sourceName,
		client:     &http.Client{Timeout: pullTimeout},
		breaker:    cb,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// get performs one GET with 429 backoff. On HTTP 429 an exact
// Retry-After value is honored when present; otherwise the delay is
// min(baseDelay * 2^attempt, 120s). After maxRetries attempts the last
// response is returned as-is, even when still 429, so the caller can
// skip the cycle gracefully. Any other status returns immediately.
func (c *apiClient) get(ctx context.Context, reqURL string) (*http.Response, error) {
	var resp *http.Response

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var err error
		resp, err = c.breaker.Execute(func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
			if err != nil {
				return nil, fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Accept", "application/json")
			return c.client.Do(req)
		})
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", reqURL, err)
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= c.maxRetries {
			return resp, nil
		}
		_ = resp.Body.Close()

		delay := c.baseDelay * time.Duration(1<<uint(attempt))
		if delay > maxBackoffDelay {
			delay = maxBackoffDelay
		}
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, perr := strconv.Atoi(retryAfter); perr == nil && seconds >= 0 {
				delay = time.Duration(seconds) * time.Second
			}
		}

		metrics.RateLimitWaits.WithLabelValues(c.sourceName).Inc()
		logging.Debug().Str("source", c.sourceName).Dur("delay", delay).Int("attempt", attempt+1).Msg("Rate limited, backing off")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// getJSON fetches a URL and decodes the body. Non-200 statuses become
// errors here; the 429 policy has already run inside get.
func (c *apiClient) getJSON(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	resp, err := c.get(ctx, reqURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// probe hits the health/version endpoint with a short timeout and
// returns the reported version string.
func (c *apiClient) probe(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/health", nil, &health); err != nil {
		return "", err
	}
	return health.Version, nil
}
