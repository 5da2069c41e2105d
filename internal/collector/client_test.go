// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

// newTestClient points an apiClient at a test server and records every
// backoff sleep instead of waiting it out.
func newTestClient(t *testing.T, handler http.Handler) (*apiClient, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := newAPIClient(srv.URL, "test-source")
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, &sleeps
}

func TestGetBackoffExponential(t *testing.T) {
	var hits int
	c, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	c.maxRetries = 3

	resp, err := c.get(context.Background(), c.baseURL+"/api/nodes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 after retries exhausted", resp.StatusCode)
	}
	if hits != 4 {
		t.Errorf("requests = %d, want 4 (initial + 3 retries)", hits)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if !reflect.DeepEqual(*sleeps, want) {
		t.Errorf("sleeps = %v, want %v", *sleeps, want)
	}
}

func TestGetBackoffCapped(t *testing.T) {
	c, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	c.maxRetries = 1
	c.baseDelay = 200 * time.Second

	resp, err := c.get(context.Background(), c.baseURL+"/api/nodes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	want := []time.Duration{120 * time.Second}
	if !reflect.DeepEqual(*sleeps, want) {
		t.Errorf("sleeps = %v, want cap at %v", *sleeps, want)
	}
}

func TestGetBackoffRetryAfter(t *testing.T) {
	var hits int
	c, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.get(context.Background(), c.baseURL+"/api/nodes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after retry", resp.StatusCode)
	}
	want := []time.Duration{7 * time.Second}
	if !reflect.DeepEqual(*sleeps, want) {
		t.Errorf("sleeps = %v, want %v (Retry-After honored exactly)", *sleeps, want)
	}
}

func TestGetNon429ReturnsImmediately(t *testing.T) {
	var hits int
	c, sleeps := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	resp, err := c.get(context.Background(), c.baseURL+"/api/nodes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if hits != 1 {
		t.Errorf("requests = %d, want 1 (no retries on non-429)", hits)
	}
	if len(*sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", *sleeps)
	}
}

func TestGetContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	if _, err := c.get(context.Background(), c.baseURL+"/api/nodes"); err == nil {
		t.Error("get should propagate a cancelled backoff sleep")
	}
}

func TestGetJSON(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","version":"2.7.0"}`))
	}))

	version, err := c.probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if version != "2.7.0" {
		t.Errorf("version = %q, want 2.7.0", version)
	}
}

func TestGetJSONErrorStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))

	var out map[string]interface{}
	if err := c.getJSON(context.Background(), "/api/nodes", nil, &out); err == nil {
		t.Error("getJSON should fail on a non-200 status")
	}
}
