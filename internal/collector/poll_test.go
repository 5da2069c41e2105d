// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
)

func TestExtractEntities(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		entityKey string
		wantRows  int
		wantTotal int64
	}{
		{name: "bare array", raw: `[{"a":1},{"a":2}]`, entityKey: "nodes", wantRows: 2, wantTotal: 2},
		{name: "data envelope", raw: `{"data":[{"a":1}],"total":40}`, entityKey: "nodes", wantRows: 1, wantTotal: 40},
		{name: "entity key envelope", raw: `{"nodes":[{"a":1},{"a":2}],"count":9}`, entityKey: "nodes", wantRows: 2, wantTotal: 9},
		{name: "envelope without rows", raw: `{"status":"ok"}`, entityKey: "nodes", wantRows: 0, wantTotal: 0},
		{name: "not json", raw: `"hello"`, entityKey: "nodes", wantRows: 0, wantTotal: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, total := extractEntities(json.RawMessage(tt.raw), tt.entityKey)
			if len(rows) != tt.wantRows {
				t.Errorf("rows = %d, want %d", len(rows), tt.wantRows)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
		})
	}
}

func TestNodeNumFromJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want uint32
	}{
		{name: "nodeNum", raw: `{"nodeNum": 100}`, want: 100},
		{name: "snake case", raw: `{"node_num": 200}`, want: 200},
		{name: "from", raw: `{"from": 300}`, want: 300},
		{name: "hex node id", raw: `{"nodeId": "!000001f4"}`, want: 500},
		{name: "nothing usable", raw: `{"value": 42}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := rawObj(t, tt.raw)
			if got := nodeNumFromJSON(obj); got != tt.want {
				t.Errorf("nodeNumFromJSON = %d, want %d", got, tt.want)
			}
		})
	}
}

// newTestPoller wires a poll collector to a test API server with the
// backoff sleep neutralized.
func newTestPoller(t *testing.T, gw Gateway, handler http.Handler) *pollCollector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := newPollCollector(gw, &models.Source{
		ID:   1,
		Name: "mesh-api",
		Kind: models.SourceKindPoll,
		URL:  srv.URL,
	})
	c.api.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestPollCycle(t *testing.T) {
	gw := newFakeGateway()
	gw.sources[1] = &models.Source{ID: 1, Name: "mesh-api", Kind: models.SourceKindPoll, Enabled: true}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","version":"2.7.0"}`))
	})
	mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"nodeNum": 100, "shortName": "BASE", "longName": "Base Station", "lastHeard": 1700000000},
			{"num": 200, "latitude": 37.5, "longitude": -122.4},
			{"shortName": "orphan row without a node number"}
		]`))
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [
			{"packetId": 777, "fromNodeNum": 100, "toNodeNum": 200, "text": "hello", "rxTime": 1700000000}
		], "total": 1}`))
	})
	mux.HandleFunc("/api/telemetry", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"nodeNum": 100, "telemetryType": "batteryLevel", "value": 86, "timestamp": 1700000000000}
		]`))
	})
	mux.HandleFunc("/api/traceroutes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"fromNodeNum": 100, "toNodeNum": 200, "timestamp": 1700000000, "route": [300], "snrTowards": [2.5]}
		]`))
	})

	c := newTestPoller(t, gw, mux)
	c.cycle(context.Background())

	if st := c.Status(); st.LastError != "" {
		t.Fatalf("cycle recorded error: %s", st.LastError)
	}

	node, _ := gw.GetNode(context.Background(), 1, 100)
	if node == nil || node.ShortName == nil || *node.ShortName != "BASE" {
		t.Errorf("node 100 = %+v", node)
	}
	if node.LastHeard == nil || !node.LastHeard.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("node 100 last heard = %v", node.LastHeard)
	}
	if n200, _ := gw.GetNode(context.Background(), 1, 200); n200 == nil || n200.Latitude == nil {
		t.Errorf("node 200 = %+v", n200)
	}
	if len(gw.nodes) != 2 {
		t.Errorf("nodes = %d, want 2 (row without number skipped)", len(gw.nodes))
	}

	if len(gw.messages) != 1 || gw.messages[0].Text != "hello" {
		t.Errorf("messages = %+v", gw.messages)
	}

	fact, ok := gw.factByMetric("battery_level")
	if !ok {
		t.Fatal("no battery_level fact stored")
	}
	if fact.RawValue != 86 || fact.NodeNum != 100 {
		t.Errorf("fact = %+v", fact)
	}
	if want := time.UnixMilli(1700000000000).UTC(); !fact.ReceivedAt.Equal(want) {
		t.Errorf("fact received_at = %v, want %v", fact.ReceivedAt, want)
	}

	if len(gw.traceroutes) != 1 {
		t.Fatalf("traceroutes = %d, want 1", len(gw.traceroutes))
	}
	tr := gw.traceroutes[0]
	// REST rows already record from = requester; no role swap.
	if tr.FromNodeNum != 100 || tr.ToNodeNum != 200 {
		t.Errorf("from/to = %d/%d, want 100/200", tr.FromNodeNum, tr.ToNodeNum)
	}
	if len(tr.SNRTowards) != 1 || tr.SNRTowards[0] != 10 {
		t.Errorf("snr towards = %v, want [10]", tr.SNRTowards)
	}

	src := gw.sources[1]
	if src.RemoteVersion == nil || *src.RemoteVersion != "2.7.0" {
		t.Errorf("remote version = %v, want 2.7.0", src.RemoteVersion)
	}
	if src.LastPollAt == nil {
		t.Error("last poll time not recorded")
	}
}

func TestPollCycleUnreachableAPI(t *testing.T) {
	gw := newFakeGateway()
	gw.sources[1] = &models.Source{ID: 1, Name: "mesh-api", Enabled: true}

	c := newTestPoller(t, gw, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	errorsBefore := testutil.ToFloat64(metrics.PollErrors.WithLabelValues("mesh-api", "http"))
	c.cycle(context.Background())

	if st := c.Status(); st.LastError == "" {
		t.Error("unreachable API should record an error")
	}
	errorsAfter := testutil.ToFloat64(metrics.PollErrors.WithLabelValues("mesh-api", "http"))
	if got := errorsAfter - errorsBefore; got != 1 {
		t.Errorf("failed cycle counted %v errors, want exactly 1", got)
	}
	if gw.sources[1].LastError == nil {
		t.Error("error not written to source row")
	}
	if len(gw.nodes) != 0 {
		t.Error("no data should be stored when the probe fails")
	}
}

func TestPollCycleIdempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.sources[1] = &models.Source{ID: 1, Name: "mesh-api", Enabled: true}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","version":"2.7.0"}`))
	})
	mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"packetId": 777, "fromNodeNum": 100, "text": "hi", "rxTime": 1700000000}]`))
	})
	mux.HandleFunc("/api/telemetry", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"nodeNum": 100, "telemetryType": "voltage", "value": 3.89, "timestamp": 1700000000}]`))
	})
	mux.HandleFunc("/api/traceroutes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	c := newTestPoller(t, gw, mux)
	c.cycle(context.Background())
	c.cycle(context.Background())

	if len(gw.messages) != 1 {
		t.Errorf("messages = %d, want 1 after two identical cycles", len(gw.messages))
	}
	if len(gw.facts) != 1 {
		t.Errorf("facts = %d, want 1 after two identical cycles", len(gw.facts))
	}
}

func TestPollTriggerSyncCoalesces(t *testing.T) {
	c := &pollCollector{syncChan: make(chan struct{}, 1)}
	for i := 0; i < 3; i++ {
		if err := c.TriggerSync(); err != nil {
			t.Fatalf("TriggerSync: %v", err)
		}
	}
	if len(c.syncChan) != 1 {
		t.Errorf("queued syncs = %d, want 1", len(c.syncChan))
	}
}
