// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "test.duckdb")})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func strRef(s string) *string { return &s }

func TestInsertTelemetryDedup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fact := models.TelemetryFact{
		SourceID:   1,
		NodeNum:    100,
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
		MetricName: "battery_level",
		Type:       models.TypeDevice,
		RawValue:   86,
		Column:     "battery_level",
	}

	added, err := db.InsertTelemetry(ctx, &fact)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !added {
		t.Error("first insert reported not added")
	}

	added, err = db.InsertTelemetry(ctx, &fact)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if added {
		t.Error("duplicate insert reported added")
	}
	if n := countRows(t, db, "telemetry"); n != 1 {
		t.Errorf("telemetry rows = %d, want 1", n)
	}

	// Same key fields with a different value is still the same fact.
	fact.RawValue = 99
	if added, _ := db.InsertTelemetry(ctx, &fact); added {
		t.Error("same key with different value should still dedup")
	}

	// A different metric at the same instant is a new fact.
	fact.MetricName = "voltage"
	fact.Column = "voltage"
	fact.RawValue = 3.89
	if added, err := db.InsertTelemetry(ctx, &fact); err != nil || !added {
		t.Errorf("different metric: added = %v, err = %v", added, err)
	}

	var battery int64
	var voltage float64
	err = db.Conn().QueryRow(
		`SELECT battery_level FROM telemetry WHERE metric_name = 'battery_level'`).Scan(&battery)
	if err != nil || battery != 86 {
		t.Errorf("dedicated battery column = %d, err = %v", battery, err)
	}
	err = db.Conn().QueryRow(
		`SELECT voltage FROM telemetry WHERE metric_name = 'voltage'`).Scan(&voltage)
	if err != nil || voltage != 3.89 {
		t.Errorf("dedicated voltage column = %v, err = %v", voltage, err)
	}
}

func TestUpsertNodePreservesFields(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	lat, lon := 37.5, -122.4
	alt := 120
	full := models.Node{
		SourceID:  1,
		NodeNum:   100,
		ShortName: strRef("BASE"),
		LongName:  strRef("Base Station"),
		HWModel:   strRef("TBEAM"),
		Role:      strRef("ROUTER"),
		Latitude:  &lat,
		Longitude: &lon,
		Altitude:  &alt,
	}
	if err := db.UpsertNode(ctx, &full); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}

	// Partial update: only a new long name and a heard timestamp.
	heard := time.Unix(1700000500, 0).UTC()
	partial := models.Node{
		SourceID:  1,
		NodeNum:   100,
		LongName:  strRef("Base Station North"),
		LastHeard: &heard,
	}
	if err := db.UpsertNode(ctx, &partial); err != nil {
		t.Fatalf("partial upsert: %v", err)
	}

	node, err := db.GetNode(ctx, 1, 100)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node == nil {
		t.Fatal("node not found")
	}
	if node.LongName == nil || *node.LongName != "Base Station North" {
		t.Errorf("long name = %v, want updated", node.LongName)
	}
	if node.ShortName == nil || *node.ShortName != "BASE" {
		t.Errorf("short name = %v, want preserved", node.ShortName)
	}
	if node.HWModel == nil || *node.HWModel != "TBEAM" {
		t.Errorf("hw model = %v, want preserved", node.HWModel)
	}
	if node.Latitude == nil || *node.Latitude != 37.5 {
		t.Errorf("latitude = %v, want preserved", node.Latitude)
	}
	if node.Altitude == nil || *node.Altitude != 120 {
		t.Errorf("altitude = %v, want preserved", node.Altitude)
	}
	if node.LastHeard == nil || !node.LastHeard.Equal(heard) {
		t.Errorf("last heard = %v, want %v", node.LastHeard, heard)
	}
	if n := countRows(t, db, "nodes"); n != 1 {
		t.Errorf("nodes = %d, want 1", n)
	}
}

func TestGetNodeUnseen(t *testing.T) {
	db := newTestDB(t)
	node, err := db.GetNode(context.Background(), 1, 999)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node != nil {
		t.Errorf("node = %+v, want nil for unseen node", node)
	}
}

func TestResolveNodeNames(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for num, name := range map[uint32]string{100: "Alpha", 200: "Beta"} {
		n := models.Node{SourceID: 1, NodeNum: num, LongName: strRef(name)}
		if err := db.UpsertNode(ctx, &n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	resolved, err := db.ResolveNodeNames(ctx, 1, []string{"Alpha", "Beta", "Gamma"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 2 || resolved["Alpha"] != 100 || resolved["Beta"] != 200 {
		t.Errorf("resolved = %v", resolved)
	}

	empty, err := db.ResolveNodeNames(ctx, 1, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty resolve = %v, err = %v", empty, err)
	}
}

func TestInsertMessageDedup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	msg := models.Message{
		SourceID:       1,
		PacketID:       777,
		GatewayNodeNum: 500,
		FromNodeNum:    100,
		ToNodeNum:      200,
		ChannelName:    strRef("LongFast"),
		Text:           "hello",
		RxTime:         time.Unix(1700000000, 0).UTC(),
	}

	if added, err := db.InsertMessage(ctx, &msg); err != nil || !added {
		t.Fatalf("first insert: added = %v, err = %v", added, err)
	}
	if added, err := db.InsertMessage(ctx, &msg); err != nil || added {
		t.Fatalf("duplicate insert: added = %v, err = %v", added, err)
	}

	// The same packet heard through another gateway is a distinct row.
	msg.GatewayNodeNum = 600
	if added, err := db.InsertMessage(ctx, &msg); err != nil || !added {
		t.Fatalf("second gateway: added = %v, err = %v", added, err)
	}
	if n := countRows(t, db, "messages"); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestInsertTracerouteDedup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tr := models.Traceroute{
		SourceID:    1,
		FromNodeNum: 100,
		ToNodeNum:   200,
		ReceivedAt:  time.Unix(1700000000, 0).UTC(),
		Route:       []uint32{300, 400},
		SNRTowards:  []int32{10, -5},
	}

	if added, err := db.InsertTraceroute(ctx, &tr); err != nil || !added {
		t.Fatalf("first insert: added = %v, err = %v", added, err)
	}
	if added, err := db.InsertTraceroute(ctx, &tr); err != nil || added {
		t.Fatalf("duplicate insert: added = %v, err = %v", added, err)
	}

	var route, snr string
	err := db.Conn().QueryRow(`SELECT route, snr_towards FROM traceroutes`).Scan(&route, &snr)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if route != "[300,400]" {
		t.Errorf("route = %q, want [300,400]", route)
	}
	if snr != "[10,-5]" {
		t.Errorf("snr_towards = %q, want [10,-5]", snr)
	}
}

func TestSeedSourceExistingWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	src := models.Source{
		ID:           1,
		Name:         "mesh-api",
		Kind:         models.SourceKindPoll,
		URL:          "http://original.example",
		PollInterval: 2 * time.Minute,
		Enabled:      true,
	}
	if err := db.SeedSource(ctx, &src); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Re-seeding with different config must not overwrite the row.
	edited := src
	edited.URL = "http://edited.example"
	if err := db.SeedSource(ctx, &edited); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	got, err := db.GetSource(ctx, 1)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if got == nil {
		t.Fatal("source not found")
	}
	if got.URL != "http://original.example" {
		t.Errorf("url = %q, want original kept", got.URL)
	}
	if got.PollInterval != 2*time.Minute {
		t.Errorf("poll interval = %v, want 2m", got.PollInterval)
	}

	if missing, err := db.GetSource(ctx, 42); err != nil || missing != nil {
		t.Errorf("missing source = %+v, err = %v", missing, err)
	}
}

func TestListEnabledSources(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	on := models.Source{ID: 1, Name: "on", Kind: models.SourceKindPoll, URL: "http://a", Enabled: true}
	off := models.Source{ID: 2, Name: "off", Kind: models.SourceKindPoll, URL: "http://b", Enabled: false}
	for _, s := range []models.Source{on, off} {
		src := s
		if err := db.SeedSource(ctx, &src); err != nil {
			t.Fatalf("seed %s: %v", s.Name, err)
		}
	}

	sources, err := db.ListEnabledSources(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sources) != 1 || sources[0].Name != "on" {
		t.Errorf("sources = %+v, want just the enabled one", sources)
	}
}

func TestUpdateSourceStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	src := models.Source{ID: 1, Name: "mesh-api", Kind: models.SourceKindPoll, URL: "http://a", Enabled: true}
	if err := db.SeedSource(ctx, &src); err != nil {
		t.Fatalf("seed: %v", err)
	}

	polled := time.Unix(1700000000, 0).UTC()
	version := "2.7.0"
	if err := db.UpdateSourceStatus(ctx, 1, &polled, strRef("upstream down"), &version); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := db.GetSource(ctx, 1)
	if got.LastError == nil || *got.LastError != "upstream down" {
		t.Errorf("last error = %v", got.LastError)
	}
	if got.LastPollAt == nil || !got.LastPollAt.Equal(polled) {
		t.Errorf("last poll = %v, want %v", got.LastPollAt, polled)
	}
	if got.RemoteVersion == nil || *got.RemoteVersion != "2.7.0" {
		t.Errorf("remote version = %v", got.RemoteVersion)
	}

	// nil error clears; nil poll time and version are left alone.
	if err := db.UpdateSourceStatus(ctx, 1, nil, nil, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = db.GetSource(ctx, 1)
	if got.LastError != nil {
		t.Errorf("last error = %v, want cleared", got.LastError)
	}
	if got.LastPollAt == nil || got.RemoteVersion == nil {
		t.Error("poll time or version cleared by a status-only update")
	}
}

func TestRegisterChannel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"LongFast", "MediumFast", "LongFast", ""} {
		if err := db.RegisterChannel(ctx, 1, name); err != nil {
			t.Fatalf("register %q: %v", name, err)
		}
	}

	channels, err := db.ListChannels(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("channels = %d, want 2 (duplicate and empty skipped)", len(channels))
	}
	if channels[0].ChannelIndex != 0 || channels[1].ChannelIndex != 1 {
		t.Errorf("indexes = %d,%d, want 0,1", channels[0].ChannelIndex, channels[1].ChannelIndex)
	}
	if channels[0].Name == nil || *channels[0].Name != "LongFast" {
		t.Errorf("channel 0 = %v", channels[0].Name)
	}
}

func TestSetChannelPSK(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.RegisterChannel(ctx, 1, "private"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := db.SetChannelPSK(ctx, 1, 0, "AQ=="); err != nil {
		t.Fatalf("set psk on existing: %v", err)
	}
	// Setting a PSK on an unseen index creates the row.
	if err := db.SetChannelPSK(ctx, 1, 5, "Ag=="); err != nil {
		t.Fatalf("set psk on new: %v", err)
	}

	channels, err := db.ListChannels(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(channels))
	}
	if channels[0].PSK == nil || *channels[0].PSK != "AQ==" {
		t.Errorf("channel 0 psk = %v", channels[0].PSK)
	}
	if channels[1].ChannelIndex != 5 || channels[1].PSK == nil || *channels[1].PSK != "Ag==" {
		t.Errorf("channel 5 = %+v", channels[1])
	}
}

func TestUpsertIgnoreRejectsBadIdentifiers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertIgnore(ctx, "nodes; DROP TABLE nodes", []string{"source_id"}, map[string]any{"source_id": 1}); err == nil {
		t.Error("bad table name accepted")
	}
	if _, err := db.UpsertIgnore(ctx, "nodes", []string{"source_id"}, map[string]any{"bad col": 1}); err == nil {
		t.Error("bad column name accepted")
	}
}

func TestQueryDurationRecorded(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	inserted, err := db.InsertTelemetry(ctx, &models.TelemetryFact{
		SourceID:   1,
		NodeNum:    100,
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
		MetricName: "battery_level",
		Type:       models.TypeDevice,
		RawValue:   86,
	})
	if err != nil || !inserted {
		t.Fatalf("insert telemetry: inserted=%v err=%v", inserted, err)
	}

	if n := testutil.CollectAndCount(metrics.DBQueryDuration, "meshwatch_db_query_duration_seconds"); n == 0 {
		t.Error("no query duration observed for the telemetry upsert")
	}
}
