// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/meshwatch/meshwatch/internal/models"
)

func newTestSubscriber(gw Gateway) *subscribeCollector {
	return newSubscribeCollector(gw, &models.Source{
		ID:     1,
		Name:   "mesh-mqtt",
		Kind:   models.SourceKindSubscribe,
		Broker: "tcp://localhost:1883",
		Topic:  "msh/#",
	})
}

func rawObj(t *testing.T, s string) map[string]json.RawMessage {
	t.Helper()
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		t.Fatalf("bad test object: %v", err)
	}
	return obj
}

func TestTelemetryRowsFromJSONFlatPair(t *testing.T) {
	gw := newFakeGateway()
	obj := rawObj(t, `{"telemetryType":"batteryLevel","value":86,"timestamp":1700000000000}`)

	inserted, err := telemetryRowsFromJSON(context.Background(), gw, 1, 100, time.Now().UTC(), obj)
	if err != nil {
		t.Fatalf("telemetryRowsFromJSON: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want 1", inserted)
	}

	fact := gw.facts[0]
	if fact.MetricName != "battery_level" {
		t.Errorf("metric name = %q, want battery_level", fact.MetricName)
	}
	if fact.Type != models.TypeDevice {
		t.Errorf("type = %q, want device", fact.Type)
	}
	if fact.RawValue != 86 {
		t.Errorf("raw value = %v, want 86", fact.RawValue)
	}
	if fact.Column != "battery_level" {
		t.Errorf("column = %q, want battery_level", fact.Column)
	}
	if want := time.UnixMilli(1700000000000).UTC(); !fact.ReceivedAt.Equal(want) {
		t.Errorf("received_at = %v, want %v (ms timestamp)", fact.ReceivedAt, want)
	}
}

func TestTelemetryRowsFromJSONStructured(t *testing.T) {
	gw := newFakeGateway()
	obj := rawObj(t, `{
		"time": 1700000000,
		"deviceMetrics": {"batteryLevel": 86, "voltage": 3.89},
		"environmentMetrics": {"temperature": 21.5}
	}`)

	inserted, err := telemetryRowsFromJSON(context.Background(), gw, 1, 100, time.Now().UTC(), obj)
	if err != nil {
		t.Fatalf("telemetryRowsFromJSON: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("inserted = %d, want 3", inserted)
	}
	if f, ok := gw.factByMetric("battery_level"); !ok || f.Type != models.TypeDevice {
		t.Errorf("battery_level fact = %+v, ok = %v", f, ok)
	}
	if f, ok := gw.factByMetric("temperature"); !ok || f.Type != models.TypeEnvironment {
		t.Errorf("temperature fact = %+v, ok = %v", f, ok)
	}
	want := time.Unix(1700000000, 0).UTC()
	for _, f := range gw.facts {
		if !f.ReceivedAt.Equal(want) {
			t.Errorf("%s received_at = %v, want payload time", f.MetricName, f.ReceivedAt)
		}
	}
}

func TestTelemetryRowsFromJSONStructuredSuppressesFallback(t *testing.T) {
	gw := newFakeGateway()
	// A structured container plus stray top-level numerics: only the
	// structured leaves are stored, never both.
	obj := rawObj(t, `{
		"deviceMetrics": {"batteryLevel": 86},
		"strayReading": 42
	}`)

	inserted, err := telemetryRowsFromJSON(context.Background(), gw, 1, 100, time.Now().UTC(), obj)
	if err != nil {
		t.Fatalf("telemetryRowsFromJSON: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}
	if _, ok := gw.factByMetric("stray_reading"); ok {
		t.Error("flat fallback ran despite structured leaves")
	}
}

func TestTelemetryRowsFromJSONBareMap(t *testing.T) {
	gw := newFakeGateway()
	obj := rawObj(t, `{"temperature": 21.5, "relativeHumidity": 40, "snr": 10, "from": 100}`)

	inserted, err := telemetryRowsFromJSON(context.Background(), gw, 1, 100, time.Now().UTC(), obj)
	if err != nil {
		t.Fatalf("telemetryRowsFromJSON: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want 2 (reserved keys skipped)", inserted)
	}
	if f, ok := gw.factByMetric("temperature"); !ok || f.Type != models.TypeEnvironment {
		t.Errorf("temperature fact = %+v, ok = %v", f, ok)
	}
	if _, ok := gw.factByMetric("snr"); ok {
		t.Error("reserved key stored as a metric")
	}
}

func TestHandleJSONText(t *testing.T) {
	gw := newFakeGateway()
	c := newTestSubscriber(gw)

	payload := []byte(`{
		"from": 100, "to": 200, "id": 777, "channel": 0,
		"sender": "!435730e4", "timestamp": 1700000000,
		"type": "text", "snr": 6.5, "rssi": -80,
		"payload": {"text": "hello mesh", "reply_id": 42, "emoji": "👍"}
	}`)

	if err := c.handleJSON(context.Background(), payload, "LongFast", 0); err != nil {
		t.Fatalf("handleJSON: %v", err)
	}
	if len(gw.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(gw.messages))
	}
	msg := gw.messages[0]
	if msg.Text != "hello mesh" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.GatewayNodeNum != 0x435730E4 {
		t.Errorf("gateway = %#x, want derived from sender", msg.GatewayNodeNum)
	}
	if msg.ReplyID == nil || *msg.ReplyID != 42 {
		t.Errorf("reply id = %v, want 42", msg.ReplyID)
	}
	if msg.Emoji == nil || *msg.Emoji != 0x1F44D {
		t.Errorf("emoji = %v, want thumbs-up codepoint", msg.Emoji)
	}
}

func TestHandleJSONTelemetry(t *testing.T) {
	gw := newFakeGateway()
	c := newTestSubscriber(gw)

	payload := []byte(`{
		"from": 100, "to": 4294967295, "id": 888,
		"timestamp": 1700000000, "type": "telemetry",
		"payload": {"telemetryType": "batteryLevel", "value": 86}
	}`)

	if err := c.handleJSON(context.Background(), payload, "LongFast", 0); err != nil {
		t.Fatalf("handleJSON: %v", err)
	}
	fact, ok := gw.factByMetric("battery_level")
	if !ok {
		t.Fatal("no battery_level fact stored")
	}
	if fact.NodeNum != 100 {
		t.Errorf("node num = %d, want 100", fact.NodeNum)
	}
	// No payload timestamp, so the message rx time applies.
	if want := time.Unix(1700000000, 0).UTC(); !fact.ReceivedAt.Equal(want) {
		t.Errorf("received_at = %v, want %v", fact.ReceivedAt, want)
	}
}

func TestHandleJSONTracerouteResolvesNames(t *testing.T) {
	gw := newFakeGateway()
	gw.names["Trail Repeater"] = 300
	c := newTestSubscriber(gw)

	payload := []byte(`{
		"from": 100, "to": 200, "id": 999,
		"timestamp": 1700000000, "type": "traceroute",
		"payload": {
			"route": [250, "Trail Repeater", "!00000190", "No Such Node"],
			"snr_towards": [2.5, -1.25, 0, 10]
		}
	}`)

	if err := c.handleJSON(context.Background(), payload, "LongFast", 0); err != nil {
		t.Fatalf("handleJSON: %v", err)
	}
	if len(gw.traceroutes) != 1 {
		t.Fatalf("traceroutes = %d, want 1", len(gw.traceroutes))
	}
	tr := gw.traceroutes[0]
	// Roles swap exactly as on the binary path.
	if tr.FromNodeNum != 200 || tr.ToNodeNum != 100 {
		t.Errorf("from/to = %d/%d, want 200/100", tr.FromNodeNum, tr.ToNodeNum)
	}
	if !reflect.DeepEqual(tr.Route, []uint32{250, 300, 400}) {
		t.Errorf("route = %v, want [250 300 400] (unresolved dropped)", tr.Route)
	}
	// Floats scale to quarter dB; the whole number passes through.
	if !reflect.DeepEqual(tr.SNRTowards, []int32{10, -5, 0, 10}) {
		t.Errorf("snr towards = %v, want [10 -5 0 10]", tr.SNRTowards)
	}
}

func TestHandleJSONNotAMeshMessage(t *testing.T) {
	gw := newFakeGateway()
	c := newTestSubscriber(gw)

	if err := c.handleJSON(context.Background(), []byte(`{"status":"ok"}`), "", 0); err == nil {
		t.Error("non-mesh JSON should be rejected for binary fallback")
	}
	if err := c.handleJSON(context.Background(), []byte(`not json`), "", 0); err == nil {
		t.Error("garbage should be rejected")
	}
}

func TestPositionFromJSON(t *testing.T) {
	t.Run("fixed point", func(t *testing.T) {
		pos, err := positionFromJSON([]byte(`{"latitude_i": 375000000, "longitude_i": -1224000000, "altitude": 12}`))
		if err != nil {
			t.Fatalf("positionFromJSON: %v", err)
		}
		if pos.Latitude != 37.5 || pos.Longitude != -122.4 {
			t.Errorf("coords = %v,%v", pos.Latitude, pos.Longitude)
		}
		if pos.Altitude == nil || *pos.Altitude != 12 {
			t.Errorf("altitude = %v", pos.Altitude)
		}
	})

	t.Run("float degrees", func(t *testing.T) {
		pos, err := positionFromJSON([]byte(`{"latitude": 37.5, "longitude": -122.4}`))
		if err != nil {
			t.Fatalf("positionFromJSON: %v", err)
		}
		if pos.Latitude != 37.5 || pos.Longitude != -122.4 {
			t.Errorf("coords = %v,%v", pos.Latitude, pos.Longitude)
		}
	})

	t.Run("no coordinates", func(t *testing.T) {
		if _, err := positionFromJSON([]byte(`{"altitude": 12}`)); err == nil {
			t.Error("coordinate-less position should fail")
		}
	})
}

func TestEmojiCodepoint(t *testing.T) {
	if got := emojiCodepoint(json.RawMessage(`128077`)); got != 0x1F44D {
		t.Errorf("numeric = %#x, want 0x1f44d", got)
	}
	if got := emojiCodepoint(json.RawMessage(`"👍"`)); got != 0x1F44D {
		t.Errorf("string = %#x, want 0x1f44d", got)
	}
	if got := emojiCodepoint(nil); got != 0 {
		t.Errorf("empty = %#x, want 0", got)
	}
}

func TestRawToString(t *testing.T) {
	if got := rawToString(json.RawMessage(`"TBEAM"`)); got != "TBEAM" {
		t.Errorf("string = %q", got)
	}
	if got := rawToString(json.RawMessage(`4`)); got != "4" {
		t.Errorf("number = %q", got)
	}
	if got := rawToString(nil); got != "" {
		t.Errorf("empty = %q", got)
	}
}
