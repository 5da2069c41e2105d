// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package database

import (
	"context"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/meshwatch/meshwatch/internal/models"
)

// intColumns are dedicated telemetry columns declared as integers;
// their values are rounded before insert so DuckDB accepts them.
var intColumns = map[string]bool{
	"battery_level":  true,
	"uptime_seconds": true,
	"altitude":       true,
}

// InsertTelemetry stores one telemetry fact. The metric's dedicated
// column, when it has one, is populated alongside the generic
// raw_value. Returns false when the fact was already present.
func (db *DB) InsertTelemetry(ctx context.Context, fact *models.TelemetryFact) (bool, error) {
	values := map[string]any{
		"source_id":      fact.SourceID,
		"node_num":       int64(fact.NodeNum),
		"received_at":    fact.ReceivedAt.UTC(),
		"metric_name":    fact.MetricName,
		"telemetry_type": string(fact.Type),
		"raw_value":      fact.RawValue,
	}
	if fact.Column != "" {
		if intColumns[fact.Column] {
			values[fact.Column] = int64(math.Round(fact.RawValue))
		} else {
			values[fact.Column] = fact.RawValue
		}
	}

	inserted, err := db.UpsertIgnore(ctx, "telemetry",
		[]string{"source_id", "node_num", "received_at", "metric_name"}, values)
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// InsertMessage stores one text/reaction packet. The gateway node is
// part of the dedup key because multiple gateways may relay the same
// packet; each relay observation is its own row.
func (db *DB) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	values := map[string]any{
		"source_id":        msg.SourceID,
		"packet_id":        int64(msg.PacketID),
		"gateway_node_num": int64(msg.GatewayNodeNum),
		"from_node_num":    int64(msg.FromNodeNum),
		"to_node_num":      int64(msg.ToNodeNum),
		"text":             msg.Text,
		"rx_time":          msg.RxTime.UTC(),
	}
	if msg.ChannelName != nil {
		values["channel_name"] = *msg.ChannelName
	}
	if msg.Emoji != nil {
		values["emoji"] = *msg.Emoji
	}
	if msg.ReplyID != nil {
		values["reply_id"] = int64(*msg.ReplyID)
	}

	inserted, err := db.UpsertIgnore(ctx, "messages",
		[]string{"source_id", "packet_id", "gateway_node_num"}, values)
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// InsertTraceroute stores one discovered path. Hop and SNR arrays are
// stored as JSON text; SNR values are already in the integer dB×4
// convention by the time they reach storage.
func (db *DB) InsertTraceroute(ctx context.Context, tr *models.Traceroute) (bool, error) {
	route, err := json.Marshal(orEmptyU32(tr.Route))
	if err != nil {
		return false, fmt.Errorf("marshal route: %w", err)
	}
	routeBack, err := json.Marshal(orEmptyU32(tr.RouteBack))
	if err != nil {
		return false, fmt.Errorf("marshal route_back: %w", err)
	}
	snrTowards, err := json.Marshal(orEmptyI32(tr.SNRTowards))
	if err != nil {
		return false, fmt.Errorf("marshal snr_towards: %w", err)
	}
	snrBack, err := json.Marshal(orEmptyI32(tr.SNRBack))
	if err != nil {
		return false, fmt.Errorf("marshal snr_back: %w", err)
	}

	values := map[string]any{
		"source_id":     tr.SourceID,
		"from_node_num": int64(tr.FromNodeNum),
		"to_node_num":   int64(tr.ToNodeNum),
		"received_at":   tr.ReceivedAt.UTC(),
		"route":         string(route),
		"route_back":    string(routeBack),
		"snr_towards":   string(snrTowards),
		"snr_back":      string(snrBack),
	}

	inserted, err := db.UpsertIgnore(ctx, "traceroutes",
		[]string{"source_id", "from_node_num", "to_node_num", "received_at"}, values)
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

func orEmptyU32(s []uint32) []uint32 {
	if s == nil {
		return []uint32{}
	}
	return s
}

func orEmptyI32(s []int32) []int32 {
	if s == nil {
		return []int32{}
	}
	return s
}
