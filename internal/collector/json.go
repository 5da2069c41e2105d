// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
	"github.com/meshwatch/meshwatch/internal/protocol"
	"github.com/meshwatch/meshwatch/internal/registry"
)

// jsonMessage is the bridge-emitted JSON form of a mesh packet.
type jsonMessage struct {
	From      uint32          `json:"from"`
	To        uint32          `json:"to"`
	ID        uint32          `json:"id"`
	Channel   uint32          `json:"channel"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	SNR       float64         `json:"snr"`
	RSSI      int32           `json:"rssi"`
	Payload   json.RawMessage `json:"payload"`
}

// handleJSON normalizes one JSON bus message. Returning an error makes
// the caller retry the payload as a binary envelope.
func (c *subscribeCollector) handleJSON(ctx context.Context, payload []byte, channelName string, gatewayNum uint32) error {
	var msg jsonMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parse json message: %w", err)
	}
	if msg.Type == "" || msg.From == 0 {
		return fmt.Errorf("json object is not a mesh message")
	}

	pkt := &protocol.Packet{
		From:      msg.From,
		To:        msg.To,
		ID:        msg.ID,
		Channel:   msg.Channel,
		RxTime:    coerceTime(msg.Timestamp),
		RxSNR:     msg.SNR,
		RxRSSI:    msg.RSSI,
		GatewayID: msg.Sender,
	}
	if gatewayNum == 0 && msg.Sender != "" {
		gatewayNum = parseNodeID(msg.Sender)
	}

	dec, err := decodeJSONPayload(&msg, pkt)
	if err != nil {
		return err
	}
	if dec == nil {
		touchNode(ctx, c.gw, c.src.ID, pkt)
		return nil
	}
	if dec.Kind == protocol.KindTelemetry && dec.Telemetry == nil {
		// Telemetry stays in JSON form; normalize it directly.
		touchNode(ctx, c.gw, c.src.ID, pkt)
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &obj); err != nil {
			return fmt.Errorf("parse telemetry payload: %w", err)
		}
		_, err := telemetryRowsFromJSON(ctx, c.gw, c.src.ID, pkt.From, rxTime(pkt), obj)
		return err
	}
	if dec.Kind == protocol.KindTraceroute {
		// Route arrays may carry display names; resolve them before the
		// common handler runs.
		if err := c.resolveJSONTraceroute(ctx, msg.Payload, dec.Traceroute); err != nil {
			return err
		}
	}
	return handleDecoded(ctx, c.gw, &c.src, pkt, dec, channelName, gatewayNum)
}

// decodeJSONPayload maps a typed JSON payload onto the same tagged
// union the binary decoder produces. A nil result with nil error means
// "recognized but nothing to store".
func decodeJSONPayload(msg *jsonMessage, pkt *protocol.Packet) (*protocol.Decoded, error) {
	switch msg.Type {
	case "text", "detection", "alert", "rangetest":
		var body struct {
			Text    string          `json:"text"`
			ReplyID uint32          `json:"reply_id"`
			Emoji   json.RawMessage `json:"emoji"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return nil, fmt.Errorf("parse text payload: %w", err)
		}
		pkt.Payload = &protocol.Data{
			Port:    protocol.PortTextMessage,
			ReplyID: body.ReplyID,
			Emoji:   emojiCodepoint(body.Emoji),
		}
		return &protocol.Decoded{Kind: protocol.KindText, Text: body.Text}, nil

	case "position":
		pos, err := positionFromJSON(msg.Payload)
		if err != nil {
			return nil, err
		}
		return &protocol.Decoded{Kind: protocol.KindPosition, Position: pos}, nil

	case "nodeinfo":
		var body struct {
			ID        string          `json:"id"`
			LongName  string          `json:"longname"`
			ShortName string          `json:"shortname"`
			Hardware  json.RawMessage `json:"hardware"`
			Role      json.RawMessage `json:"role"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return nil, fmt.Errorf("parse nodeinfo payload: %w", err)
		}
		return &protocol.Decoded{Kind: protocol.KindNodeInfo, NodeInfo: &protocol.NodeInfo{
			ID:        body.ID,
			LongName:  body.LongName,
			ShortName: body.ShortName,
			HWModel:   rawToString(body.Hardware),
			Role:      rawToString(body.Role),
		}}, nil

	case "telemetry":
		// Signalled by Kind with a nil Telemetry; the caller normalizes
		// the raw JSON through the registry instead.
		return &protocol.Decoded{Kind: protocol.KindTelemetry}, nil

	case "traceroute":
		return &protocol.Decoded{Kind: protocol.KindTraceroute, Traceroute: &protocol.RouteDiscovery{}}, nil

	case "neighborinfo":
		var body struct {
			Neighbors []struct {
				NodeID uint32  `json:"node_id"`
				SNR    float64 `json:"snr"`
			} `json:"neighbors"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return nil, fmt.Errorf("parse neighborinfo payload: %w", err)
		}
		ni := &protocol.NeighborInfo{NodeNum: msg.From}
		for _, nb := range body.Neighbors {
			ni.Neighbors = append(ni.Neighbors, protocol.Neighbor{NodeNum: nb.NodeID, SNR: nb.SNR})
		}
		return &protocol.Decoded{Kind: protocol.KindNeighborInfo, NeighborInfo: ni}, nil

	default:
		return nil, nil
	}
}

// positionFromJSON accepts either float-degree or fixed-point (x 1e7)
// coordinate encodings.
func positionFromJSON(payload json.RawMessage) (*protocol.Position, error) {
	var body struct {
		LatitudeI  *int64   `json:"latitude_i"`
		LongitudeI *int64   `json:"longitude_i"`
		Latitude   *float64 `json:"latitude"`
		Longitude  *float64 `json:"longitude"`
		Altitude   *int     `json:"altitude"`
		Time       int64    `json:"time"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("parse position payload: %w", err)
	}

	pos := &protocol.Position{Altitude: body.Altitude}
	switch {
	case body.LatitudeI != nil && body.LongitudeI != nil:
		pos.Latitude = float64(*body.LatitudeI) / 1e7
		pos.Longitude = float64(*body.LongitudeI) / 1e7
	case body.Latitude != nil && body.Longitude != nil:
		pos.Latitude = *body.Latitude
		pos.Longitude = *body.Longitude
	default:
		return nil, fmt.Errorf("position payload has no coordinates")
	}
	if body.Time > 0 {
		pos.Time = coerceTime(body.Time)
	}
	return pos, nil
}

// resolveJSONTraceroute fills the route discovery from the raw payload,
// resolving string hops and normalizing SNR arrays to quarter-dB.
func (c *subscribeCollector) resolveJSONTraceroute(ctx context.Context, payload json.RawMessage, rd *protocol.RouteDiscovery) error {
	var body struct {
		Route      []json.RawMessage `json:"route"`
		RouteBack  []json.RawMessage `json:"route_back"`
		SNRTowards []json.RawMessage `json:"snr_towards"`
		SNRBack    []json.RawMessage `json:"snr_back"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("parse traceroute payload: %w", err)
	}

	var err error
	if rd.Route, err = resolveRouteEntries(ctx, c.gw, c.src.ID, body.Route); err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}
	if rd.RouteBack, err = resolveRouteEntries(ctx, c.gw, c.src.ID, body.RouteBack); err != nil {
		return fmt.Errorf("resolve route back: %w", err)
	}
	rd.SNRTowards = snrRawToQuarterDB(body.SNRTowards)
	rd.SNRBack = snrRawToQuarterDB(body.SNRBack)
	return nil
}

func snrRawToQuarterDB(raw []json.RawMessage) []int32 {
	out := make([]int32, 0, len(raw))
	for _, v := range raw {
		if q, ok := snrToQuarterDB(v); ok {
			out = append(out, q)
		}
	}
	return out
}

// emojiCodepoint accepts a reaction either as a numeric codepoint or as
// the emoji string itself, in which case the first rune is the
// codepoint.
func emojiCodepoint(raw json.RawMessage) uint32 {
	if len(raw) == 0 {
		return 0
	}
	var n uint32
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, r := range s {
			return uint32(r)
		}
	}
	return 0
}

// rawToString renders a JSON value that may be a string or a number.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}

// jsonReservedKeys are non-metric fields skipped by the flat telemetry
// scan.
var jsonReservedKeys = map[string]bool{
	"time": true, "timestamp": true, "telemetryType": true, "telemetry_type": true,
	"value": true, "nodeNum": true, "node_num": true, "nodeId": true, "node_id": true,
	"id": true, "from": true, "to": true, "channel": true, "snr": true, "rssi": true,
	"hops_away": true, "hopLimit": true, "hop_limit": true,
}

// telemetryRowsFromJSON normalizes one telemetry object. The structured
// path iterates every known grouped-metric container present in the
// object; only when that yields zero leaves does the flat fallback scan
// run, so the two paths can never double-insert. The flat path accepts
// both the {telemetryType, value} pair shape and a bare name-to-number
// map.
func telemetryRowsFromJSON(ctx context.Context, gw Gateway, sourceID int64, nodeNum uint32, receivedAt time.Time, obj map[string]json.RawMessage) (int, error) {
	if ts, ok := timestampFromJSON(obj); ok {
		receivedAt = ts
	}

	groups := map[string]map[string]float64{}
	leafCount := 0
	for key, raw := range obj {
		if _, ok := registry.SubmessageType(key); !ok {
			continue
		}
		var container map[string]json.RawMessage
		if err := json.Unmarshal(raw, &container); err != nil {
			continue
		}
		leaves := map[string]float64{}
		for name, v := range container {
			var f float64
			if err := json.Unmarshal(v, &f); err == nil {
				leaves[name] = f
			}
		}
		if len(leaves) > 0 {
			groups[key] = leaves
			leafCount += len(leaves)
		}
	}

	if leafCount > 0 {
		return storeTelemetryGroups(ctx, gw, sourceID, nodeNum, receivedAt, groups)
	}
	return storeFlatTelemetry(ctx, gw, sourceID, nodeNum, receivedAt, obj)
}

// storeFlatTelemetry is the fallback for ungrouped telemetry shapes.
func storeFlatTelemetry(ctx context.Context, gw Gateway, sourceID int64, nodeNum uint32, receivedAt time.Time, obj map[string]json.RawMessage) (int, error) {
	inserted := 0
	store := func(name string, value float64) error {
		fact := buildFact(sourceID, nodeNum, receivedAt, name, value, models.TypeDevice)
		added, err := gw.InsertTelemetry(ctx, &fact)
		if err != nil {
			return fmt.Errorf("insert %s: %w", fact.MetricName, err)
		}
		metrics.RecordUpsert("telemetry", added)
		if added {
			inserted++
		}
		return nil
	}

	// {telemetryType, value} pair shape from the REST history API.
	if typeRaw, ok := firstPresent(obj, "telemetryType", "telemetry_type"); ok {
		var name string
		var value float64
		if err := json.Unmarshal(typeRaw, &name); err == nil && name != "" {
			if valueRaw, ok := obj["value"]; ok {
				if err := json.Unmarshal(valueRaw, &value); err == nil {
					serr := store(name, value)
					return inserted, serr
				}
			}
		}
	}

	// Bare name-to-number map.
	for name, raw := range obj {
		if jsonReservedKeys[name] {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		if err := store(name, f); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func timestampFromJSON(obj map[string]json.RawMessage) (time.Time, bool) {
	if raw, ok := firstPresent(obj, "timestamp", "time"); ok {
		var v int64
		if err := json.Unmarshal(raw, &v); err == nil && v > 0 {
			return coerceTime(v), true
		}
	}
	return time.Time{}, false
}

func firstPresent(obj map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}
