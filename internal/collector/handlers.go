// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
	"github.com/meshwatch/meshwatch/internal/protocol"
	"github.com/meshwatch/meshwatch/internal/registry"
)

// buildFact classifies one metric reading. Known metrics carry their
// registry type and dedicated column; unknown metrics classify as the
// type implied by their container and store only the raw value.
func buildFact(sourceID int64, nodeNum uint32, receivedAt time.Time, name string, value float64, fallback models.TelemetryType) models.TelemetryFact {
	canonical := registry.Canonical(name)
	fact := models.TelemetryFact{
		SourceID:   sourceID,
		NodeNum:    nodeNum,
		ReceivedAt: receivedAt.UTC(),
		MetricName: canonical,
		Type:       fallback,
		RawValue:   value,
	}
	if def, ok := registry.Resolve(name); ok {
		fact.Type = def.Type
		fact.Column = def.Column
	}
	return fact
}

// storeTelemetryGroups persists every leaf of the grouped-metric
// containers and returns how many rows were actually inserted.
func storeTelemetryGroups(ctx context.Context, gw Gateway, sourceID int64, nodeNum uint32, receivedAt time.Time, groups map[string]map[string]float64) (int, error) {
	inserted := 0
	for key, leaves := range groups {
		groupType, ok := registry.SubmessageType(key)
		if !ok {
			continue
		}
		for name, value := range leaves {
			fact := buildFact(sourceID, nodeNum, receivedAt, name, value, groupType)
			added, err := gw.InsertTelemetry(ctx, &fact)
			if err != nil {
				return inserted, fmt.Errorf("insert %s: %w", fact.MetricName, err)
			}
			metrics.RecordUpsert("telemetry", added)
			if added {
				inserted++
			}
		}
	}
	return inserted, nil
}

// handleDecoded dispatches one decoded packet to its handler. Every
// kind also touches the sender node's signal stats and last_heard.
// Unknown kinds are counted and dropped silently.
func handleDecoded(ctx context.Context, gw Gateway, src *models.Source, pkt *protocol.Packet, dec *protocol.Decoded, channelName string, gatewayNum uint32) error {
	touchNode(ctx, gw, src.ID, pkt)

	switch dec.Kind {
	case protocol.KindText:
		return handleText(ctx, gw, src, pkt, dec.Text, channelName, gatewayNum)
	case protocol.KindPosition:
		return handlePosition(ctx, gw, src.ID, pkt.From, rxTime(pkt), dec.Position)
	case protocol.KindNodeInfo:
		return handleNodeInfo(ctx, gw, src.ID, pkt.From, dec.NodeInfo)
	case protocol.KindTelemetry:
		ts := dec.Telemetry.Time
		if ts.IsZero() {
			ts = rxTime(pkt)
		}
		_, err := storeTelemetryGroups(ctx, gw, src.ID, pkt.From, ts, dec.Telemetry.Groups)
		return err
	case protocol.KindTraceroute:
		return handleTraceroute(ctx, gw, src.ID, pkt, dec.Traceroute)
	case protocol.KindNeighborInfo:
		return handleNeighborInfo(ctx, gw, src.ID, rxTime(pkt), dec.NeighborInfo)
	default:
		// Decodable but not stored (routing, waypoint, admin, ...).
		return nil
	}
}

func rxTime(pkt *protocol.Packet) time.Time {
	if pkt.RxTime.IsZero() {
		return time.Now().UTC()
	}
	return pkt.RxTime.UTC()
}

// touchNode records that the sender was heard: last_heard plus the
// gateway-observed signal stats, never clearing identity fields.
func touchNode(ctx context.Context, gw Gateway, sourceID int64, pkt *protocol.Packet) {
	if pkt.From == 0 {
		return
	}
	node := models.Node{
		SourceID:  sourceID,
		NodeNum:   pkt.From,
		LastHeard: timePtr(rxTime(pkt)),
	}
	if pkt.RxSNR != 0 {
		node.SNR = floatPtr(pkt.RxSNR)
	}
	if pkt.RxRSSI != 0 {
		node.RSSI = intPtr(int(pkt.RxRSSI))
	}
	if err := gw.UpsertNode(ctx, &node); err != nil {
		logging.Debug().Err(err).Uint32("node", pkt.From).Msg("Node touch failed")
	}
}

func handleText(ctx context.Context, gw Gateway, src *models.Source, pkt *protocol.Packet, text string, channelName string, gatewayNum uint32) error {
	msg := models.Message{
		SourceID:       src.ID,
		PacketID:       pkt.ID,
		GatewayNodeNum: gatewayNum,
		FromNodeNum:    pkt.From,
		ToNodeNum:      pkt.To,
		Text:           text,
		RxTime:         rxTime(pkt),
	}
	if channelName != "" {
		msg.ChannelName = &channelName
	} else if pkt.ChannelID != "" {
		msg.ChannelName = &pkt.ChannelID
	}
	if pkt.Payload != nil {
		if pkt.Payload.Emoji != 0 {
			e := int(pkt.Payload.Emoji)
			msg.Emoji = &e
		}
		if pkt.Payload.ReplyID != 0 {
			msg.ReplyID = u32Ptr(pkt.Payload.ReplyID)
		}
	}
	added, err := gw.InsertMessage(ctx, &msg)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	metrics.RecordUpsert("messages", added)
	return nil
}

// handlePosition updates the node's last-known position and appends
// per-coordinate position facts for time-series and coverage queries.
func handlePosition(ctx context.Context, gw Gateway, sourceID int64, nodeNum uint32, receivedAt time.Time, pos *protocol.Position) error {
	if pos.Latitude == 0 && pos.Longitude == 0 {
		return nil
	}

	node := models.Node{
		SourceID:  sourceID,
		NodeNum:   nodeNum,
		Latitude:  floatPtr(pos.Latitude),
		Longitude: floatPtr(pos.Longitude),
		Altitude:  pos.Altitude,
	}
	if err := gw.UpsertNode(ctx, &node); err != nil {
		return fmt.Errorf("upsert node position: %w", err)
	}

	ts := receivedAt
	if !pos.Time.IsZero() {
		ts = pos.Time.UTC()
	}
	coords := map[string]float64{
		"latitude":  pos.Latitude,
		"longitude": pos.Longitude,
	}
	if pos.Altitude != nil {
		coords["altitude"] = float64(*pos.Altitude)
	}
	for name, value := range coords {
		fact := buildFact(sourceID, nodeNum, ts, name, value, models.TypePosition)
		added, err := gw.InsertTelemetry(ctx, &fact)
		if err != nil {
			return fmt.Errorf("insert position fact: %w", err)
		}
		metrics.RecordUpsert("telemetry", added)
	}
	return nil
}

// handleNodeInfo merges only the identity fields present in the inbound
// message into the node row; absent fields never clear stored values.
func handleNodeInfo(ctx context.Context, gw Gateway, sourceID int64, nodeNum uint32, info *protocol.NodeInfo) error {
	if nodeNum == 0 && info.ID != "" {
		nodeNum = parseNodeID(info.ID)
	}
	if nodeNum == 0 {
		return nil
	}
	node := models.Node{
		SourceID:  sourceID,
		NodeNum:   nodeNum,
		ShortName: strPtr(info.ShortName),
		LongName:  strPtr(info.LongName),
		HWModel:   strPtr(info.HWModel),
		Role:      strPtr(info.Role),
	}
	if err := gw.UpsertNode(ctx, &node); err != nil {
		return fmt.Errorf("upsert node info: %w", err)
	}
	return nil
}

// handleTraceroute stores one discovered path. The wire "from" is the
// node that answered the trace, but storage records from = requester,
// to = responder, matching the polled REST source, so the roles swap
// here.
func handleTraceroute(ctx context.Context, gw Gateway, sourceID int64, pkt *protocol.Packet, rd *protocol.RouteDiscovery) error {
	tr := models.Traceroute{
		SourceID:    sourceID,
		FromNodeNum: pkt.To,
		ToNodeNum:   pkt.From,
		ReceivedAt:  rxTime(pkt),
		Route:       rd.Route,
		RouteBack:   rd.RouteBack,
		SNRTowards:  rd.SNRTowards,
		SNRBack:     rd.SNRBack,
	}
	added, err := gw.InsertTraceroute(ctx, &tr)
	if err != nil {
		return fmt.Errorf("insert traceroute: %w", err)
	}
	metrics.RecordUpsert("traceroutes", added)
	return nil
}

// handleNeighborInfo marks each reported neighbor as heard so the node
// table reflects mesh reachability even for radios that never publish
// their own telemetry.
func handleNeighborInfo(ctx context.Context, gw Gateway, sourceID int64, receivedAt time.Time, ni *protocol.NeighborInfo) error {
	for _, nb := range ni.Neighbors {
		if nb.NodeNum == 0 {
			continue
		}
		node := models.Node{
			SourceID:  sourceID,
			NodeNum:   nb.NodeNum,
			LastHeard: timePtr(receivedAt),
		}
		if nb.SNR != 0 {
			node.SNR = floatPtr(nb.SNR)
		}
		if err := gw.UpsertNode(ctx, &node); err != nil {
			return fmt.Errorf("upsert neighbor: %w", err)
		}
	}
	return nil
}
