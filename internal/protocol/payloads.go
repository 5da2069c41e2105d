// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package protocol

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Position field numbers.
const (
	posLatitudeI   = protowire.Number(1)
	posLongitudeI  = protowire.Number(2)
	posAltitude    = protowire.Number(3)
	posTime        = protowire.Number(4)
	posGroundSpeed = protowire.Number(10)
	posSatsInView  = protowire.Number(19)
)

// NodeInfo (user record) field numbers.
const (
	userID        = protowire.Number(1)
	userLongName  = protowire.Number(2)
	userShortName = protowire.Number(3)
	userHWModel   = protowire.Number(5)
	userRole      = protowire.Number(7)
)

// RouteDiscovery field numbers.
const (
	routeTowards    = protowire.Number(1)
	routeSNRTowards = protowire.Number(2)
	routeBack       = protowire.Number(3)
	routeSNRBack    = protowire.Number(4)
)

// Telemetry field numbers.
const (
	telTime = protowire.Number(1)
)

// Waypoint field numbers.
const (
	wpID          = protowire.Number(1)
	wpLatitudeI   = protowire.Number(2)
	wpLongitudeI  = protowire.Number(3)
	wpName        = protowire.Number(5)
	wpDescription = protowire.Number(6)
)

// NeighborInfo field numbers.
const (
	niNodeNum   = protowire.Number(1)
	niNeighbors = protowire.Number(4)

	neighborNodeNum = protowire.Number(1)
	neighborSNR     = protowire.Number(2)
)

// Routing field numbers.
const routingErrorReason = protowire.Number(3)

// leaf value encodings inside grouped-metric submessages.
type leafKind int

const (
	leafVarint leafKind = iota // unsigned counters
	leafFloat                  // 32-bit float
)

type leafDef struct {
	name string
	kind leafKind
}

var deviceMetricsFields = map[protowire.Number]leafDef{
	1: {"battery_level", leafVarint},
	2: {"voltage", leafFloat},
	3: {"channel_utilization", leafFloat},
	4: {"air_util_tx", leafFloat},
	5: {"uptime_seconds", leafVarint},
}

var environmentMetricsFields = map[protowire.Number]leafDef{
	1:  {"temperature", leafFloat},
	2:  {"relative_humidity", leafFloat},
	3:  {"barometric_pressure", leafFloat},
	4:  {"gas_resistance", leafFloat},
	5:  {"voltage", leafFloat},
	6:  {"current", leafFloat},
	7:  {"iaq", leafVarint},
	8:  {"distance", leafFloat},
	9:  {"lux", leafFloat},
	10: {"white_lux", leafFloat},
	11: {"ir_lux", leafFloat},
	12: {"uv_lux", leafFloat},
	13: {"wind_direction", leafVarint},
	14: {"wind_speed", leafFloat},
	15: {"weight", leafFloat},
	16: {"wind_gust", leafFloat},
	17: {"wind_lull", leafFloat},
	18: {"radiation", leafFloat},
	19: {"rainfall_1h", leafFloat},
	20: {"rainfall_24h", leafFloat},
	21: {"soil_moisture", leafVarint},
	22: {"soil_temperature", leafFloat},
}

var airQualityMetricsFields = map[protowire.Number]leafDef{
	1:  {"pm10_standard", leafVarint},
	2:  {"pm25_standard", leafVarint},
	3:  {"pm100_standard", leafVarint},
	4:  {"pm10_environmental", leafVarint},
	5:  {"pm25_environmental", leafVarint},
	6:  {"pm100_environmental", leafVarint},
	12: {"co2", leafVarint},
}

var powerMetricsFields = map[protowire.Number]leafDef{
	1: {"ch1_voltage", leafFloat},
	2: {"ch1_current", leafFloat},
	3: {"ch2_voltage", leafFloat},
	4: {"ch2_current", leafFloat},
	5: {"ch3_voltage", leafFloat},
	6: {"ch3_current", leafFloat},
}

var localStatsFields = map[protowire.Number]leafDef{
	1:  {"uptime_seconds", leafVarint},
	2:  {"channel_utilization", leafFloat},
	3:  {"air_util_tx", leafFloat},
	4:  {"num_packets_tx", leafVarint},
	5:  {"num_packets_rx", leafVarint},
	6:  {"num_packets_rx_bad", leafVarint},
	7:  {"num_online_nodes", leafVarint},
	8:  {"num_total_nodes", leafVarint},
	9:  {"num_rx_dupe", leafVarint},
	10: {"num_tx_relay", leafVarint},
	11: {"num_tx_relay_canceled", leafVarint},
}

var healthMetricsFields = map[protowire.Number]leafDef{
	1: {"heart_bpm", leafVarint},
	2: {"spo2", leafVarint},
	3: {"body_temperature", leafFloat},
}

var hostMetricsFields = map[protowire.Number]leafDef{
	1: {"uptime_seconds", leafVarint},
	2: {"freemem_bytes", leafVarint},
	3: {"disk_free1_gb", leafVarint},
	4: {"disk_free2_gb", leafVarint},
	5: {"disk_free3_gb", leafVarint},
	6: {"load1", leafVarint},
	7: {"load5", leafVarint},
	8: {"load15", leafVarint},
}

// telemetryGroups maps Telemetry submessage field numbers to their wire
// container key and leaf table.
var telemetryGroups = map[protowire.Number]struct {
	key    string
	fields map[protowire.Number]leafDef
}{
	2: {"deviceMetrics", deviceMetricsFields},
	3: {"environmentMetrics", environmentMetricsFields},
	4: {"airQualityMetrics", airQualityMetricsFields},
	5: {"powerMetrics", powerMetricsFields},
	6: {"localStats", localStatsFields},
	7: {"healthMetrics", healthMetricsFields},
	8: {"hostMetrics", hostMetricsFields},
}

var hwModelNames = map[uint64]string{
	0: "UNSET", 1: "TLORA_V2", 2: "TLORA_V1", 3: "TLORA_V2_1_1P6",
	4: "TBEAM", 5: "HELTEC_V2_0", 6: "TBEAM_V0P7", 9: "RAK4631",
	10: "HELTEC_V2_1", 11: "HELTEC_V1", 25: "STATION_G1", 31: "RAK11310",
	39: "DIY_V1", 43: "HELTEC_V3", 44: "HELTEC_WSL_V3", 47: "RPI_PICO",
	48: "HELTEC_WIRELESS_TRACKER", 49: "HELTEC_WIRELESS_PAPER",
	50: "T_DECK", 51: "T_WATCH_S3", 52: "PICOMPUTER_S3",
	57: "HELTEC_HT62", 66: "PORTDUINO", 67: "ANDROID_SIM",
}

var roleNames = map[uint64]string{
	0: "CLIENT", 1: "CLIENT_MUTE", 2: "ROUTER", 3: "ROUTER_CLIENT",
	4: "REPEATER", 5: "TRACKER", 6: "SENSOR", 7: "TAK",
	8: "CLIENT_HIDDEN", 9: "LOST_AND_FOUND", 10: "TAK_TRACKER",
	11: "ROUTER_LATE", 12: "CLIENT_BASE",
}

// DecodePayload decodes an application payload by port number.
// Text-bearing ports yield KindText; structured ports yield their typed
// record; anything unrecognized, or a recognized port whose payload
// fails to parse, yields KindRaw with the raw bytes.
func DecodePayload(d *Data) *Decoded {
	switch d.Port {
	case PortTextMessage, PortDetectionSensor, PortAlert, PortReply, PortRangeTest:
		return &Decoded{Kind: KindText, Text: string(d.Payload)}

	case PortPosition:
		if pos, err := decodePosition(d.Payload); err == nil {
			return &Decoded{Kind: KindPosition, Position: pos}
		}

	case PortNodeInfo:
		if ni, err := decodeNodeInfo(d.Payload); err == nil {
			return &Decoded{Kind: KindNodeInfo, NodeInfo: ni}
		}

	case PortTelemetry:
		if tel, err := decodeTelemetry(d.Payload); err == nil {
			return &Decoded{Kind: KindTelemetry, Telemetry: tel}
		}

	case PortTraceroute:
		if rd, err := decodeRouteDiscovery(d.Payload); err == nil {
			return &Decoded{Kind: KindTraceroute, Traceroute: rd}
		}

	case PortNeighborInfo:
		if ni, err := decodeNeighborInfo(d.Payload); err == nil {
			return &Decoded{Kind: KindNeighborInfo, NeighborInfo: ni}
		}

	case PortWaypoint:
		if wp, err := decodeWaypoint(d.Payload); err == nil {
			return &Decoded{Kind: KindWaypoint, Waypoint: wp}
		}

	case PortRouting:
		dec := &Decoded{Kind: KindRouting, Raw: d.Payload}
		_ = walkFields(d.Payload, func(f field) error {
			if f.num == routingErrorReason && f.typ == protowire.VarintType {
				dec.RoutingError = uint32(f.varint)
			}
			return nil
		})
		return dec

	case PortMapReport:
		return &Decoded{Kind: KindMapReport, Raw: d.Payload}
	case PortStoreForward:
		return &Decoded{Kind: KindStoreForward, Raw: d.Payload}
	case PortRemoteHardware:
		return &Decoded{Kind: KindRemoteHardware, Raw: d.Payload}
	case PortAdmin:
		return &Decoded{Kind: KindAdmin, Raw: d.Payload}
	case PortKeyVerification:
		return &Decoded{Kind: KindKeyVerification, Raw: d.Payload}
	}

	return &Decoded{Kind: KindRaw, Raw: d.Payload}
}

func decodePosition(b []byte) (*Position, error) {
	pos := &Position{}
	var sawCoord bool
	err := walkFields(b, func(f field) error {
		switch f.num {
		case posLatitudeI:
			pos.Latitude = float64(f.sfixed32()) / 1e7
			sawCoord = true
		case posLongitudeI:
			pos.Longitude = float64(f.sfixed32()) / 1e7
			sawCoord = true
		case posAltitude:
			alt := int(f.int32v())
			pos.Altitude = &alt
		case posTime:
			if f.fixed32 != 0 {
				pos.Time = time.Unix(int64(f.fixed32), 0).UTC()
			}
		case posGroundSpeed:
			speed := float64(f.varint)
			pos.GroundSpeed = &speed
		case posSatsInView:
			sats := int(f.varint)
			pos.SatsInView = &sats
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawCoord {
		return nil, fmt.Errorf("position without coordinates")
	}
	return pos, nil
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case userID:
			ni.ID = string(f.bytes)
		case userLongName:
			ni.LongName = string(f.bytes)
		case userShortName:
			ni.ShortName = string(f.bytes)
		case userHWModel:
			if name, ok := hwModelNames[f.varint]; ok {
				ni.HWModel = name
			} else {
				ni.HWModel = fmt.Sprintf("HW_%d", f.varint)
			}
		case userRole:
			if name, ok := roleNames[f.varint]; ok {
				ni.Role = name
			} else {
				ni.Role = fmt.Sprintf("ROLE_%d", f.varint)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ni.ID == "" && ni.LongName == "" && ni.ShortName == "" {
		return nil, fmt.Errorf("nodeinfo without identity")
	}
	return ni, nil
}

func decodeTelemetry(b []byte) (*Telemetry, error) {
	tel := &Telemetry{Groups: make(map[string]map[string]float64)}
	err := walkFields(b, func(f field) error {
		if f.num == telTime && f.typ == protowire.Fixed32Type {
			if f.fixed32 != 0 {
				tel.Time = time.Unix(int64(f.fixed32), 0).UTC()
			}
			return nil
		}
		group, ok := telemetryGroups[f.num]
		if !ok || f.typ != protowire.BytesType {
			return nil
		}
		leaves, err := decodeMetricLeaves(f.bytes, group.fields)
		if err != nil {
			return err
		}
		if len(leaves) > 0 {
			tel.Groups[group.key] = leaves
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tel, nil
}

// decodeMetricLeaves extracts the numeric leaves present in one
// grouped-metric submessage. Unknown field numbers are still captured,
// under a synthetic "field_N" name, so new firmware metrics survive the
// trip into raw_value storage.
func decodeMetricLeaves(b []byte, table map[protowire.Number]leafDef) (map[string]float64, error) {
	leaves := make(map[string]float64)
	err := walkFields(b, func(f field) error {
		def, known := table[f.num]
		switch {
		case known && def.kind == leafFloat && f.typ == protowire.Fixed32Type:
			leaves[def.name] = f.float32()
		case known && def.kind == leafVarint && f.typ == protowire.VarintType:
			leaves[def.name] = float64(f.varint)
		case !known && f.typ == protowire.VarintType:
			leaves[fmt.Sprintf("field_%d", f.num)] = float64(f.varint)
		case !known && f.typ == protowire.Fixed32Type:
			leaves[fmt.Sprintf("field_%d", f.num)] = f.float32()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leaves, nil
}

func decodeRouteDiscovery(b []byte) (*RouteDiscovery, error) {
	rd := &RouteDiscovery{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case routeTowards:
			rd.Route = appendFixed32s(rd.Route, f)
		case routeBack:
			rd.RouteBack = appendFixed32s(rd.RouteBack, f)
		case routeSNRTowards:
			rd.SNRTowards = appendInt32s(rd.SNRTowards, f)
		case routeSNRBack:
			rd.SNRBack = appendInt32s(rd.SNRBack, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rd, nil
}

// appendFixed32s handles a repeated fixed32 field in either packed or
// unpacked encoding.
func appendFixed32s(dst []uint32, f field) []uint32 {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, f.fixed32)
	case protowire.BytesType:
		b := f.bytes
		for len(b) >= 4 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return dst
			}
			dst = append(dst, v)
			b = b[n:]
		}
	}
	return dst
}

// appendInt32s handles a repeated int32 field in either packed or
// unpacked encoding.
func appendInt32s(dst []int32, f field) []int32 {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, int32(int64(f.varint)))
	case protowire.BytesType:
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return dst
			}
			dst = append(dst, int32(int64(v)))
			b = b[n:]
		}
	}
	return dst
}

func decodeNeighborInfo(b []byte) (*NeighborInfo, error) {
	ni := &NeighborInfo{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case niNodeNum:
			ni.NodeNum = uint32(f.varint)
		case niNeighbors:
			if f.typ != protowire.BytesType {
				return nil
			}
			var n Neighbor
			if err := walkFields(f.bytes, func(nf field) error {
				switch nf.num {
				case neighborNodeNum:
					n.NodeNum = uint32(nf.varint)
				case neighborSNR:
					n.SNR = nf.float32()
				}
				return nil
			}); err != nil {
				return err
			}
			ni.Neighbors = append(ni.Neighbors, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ni, nil
}

func decodeWaypoint(b []byte) (*Waypoint, error) {
	wp := &Waypoint{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case wpID:
			wp.ID = uint32(f.varint)
		case wpLatitudeI:
			wp.Latitude = float64(f.sfixed32()) / 1e7
		case wpLongitudeI:
			wp.Longitude = float64(f.sfixed32()) / 1e7
		case wpName:
			wp.Name = string(f.bytes)
		case wpDescription:
			wp.Description = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wp, nil
}
