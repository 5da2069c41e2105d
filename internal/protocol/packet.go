// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

// Package protocol decodes the mesh binary envelope: the outer packet
// with its routing metadata, the optionally-encrypted inner application
// payload, and the per-port payload messages. Decoding is best-effort
// and never panics past the package boundary; anything unrecognized or
// malformed degrades to raw bytes instead of an error.
package protocol

import "time"

// PortNum is the application-layer type tag selecting how a decrypted
// payload is interpreted.
type PortNum uint32

// Application port numbers.
const (
	PortUnknown         PortNum = 0
	PortTextMessage     PortNum = 1
	PortRemoteHardware  PortNum = 2
	PortPosition        PortNum = 3
	PortNodeInfo        PortNum = 4
	PortRouting         PortNum = 5
	PortAdmin           PortNum = 6
	PortTextCompressed  PortNum = 7
	PortWaypoint        PortNum = 8
	PortAudio           PortNum = 9
	PortDetectionSensor PortNum = 10
	PortAlert           PortNum = 11
	PortKeyVerification PortNum = 12
	PortReply           PortNum = 32
	PortPaxcounter      PortNum = 34
	PortStoreForward    PortNum = 65
	PortRangeTest       PortNum = 66
	PortTelemetry       PortNum = 67
	PortTraceroute      PortNum = 70
	PortNeighborInfo    PortNum = 71
	PortMapReport       PortNum = 73
)

// Packet is the decoded outer envelope: routing metadata plus either a
// decoded application payload or the still-encrypted bytes.
type Packet struct {
	From     uint32
	To       uint32
	ID       uint32
	Channel  uint32
	HopLimit uint32
	HopStart uint32
	WantAck  bool
	ViaMQTT  bool
	RxTime   time.Time
	RxSNR    float64
	RxRSSI   int32

	// Envelope-level routing hints added by the bridging gateway.
	ChannelID string
	GatewayID string

	// Exactly one of these is set: Payload when the packet arrived
	// plain, Encrypted when decryption is still pending.
	Payload   *Data
	Encrypted []byte
}

// Data is the inner application payload.
type Data struct {
	Port         PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
}

// Kind tags the decoded payload union.
type Kind int

// Payload kinds. KindRaw covers unrecognized ports and
// recognized-but-malformed payloads.
const (
	KindRaw Kind = iota
	KindText
	KindPosition
	KindNodeInfo
	KindTelemetry
	KindTraceroute
	KindNeighborInfo
	KindWaypoint
	KindRouting
	KindMapReport
	KindStoreForward
	KindRemoteHardware
	KindAdmin
	KindKeyVerification
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPosition:
		return "position"
	case KindNodeInfo:
		return "nodeinfo"
	case KindTelemetry:
		return "telemetry"
	case KindTraceroute:
		return "traceroute"
	case KindNeighborInfo:
		return "neighborinfo"
	case KindWaypoint:
		return "waypoint"
	case KindRouting:
		return "routing"
	case KindMapReport:
		return "mapreport"
	case KindStoreForward:
		return "storeforward"
	case KindRemoteHardware:
		return "remotehardware"
	case KindAdmin:
		return "admin"
	case KindKeyVerification:
		return "keyverification"
	default:
		return "raw"
	}
}

// Decoded is the tagged union produced from a Data payload. Kind says
// which pointer (or Text/Raw) is populated; collectors switch on it
// exhaustively.
type Decoded struct {
	Kind         Kind
	Text         string
	Position     *Position
	NodeInfo     *NodeInfo
	Telemetry    *Telemetry
	Traceroute   *RouteDiscovery
	NeighborInfo *NeighborInfo
	Waypoint     *Waypoint
	RoutingError uint32
	Raw          []byte
}

// Position is a decoded position payload. Coordinates arrive as
// fixed-point degrees multiplied by 1e7.
type Position struct {
	Latitude    float64
	Longitude   float64
	Altitude    *int
	Time        time.Time
	GroundSpeed *float64
	SatsInView  *int
}

// NodeInfo is a decoded node-identity payload.
type NodeInfo struct {
	ID        string
	LongName  string
	ShortName string
	HWModel   string
	Role      string
}

// Telemetry is a decoded telemetry payload. Groups maps the wire
// container key ("deviceMetrics", ...) to present metric leaves, with
// canonical snake_case metric names.
type Telemetry struct {
	Time   time.Time
	Groups map[string]map[string]float64
}

// RouteDiscovery is a decoded traceroute payload, in wire convention:
// the sender of the packet is the node that answered the trace. SNR
// values are signed dB multiplied by four.
type RouteDiscovery struct {
	Route      []uint32
	RouteBack  []uint32
	SNRTowards []int32
	SNRBack    []int32
}

// Neighbor is one entry of a neighbor-info payload.
type Neighbor struct {
	NodeNum uint32
	SNR     float64
}

// NeighborInfo is a decoded neighbor-info payload.
type NeighborInfo struct {
	NodeNum   uint32
	Neighbors []Neighbor
}

// Waypoint is a decoded waypoint payload.
type Waypoint struct {
	ID          uint32
	Latitude    float64
	Longitude   float64
	Name        string
	Description string
}
