// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

// Package models defines the canonical row types shared by the collectors
// and the storage layer.
//
// Optional fields are pointers: a nil pointer means "not observed in this
// update" and must never overwrite a previously stored value. This is the
// field-preservation rule every node/channel writer follows.
package models

import "time"

// Source transport kinds.
const (
	SourceKindPoll      = "poll"
	SourceKindSubscribe = "subscribe"
)

// Source is the configuration for one telemetry feed. Sources are owned
// and mutated by the external CRUD layer; collectors read them and write
// back only LastPollAt, LastError and RemoteVersion.
type Source struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`             // poll | subscribe
	URL          string        `json:"url,omitempty"`    // poll: REST base URL
	Topic        string        `json:"topic,omitempty"`  // subscribe: MQTT topic filter
	Broker       string        `json:"broker,omitempty"` // subscribe: MQTT broker URL
	Username     string        `json:"username,omitempty"`
	Password     string        `json:"password,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	Enabled      bool          `json:"enabled"`

	LastPollAt    *time.Time `json:"last_poll_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	RemoteVersion *string    `json:"remote_version,omitempty"`
}

// Node is a mesh radio identified by (SourceID, NodeNum).
type Node struct {
	SourceID  int64      `json:"source_id"`
	NodeNum   uint32     `json:"node_num"`
	ShortName *string    `json:"short_name,omitempty"`
	LongName  *string    `json:"long_name,omitempty"`
	HWModel   *string    `json:"hw_model,omitempty"`
	Role      *string    `json:"role,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Altitude  *int       `json:"altitude,omitempty"`
	SNR       *float64   `json:"snr,omitempty"`
	RSSI      *int       `json:"rssi,omitempty"`
	LastHeard *time.Time `json:"last_heard,omitempty"`
}

// TelemetryType classifies a telemetry fact. Closed set; unknown metrics
// still classify as one of these based on the container they arrived in.
type TelemetryType string

const (
	TypeDevice      TelemetryType = "device"
	TypeEnvironment TelemetryType = "environment"
	TypePower       TelemetryType = "power"
	TypeAirQuality  TelemetryType = "air_quality"
	TypePosition    TelemetryType = "position"
	TypeLocalStats  TelemetryType = "local_stats"
	TypeHealth      TelemetryType = "health"
	TypeHost        TelemetryType = "host"
)

// TelemetryFact is one metric reading, deduplicated by
// (SourceID, NodeNum, ReceivedAt, MetricName).
type TelemetryFact struct {
	SourceID   int64         `json:"source_id"`
	NodeNum    uint32        `json:"node_num"`
	ReceivedAt time.Time     `json:"received_at"`
	MetricName string        `json:"metric_name"`
	Type       TelemetryType `json:"telemetry_type"`
	RawValue   float64       `json:"raw_value"`

	// Column names the dedicated storage column for this metric, empty
	// when the metric has none and only RawValue is stored.
	Column string `json:"-"`
}

// Message is a text or reaction packet, deduplicated by
// (SourceID, PacketID, GatewayNodeNum). The gateway is part of the key
// because the same packet may be bridged by multiple listeners.
type Message struct {
	SourceID       int64     `json:"source_id"`
	PacketID       uint32    `json:"packet_id"`
	GatewayNodeNum uint32    `json:"gateway_node_num"` // 0 when the gateway is unknown
	FromNodeNum    uint32    `json:"from_node_num"`
	ToNodeNum      uint32    `json:"to_node_num"`
	ChannelName    *string   `json:"channel_name,omitempty"`
	Text           string    `json:"text"`
	Emoji          *int      `json:"emoji,omitempty"` // reaction codepoint
	ReplyID        *uint32   `json:"reply_id,omitempty"`
	RxTime         time.Time `json:"rx_time"`
}

// Traceroute is one discovered path, keyed by
// (SourceID, FromNodeNum, ToNodeNum, ReceivedAt). FromNodeNum is the
// requester, ToNodeNum the responder. SNR values are stored as signed
// integers equal to dB multiplied by four.
type Traceroute struct {
	SourceID    int64     `json:"source_id"`
	FromNodeNum uint32    `json:"from_node_num"`
	ToNodeNum   uint32    `json:"to_node_num"`
	ReceivedAt  time.Time `json:"received_at"`
	Route       []uint32  `json:"route"`
	RouteBack   []uint32  `json:"route_back"`
	SNRTowards  []int32   `json:"snr_towards"`
	SNRBack     []int32   `json:"snr_back"`
}

// Channel holds per-source channel configuration, keyed by
// (SourceID, ChannelIndex). The PSK, when present, is a base64-encoded
// pre-shared key used to decrypt subscribe-path traffic.
type Channel struct {
	SourceID     int64   `json:"source_id"`
	ChannelIndex int     `json:"channel_index"`
	Name         *string `json:"name,omitempty"`
	PSK          *string `json:"psk,omitempty"`
}
