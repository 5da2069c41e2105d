// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package protocol

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ServiceEnvelope field numbers.
const (
	envPacket    = protowire.Number(1)
	envChannelID = protowire.Number(2)
	envGatewayID = protowire.Number(3)
)

// MeshPacket field numbers.
const (
	pktFrom      = protowire.Number(1)
	pktTo        = protowire.Number(2)
	pktChannel   = protowire.Number(3)
	pktDecoded   = protowire.Number(4)
	pktEncrypted = protowire.Number(5)
	pktID        = protowire.Number(6)
	pktRxTime    = protowire.Number(7)
	pktRxSNR     = protowire.Number(8)
	pktHopLimit  = protowire.Number(9)
	pktWantAck   = protowire.Number(10)
	pktRxRSSI    = protowire.Number(12)
	pktViaMQTT   = protowire.Number(14)
	pktHopStart  = protowire.Number(15)
)

// Data field numbers.
const (
	dataPort         = protowire.Number(1)
	dataPayload      = protowire.Number(2)
	dataWantResponse = protowire.Number(3)
	dataDest         = protowire.Number(4)
	dataSource       = protowire.Number(5)
	dataRequestID    = protowire.Number(6)
	dataReplyID      = protowire.Number(7)
	dataEmoji        = protowire.Number(8)
)

var knownPorts = map[PortNum]bool{
	PortTextMessage: true, PortRemoteHardware: true, PortPosition: true,
	PortNodeInfo: true, PortRouting: true, PortAdmin: true,
	PortTextCompressed: true, PortWaypoint: true, PortAudio: true,
	PortDetectionSensor: true, PortAlert: true, PortKeyVerification: true,
	PortReply: true, PortPaxcounter: true, PortStoreForward: true,
	PortRangeTest: true, PortTelemetry: true, PortTraceroute: true,
	PortNeighborInfo: true, PortMapReport: true,
}

// field is one decoded protobuf wire field.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	fixed64 uint64
	bytes   []byte
}

func (f field) float32() float64 { return float64(math.Float32frombits(f.fixed32)) }
func (f field) sfixed32() int32  { return int32(f.fixed32) }

// int32v interprets a varint as a sign-extended int32 (how proto
// encodes negative int32 values).
func (f field) int32v() int32 { return int32(int64(f.varint)) }

// walkFields iterates the wire fields of b. Unknown wire types stop the
// walk with an error; unknown field numbers are delivered like any
// other so callers can skip them.
func walkFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			f.varint = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			f.fixed32 = v
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			f.fixed64 = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			f.bytes = v
			b = b[n:]
		default:
			return fmt.Errorf("field %d: unsupported wire type %d", num, typ)
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// DecodeEnvelope parses the outer service envelope plus the mesh packet
// it carries. An unencrypted inner payload is decoded through to the
// application Data; an encrypted one is left in Packet.Encrypted for
// the caller to decrypt with its candidate keys.
func DecodeEnvelope(b []byte) (*Packet, error) {
	var pkt *Packet
	var channelID, gatewayID string

	err := walkFields(b, func(f field) error {
		switch f.num {
		case envPacket:
			if f.typ != protowire.BytesType {
				return nil
			}
			p, err := decodeMeshPacket(f.bytes)
			if err != nil {
				return err
			}
			pkt = p
		case envChannelID:
			if f.typ == protowire.BytesType {
				channelID = string(f.bytes)
			}
		case envGatewayID:
			if f.typ == protowire.BytesType {
				gatewayID = string(f.bytes)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if pkt == nil {
		return nil, fmt.Errorf("decode envelope: no packet")
	}
	pkt.ChannelID = channelID
	pkt.GatewayID = gatewayID
	return pkt, nil
}

func decodeMeshPacket(b []byte) (*Packet, error) {
	pkt := &Packet{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case pktFrom:
			pkt.From = f.fixed32
		case pktTo:
			pkt.To = f.fixed32
		case pktChannel:
			pkt.Channel = uint32(f.varint)
		case pktDecoded:
			// Best-effort: a malformed inner payload degrades to raw
			// bytes on an unknown port rather than failing the packet.
			data, err := decodeData(f.bytes)
			if err != nil {
				data = &Data{Port: PortUnknown, Payload: f.bytes}
			}
			pkt.Payload = data
		case pktEncrypted:
			pkt.Encrypted = append([]byte(nil), f.bytes...)
		case pktID:
			pkt.ID = f.fixed32
		case pktRxTime:
			if f.fixed32 != 0 {
				pkt.RxTime = time.Unix(int64(f.fixed32), 0).UTC()
			}
		case pktRxSNR:
			pkt.RxSNR = f.float32()
		case pktHopLimit:
			pkt.HopLimit = uint32(f.varint)
		case pktWantAck:
			pkt.WantAck = f.varint != 0
		case pktRxRSSI:
			pkt.RxRSSI = f.int32v()
		case pktViaMQTT:
			pkt.ViaMQTT = f.varint != 0
		case pktHopStart:
			pkt.HopStart = uint32(f.varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return pkt, nil
}

func decodeData(b []byte) (*Data, error) {
	d := &Data{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case dataPort:
			d.Port = PortNum(f.varint)
		case dataPayload:
			d.Payload = append([]byte(nil), f.bytes...)
		case dataWantResponse:
			d.WantResponse = f.varint != 0
		case dataDest:
			d.Dest = f.fixed32
		case dataSource:
			d.Source = f.fixed32
		case dataRequestID:
			d.RequestID = f.fixed32
		case dataReplyID:
			d.ReplyID = f.fixed32
		case dataEmoji:
			d.Emoji = f.fixed32
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !knownPorts[d.Port] {
		d.Port = PortUnknown
	}
	return d, nil
}
