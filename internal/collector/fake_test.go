// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwatch/meshwatch/internal/models"
)

// fakeGateway is an in-memory Gateway with the same merge and dedup
// semantics as the storage layer: nil fields never clear stored values,
// and repeated inserts on the same natural key report inserted=false.
type fakeGateway struct {
	sources     map[int64]*models.Source
	nodes       map[string]*models.Node
	facts       []models.TelemetryFact
	factKeys    map[string]bool
	messages    []models.Message
	msgKeys     map[string]bool
	traceroutes []models.Traceroute
	trKeys      map[string]bool
	channels    map[int64][]models.Channel
	names       map[string]uint32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sources:  map[int64]*models.Source{},
		nodes:    map[string]*models.Node{},
		factKeys: map[string]bool{},
		msgKeys:  map[string]bool{},
		trKeys:   map[string]bool{},
		channels: map[int64][]models.Channel{},
		names:    map[string]uint32{},
	}
}

func nodeKey(sourceID int64, nodeNum uint32) string {
	return fmt.Sprintf("%d/%d", sourceID, nodeNum)
}

func (g *fakeGateway) ListEnabledSources(ctx context.Context) ([]models.Source, error) {
	var out []models.Source
	for _, s := range g.sources {
		if s.Enabled {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (g *fakeGateway) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	s, ok := g.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %d not found", id)
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) UpdateSourceStatus(ctx context.Context, id int64, lastPollAt *time.Time, lastErr *string, version *string) error {
	s, ok := g.sources[id]
	if !ok {
		return nil
	}
	if lastPollAt != nil {
		s.LastPollAt = lastPollAt
	}
	s.LastError = lastErr
	if version != nil {
		s.RemoteVersion = version
	}
	return nil
}

func (g *fakeGateway) UpsertNode(ctx context.Context, n *models.Node) error {
	key := nodeKey(n.SourceID, n.NodeNum)
	existing, ok := g.nodes[key]
	if !ok {
		cp := *n
		g.nodes[key] = &cp
		return nil
	}
	if n.ShortName != nil {
		existing.ShortName = n.ShortName
	}
	if n.LongName != nil {
		existing.LongName = n.LongName
	}
	if n.HWModel != nil {
		existing.HWModel = n.HWModel
	}
	if n.Role != nil {
		existing.Role = n.Role
	}
	if n.Latitude != nil {
		existing.Latitude = n.Latitude
	}
	if n.Longitude != nil {
		existing.Longitude = n.Longitude
	}
	if n.Altitude != nil {
		existing.Altitude = n.Altitude
	}
	if n.SNR != nil {
		existing.SNR = n.SNR
	}
	if n.RSSI != nil {
		existing.RSSI = n.RSSI
	}
	if n.LastHeard != nil {
		existing.LastHeard = n.LastHeard
	}
	return nil
}

func (g *fakeGateway) GetNode(ctx context.Context, sourceID int64, nodeNum uint32) (*models.Node, error) {
	n, ok := g.nodes[nodeKey(sourceID, nodeNum)]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (g *fakeGateway) ResolveNodeNames(ctx context.Context, sourceID int64, names []string) (map[string]uint32, error) {
	out := map[string]uint32{}
	for _, name := range names {
		if n, ok := g.names[name]; ok {
			out[name] = n
		}
	}
	return out, nil
}

func (g *fakeGateway) InsertTelemetry(ctx context.Context, fact *models.TelemetryFact) (bool, error) {
	key := fmt.Sprintf("%d/%d/%d/%s", fact.SourceID, fact.NodeNum, fact.ReceivedAt.UnixNano(), fact.MetricName)
	if g.factKeys[key] {
		return false, nil
	}
	g.factKeys[key] = true
	g.facts = append(g.facts, *fact)
	return true, nil
}

func (g *fakeGateway) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	key := fmt.Sprintf("%d/%d/%d", msg.SourceID, msg.PacketID, msg.GatewayNodeNum)
	if g.msgKeys[key] {
		return false, nil
	}
	g.msgKeys[key] = true
	g.messages = append(g.messages, *msg)
	return true, nil
}

func (g *fakeGateway) InsertTraceroute(ctx context.Context, tr *models.Traceroute) (bool, error) {
	key := fmt.Sprintf("%d/%d/%d/%d", tr.SourceID, tr.FromNodeNum, tr.ToNodeNum, tr.ReceivedAt.UnixNano())
	if g.trKeys[key] {
		return false, nil
	}
	g.trKeys[key] = true
	g.traceroutes = append(g.traceroutes, *tr)
	return true, nil
}

func (g *fakeGateway) ListChannels(ctx context.Context, sourceID int64) ([]models.Channel, error) {
	return g.channels[sourceID], nil
}

func (g *fakeGateway) RegisterChannel(ctx context.Context, sourceID int64, name string) error {
	if name == "" {
		return nil
	}
	for _, ch := range g.channels[sourceID] {
		if ch.Name != nil && *ch.Name == name {
			return nil
		}
	}
	n := name
	g.channels[sourceID] = append(g.channels[sourceID], models.Channel{
		SourceID:     sourceID,
		ChannelIndex: len(g.channels[sourceID]),
		Name:         &n,
	})
	return nil
}

// factByMetric returns the first stored fact with the given metric name.
func (g *fakeGateway) factByMetric(name string) (models.TelemetryFact, bool) {
	for _, f := range g.facts {
		if f.MetricName == name {
			return f, true
		}
	}
	return models.TelemetryFact{}, false
}
