// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
)

// Manager owns the set of active collectors, one per enabled source.
// Lifecycle calls (Start, Stop, AddSource, RemoveSource, UpdateSource)
// are serialized relative to each other; Status reads take the same
// lock briefly.
type Manager struct {
	gw Gateway

	mu         sync.Mutex
	collectors map[int64]Collector
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewManager creates a manager over the given storage gateway. Call
// Start to load sources and spin up collectors.
func NewManager(gw Gateway) *Manager {
	return &Manager{
		gw:         gw,
		collectors: make(map[int64]Collector),
	}
}

// Start loads every enabled source and starts one collector per source.
// A source that fails to start is logged and skipped; it does not block
// the others.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("collector manager is already running")
	}

	sources, err := m.gw.ListEnabledSources(ctx)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true

	for i := range sources {
		m.startLocked(&sources[i])
	}

	logging.Info().Int("sources", len(sources)).Msg("Collector manager started")
	return nil
}

// startLocked instantiates and starts a collector for one source. The
// manager lock must be held.
func (m *Manager) startLocked(src *models.Source) {
	c, err := newCollector(m.gw, src)
	if err != nil {
		logging.Warn().Err(err).Int64("source_id", src.ID).Str("source", src.Name).Msg("Skipping source")
		return
	}
	if err := c.Start(m.ctx); err != nil {
		logging.Warn().Err(err).Int64("source_id", src.ID).Str("source", src.Name).Msg("Collector failed to start")
		return
	}
	m.collectors[src.ID] = c
	metrics.CollectorsRunning.WithLabelValues(src.Kind).Inc()
	logging.Info().Int64("source_id", src.ID).Str("source", src.Name).Str("kind", src.Kind).Msg("Collector started")
}

// newCollector picks the implementation by source kind. A source
// missing its endpoint configuration is rejected here so start stays a
// warning, never a crash.
func newCollector(gw Gateway, src *models.Source) (Collector, error) {
	switch src.Kind {
	case models.SourceKindPoll:
		if src.URL == "" {
			return nil, fmt.Errorf("poll source %q has no URL", src.Name)
		}
		return newPollCollector(gw, src), nil
	case models.SourceKindSubscribe:
		if src.Broker == "" {
			return nil, fmt.Errorf("subscribe source %q has no broker", src.Name)
		}
		return newSubscribeCollector(gw, src), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

// Stop shuts down every collector and waits for their cleanup.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	logging.Info().Int("collectors", len(m.collectors)).Msg("Stopping collector manager...")
	m.cancel()
	for id, c := range m.collectors {
		if err := c.Stop(); err != nil {
			logging.Warn().Err(err).Int64("source_id", id).Msg("Collector stop failed")
		}
		metrics.CollectorsRunning.WithLabelValues(c.Status().Kind).Dec()
		delete(m.collectors, id)
	}
	m.running = false
	logging.Info().Msg("Collector manager stopped")
	return nil
}

// AddSource starts a collector for a newly created source. Disabled
// sources are ignored.
func (m *Manager) AddSource(ctx context.Context, sourceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return fmt.Errorf("collector manager is not running")
	}
	if _, ok := m.collectors[sourceID]; ok {
		return fmt.Errorf("source %d already has a running collector", sourceID)
	}

	src, err := m.gw.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source %d: %w", sourceID, err)
	}
	if src == nil {
		return fmt.Errorf("source %d not found", sourceID)
	}
	if !src.Enabled {
		return nil
	}
	m.startLocked(src)
	return nil
}

// RemoveSource stops and forgets the collector for a source.
func (m *Manager) RemoveSource(sourceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collectors[sourceID]
	if !ok {
		return nil
	}
	if err := c.Stop(); err != nil {
		return fmt.Errorf("stop collector for source %d: %w", sourceID, err)
	}
	metrics.CollectorsRunning.WithLabelValues(c.Status().Kind).Dec()
	delete(m.collectors, sourceID)
	logging.Info().Int64("source_id", sourceID).Msg("Collector removed")
	return nil
}

// UpdateSource hot-swaps the collector for an edited source: stop the
// old instance, start a fresh one with the new configuration.
func (m *Manager) UpdateSource(ctx context.Context, sourceID int64) error {
	if err := m.RemoveSource(sourceID); err != nil {
		return err
	}
	return m.AddSource(ctx, sourceID)
}

// Status returns the snapshot for one source, or ok=false when no
// collector is running for it.
func (m *Manager) Status(sourceID int64) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collectors[sourceID]
	if !ok {
		return Status{}, false
	}
	return c.Status(), true
}

// StatusAll returns snapshots for every running collector, ordered by
// source id.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.collectors))
	for _, c := range m.collectors {
		statuses = append(statuses, c.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].SourceID < statuses[j].SourceID })
	return statuses
}

// TriggerSync kicks off one immediate cycle on a running collector.
func (m *Manager) TriggerSync(sourceID int64) error {
	m.mu.Lock()
	c, ok := m.collectors[sourceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running collector for source %d", sourceID)
	}
	return c.TriggerSync()
}

// TriggerHistoricalCollection starts a background backfill run on a
// running collector. The run is fire-and-forget for the caller but is
// cancelled when the collector stops.
func (m *Manager) TriggerHistoricalCollection(sourceID int64) error {
	m.mu.Lock()
	c, ok := m.collectors[sourceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running collector for source %d", sourceID)
	}
	return c.TriggerHistorical()
}
