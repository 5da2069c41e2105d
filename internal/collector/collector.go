// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

// Package collector implements the ingestion pipeline: one poll or
// subscribe collector per enabled source, a manager owning their
// lifecycles, and the handlers that normalize decoded packets and REST
// rows into canonical storage writes.
//
// Error isolation rule: nothing propagates past a single message or
// poll-cycle boundary. A malformed packet is logged at debug level and
// dropped; a failed cycle updates the source's last_error and the loop
// continues.
package collector

import (
	"context"
	"time"

	"github.com/meshwatch/meshwatch/internal/models"
)

// Gateway is the storage contract collectors write through. Implemented
// by *database.DB. Duplicate facts are absorbed by the insert-or-ignore
// primitives; an inserted=false return means "already present", never
// an error.
type Gateway interface {
	ListEnabledSources(ctx context.Context) ([]models.Source, error)
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	UpdateSourceStatus(ctx context.Context, id int64, lastPollAt *time.Time, lastErr *string, version *string) error

	UpsertNode(ctx context.Context, n *models.Node) error
	GetNode(ctx context.Context, sourceID int64, nodeNum uint32) (*models.Node, error)
	ResolveNodeNames(ctx context.Context, sourceID int64, names []string) (map[string]uint32, error)

	InsertTelemetry(ctx context.Context, fact *models.TelemetryFact) (bool, error)
	InsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	InsertTraceroute(ctx context.Context, tr *models.Traceroute) (bool, error)

	ListChannels(ctx context.Context, sourceID int64) ([]models.Channel, error)
	RegisterChannel(ctx context.Context, sourceID int64, name string) error
}

// Collector phase names surfaced through Status.
const (
	PhaseStopped    = "stopped"
	PhaseIdle       = "idle"
	PhasePolling    = "polling"
	PhaseHistorical = "historical"
	PhaseConnecting = "connecting"
	PhaseSubscribed = "subscribed"
)

// Status is a point-in-time snapshot of one collector, read by the
// status API.
type Status struct {
	SourceID   int64  `json:"source_id"`
	SourceName string `json:"source_name"`
	Kind       string `json:"kind"`
	Phase      string `json:"phase"`
	Progress   int64  `json:"progress"`
	Total      int64  `json:"total"`
	LastError  string `json:"last_error,omitempty"`
}

// Collector is one running ingestion task bound to a single source.
// Stop cancels the task and waits for its cleanup before returning.
type Collector interface {
	Start(ctx context.Context) error
	Stop() error
	Status() Status

	// TriggerSync kicks off one immediate cycle without waiting for the
	// poll interval. TriggerHistorical starts a background backfill run.
	// Both return without blocking on the work itself; collectors that
	// do not support an operation return an error.
	TriggerSync() error
	TriggerHistorical() error
}

// recordError writes an error (or clears it when err is nil) onto the
// source row so the CRUD layer can surface it.
func recordError(ctx context.Context, gw Gateway, sourceID int64, err error) {
	var msg *string
	if err != nil {
		s := err.Error()
		if len(s) > 500 {
			s = s[:500]
		}
		msg = &s
	}
	_ = gw.UpdateSourceStatus(ctx, sourceID, nil, msg, nil)
}
