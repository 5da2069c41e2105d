// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
)

// UpsertNode creates the node on first observation or merges only the
// fields present in n into the existing row. A nil field in n never
// overwrites a stored value: handlers observe nodes partially (a text
// message carries no position, a position carries no names) and each
// update must preserve what earlier updates learned.
func (db *DB) UpsertNode(ctx context.Context, n *models.Node) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	defer func(start time.Time) {
		metrics.RecordDBQuery("upsert", "nodes", time.Since(start))
	}(time.Now())

	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) > 0 FROM nodes WHERE source_id = ? AND node_num = ?`,
		n.SourceID, int64(n.NodeNum),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check node: %w", err)
	}

	if !exists {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO nodes (source_id, node_num, short_name, long_name, hw_model, role,
				latitude, longitude, altitude, snr, rssi, last_heard, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_id, node_num) DO NOTHING`,
			n.SourceID, int64(n.NodeNum), n.ShortName, n.LongName, n.HWModel, n.Role,
			n.Latitude, n.Longitude, n.Altitude, n.SNR, n.RSSI, n.LastHeard, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		return nil
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	addSet := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if n.ShortName != nil {
		addSet("short_name", *n.ShortName)
	}
	if n.LongName != nil {
		addSet("long_name", *n.LongName)
	}
	if n.HWModel != nil {
		addSet("hw_model", *n.HWModel)
	}
	if n.Role != nil {
		addSet("role", *n.Role)
	}
	if n.Latitude != nil {
		addSet("latitude", *n.Latitude)
	}
	if n.Longitude != nil {
		addSet("longitude", *n.Longitude)
	}
	if n.Altitude != nil {
		addSet("altitude", *n.Altitude)
	}
	if n.SNR != nil {
		addSet("snr", *n.SNR)
	}
	if n.RSSI != nil {
		addSet("rssi", *n.RSSI)
	}
	if n.LastHeard != nil {
		addSet("last_heard", *n.LastHeard)
	}

	query := fmt.Sprintf("UPDATE nodes SET %s WHERE source_id = ? AND node_num = ?",
		strings.Join(sets, ", "))
	args = append(args, n.SourceID, int64(n.NodeNum))

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return nil
}

// GetNode fetches one node row, or nil when unseen.
func (db *DB) GetNode(ctx context.Context, sourceID int64, nodeNum uint32) (*models.Node, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	defer func(start time.Time) {
		metrics.RecordDBQuery("select", "nodes", time.Since(start))
	}(time.Now())

	n := &models.Node{}
	var nn int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT source_id, node_num, short_name, long_name, hw_model, role,
			latitude, longitude, altitude, snr, rssi, last_heard
		FROM nodes WHERE source_id = ? AND node_num = ?`,
		sourceID, int64(nodeNum),
	).Scan(&n.SourceID, &nn, &n.ShortName, &n.LongName, &n.HWModel, &n.Role,
		&n.Latitude, &n.Longitude, &n.Altitude, &n.SNR, &n.RSSI, &n.LastHeard)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	n.NodeNum = uint32(nn)
	return n, nil
}

// ResolveNodeNames maps display long-names to node numbers for one
// source in a single batched query. Names with no match are absent from
// the result.
func (db *DB) ResolveNodeNames(ctx context.Context, sourceID int64, names []string) (map[string]uint32, error) {
	resolved := make(map[string]uint32)
	if len(names) == 0 {
		return resolved, nil
	}

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	placeholders := strings.Repeat("?, ", len(names)-1) + "?"
	args := make([]any, 0, len(names)+1)
	args = append(args, sourceID)
	for _, name := range names {
		args = append(args, name)
	}

	query := fmt.Sprintf(
		`SELECT long_name, node_num FROM nodes
		WHERE source_id = ? AND long_name IN (%s)`, placeholders)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve node names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var num int64
		if err := rows.Scan(&name, &num); err != nil {
			return nil, fmt.Errorf("scan node name: %w", err)
		}
		resolved[name] = uint32(num)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node names: %w", err)
	}
	return resolved, nil
}
