// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package database

import (
	"context"
	"fmt"
)

// createTables creates the schema. Every table carries the composite
// UNIQUE constraint that backs upsert-ignore deduplication; rows are
// never deleted by this core (retention is an external sweeper).
func (db *DB) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	statements := []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_source_id START 1`,

		`CREATE TABLE IF NOT EXISTS sources (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_source_id'),
			name VARCHAR NOT NULL,
			kind VARCHAR NOT NULL,
			url VARCHAR,
			broker VARCHAR,
			topic VARCHAR,
			username VARCHAR,
			password VARCHAR,
			poll_interval_seconds BIGINT DEFAULT 300,
			enabled BOOLEAN DEFAULT true,
			last_poll_at TIMESTAMP,
			last_error VARCHAR,
			remote_version VARCHAR,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS nodes (
			source_id BIGINT NOT NULL,
			node_num BIGINT NOT NULL,
			short_name VARCHAR,
			long_name VARCHAR,
			hw_model VARCHAR,
			role VARCHAR,
			latitude DOUBLE,
			longitude DOUBLE,
			altitude INTEGER,
			snr DOUBLE,
			rssi INTEGER,
			last_heard TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (source_id, node_num)
		)`,

		`CREATE TABLE IF NOT EXISTS telemetry (
			source_id BIGINT NOT NULL,
			node_num BIGINT NOT NULL,
			received_at TIMESTAMP NOT NULL,
			metric_name VARCHAR NOT NULL,
			telemetry_type VARCHAR NOT NULL,
			raw_value DOUBLE NOT NULL,
			battery_level BIGINT,
			voltage DOUBLE,
			channel_utilization DOUBLE,
			air_util_tx DOUBLE,
			uptime_seconds BIGINT,
			temperature DOUBLE,
			relative_humidity DOUBLE,
			barometric_pressure DOUBLE,
			latitude DOUBLE,
			longitude DOUBLE,
			altitude INTEGER,
			UNIQUE (source_id, node_num, received_at, metric_name)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			source_id BIGINT NOT NULL,
			packet_id BIGINT NOT NULL,
			gateway_node_num BIGINT NOT NULL DEFAULT 0,
			from_node_num BIGINT,
			to_node_num BIGINT,
			channel_name VARCHAR,
			text VARCHAR,
			emoji INTEGER,
			reply_id BIGINT,
			rx_time TIMESTAMP,
			UNIQUE (source_id, packet_id, gateway_node_num)
		)`,

		`CREATE TABLE IF NOT EXISTS traceroutes (
			source_id BIGINT NOT NULL,
			from_node_num BIGINT NOT NULL,
			to_node_num BIGINT NOT NULL,
			received_at TIMESTAMP NOT NULL,
			route VARCHAR,
			route_back VARCHAR,
			snr_towards VARCHAR,
			snr_back VARCHAR,
			UNIQUE (source_id, from_node_num, to_node_num, received_at)
		)`,

		`CREATE TABLE IF NOT EXISTS channels (
			source_id BIGINT NOT NULL,
			channel_index INTEGER NOT NULL,
			name VARCHAR,
			psk VARCHAR,
			UNIQUE (source_id, channel_index)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_telemetry_node ON telemetry (source_id, node_num, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_rx ON messages (source_id, rx_time)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_heard ON nodes (source_id, last_heard)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
