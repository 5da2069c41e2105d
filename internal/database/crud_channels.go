// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package database

import (
	"context"
	"fmt"

	"github.com/meshwatch/meshwatch/internal/models"
)

// ListChannels returns every channel row for a source. The subscribe
// collector expands the PSKs into its decryption key cache.
func (db *DB) ListChannels(ctx context.Context, sourceID int64) ([]models.Channel, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT source_id, channel_index, name, psk FROM channels
		WHERE source_id = ? ORDER BY channel_index`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.SourceID, &ch.ChannelIndex, &ch.Name, &ch.PSK); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// RegisterChannel records a newly observed channel name for a source,
// without a PSK, so an operator can attach a key later. Existing
// channels with the same name are left alone.
func (db *DB) RegisterChannel(ctx context.Context, sourceID int64, name string) error {
	if name == "" {
		return nil
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) > 0 FROM channels WHERE source_id = ? AND name = ?`,
		sourceID, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check channel: %w", err)
	}
	if exists {
		return nil
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO channels (source_id, channel_index, name)
		SELECT ?, COALESCE(MAX(channel_index), -1) + 1, ? FROM channels WHERE source_id = ?
		`, sourceID, name, sourceID)
	if err != nil {
		return fmt.Errorf("register channel: %w", err)
	}
	return nil
}

// SetChannelPSK attaches or replaces the pre-shared key on a channel,
// creating the row when needed.
func (db *DB) SetChannelPSK(ctx context.Context, sourceID int64, channelIndex int, psk string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE channels SET psk = ? WHERE source_id = ? AND channel_index = ?`,
		psk, sourceID, channelIndex)
	if err != nil {
		return fmt.Errorf("set channel psk: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set channel psk rows affected: %w", err)
	}
	if affected == 0 {
		_, err = db.conn.ExecContext(ctx,
			`INSERT INTO channels (source_id, channel_index, psk) VALUES (?, ?, ?)
			ON CONFLICT (source_id, channel_index) DO NOTHING`,
			sourceID, channelIndex, psk)
		if err != nil {
			return fmt.Errorf("insert channel psk: %w", err)
		}
	}
	return nil
}
