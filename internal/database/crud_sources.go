// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshwatch/meshwatch/internal/models"
)

// ListEnabledSources returns every source with ingestion enabled.
func (db *DB) ListEnabledSources(ctx context.Context) ([]models.Source, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, kind, url, broker, topic, username, password,
			poll_interval_seconds, enabled, last_poll_at, last_error, remote_version
		FROM sources WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

// GetSource fetches one source by id, or nil when absent.
func (db *DB) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT id, name, kind, url, broker, topic, username, password,
			poll_interval_seconds, enabled, last_poll_at, last_error, remote_version
		FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return src, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*models.Source, error) {
	src := &models.Source{}
	var url, broker, topic, username, password sql.NullString
	var pollSeconds int64
	if err := row.Scan(&src.ID, &src.Name, &src.Kind, &url, &broker, &topic,
		&username, &password, &pollSeconds, &src.Enabled,
		&src.LastPollAt, &src.LastError, &src.RemoteVersion); err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.URL = url.String
	src.Broker = broker.String
	src.Topic = topic.String
	src.Username = username.String
	src.Password = password.String
	src.PollInterval = time.Duration(pollSeconds) * time.Second
	return src, nil
}

// SeedSource inserts a source if its id is not already present. Used to
// bootstrap sources from the config file on a fresh install; existing
// rows (possibly edited through the external CRUD layer) win.
func (db *DB) SeedSource(ctx context.Context, src *models.Source) error {
	values := map[string]any{
		"id":                    src.ID,
		"name":                  src.Name,
		"kind":                  src.Kind,
		"url":                   src.URL,
		"broker":                src.Broker,
		"topic":                 src.Topic,
		"username":              src.Username,
		"password":              src.Password,
		"poll_interval_seconds": int64(src.PollInterval / time.Second),
		"enabled":               src.Enabled,
	}
	_, err := db.UpsertIgnore(ctx, "sources", []string{"id"}, values)
	return err
}

// UpdateSourceStatus writes back the collector-owned source fields.
// A nil lastErr clears the stored error (the source is healthy again);
// nil lastPollAt and version leave the stored values alone.
func (db *DB) UpdateSourceStatus(ctx context.Context, id int64, lastPollAt *time.Time, lastErr *string, version *string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `UPDATE sources SET last_error = ?`
	args := []any{lastErr}
	if lastPollAt != nil {
		query += `, last_poll_at = ?`
		args = append(args, lastPollAt.UTC())
	}
	if version != nil {
		query += `, remote_version = ?`
		args = append(args, *version)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	return nil
}
