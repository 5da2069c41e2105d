// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package database

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/meshwatch/meshwatch/internal/metrics"
)

// identRe guards table and column names interpolated into SQL text.
// Values always travel through placeholders.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// UpsertIgnore inserts a row and silently no-ops when the conflict key
// already exists. Returns the number of rows actually inserted (0 means
// "already present", which callers treat as success, not an error).
// This is the sole deduplication mechanism: the composite uniqueness
// key is the concurrency contract, so concurrent writers need no
// application-level locking.
func (db *DB) UpsertIgnore(ctx context.Context, table string, conflictCols []string, values map[string]any) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if !identRe.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	for _, c := range conflictCols {
		if !identRe.MatchString(c) {
			return 0, fmt.Errorf("invalid column name %q", c)
		}
	}

	cols := make([]string, 0, len(values))
	for c := range values {
		if !identRe.MatchString(c) {
			return 0, fmt.Errorf("invalid column name %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	for _, c := range cols {
		args = append(args, values[c])
		placeholders = append(placeholders, "?")
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "),
	)

	start := time.Now()
	result, err := db.conn.ExecContext(ctx, query, args...)
	metrics.RecordDBQuery("upsert", table, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", table, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("upsert %s rows affected: %w", table, err)
	}
	return inserted, nil
}
