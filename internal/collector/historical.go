// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/metrics"
)

const (
	histBatchSize     = 1000
	histMaxBatches    = 50
	histBatchDelay    = 2 * time.Second
	histMaxConcurrent = 4
	histRequestRate   = 2 // requests per second across all node workers
)

// TriggerHistorical starts one background backfill run. Only one run
// per collector at a time; the run is cancelled when the collector
// stops.
func (c *pollCollector) TriggerHistorical() error {
	c.mu.Lock()
	select {
	case <-c.stopChan:
		c.mu.Unlock()
		return fmt.Errorf("collector for source %q is stopped", c.src.Name)
	default:
	}
	if c.histRunning {
		c.mu.Unlock()
		return fmt.Errorf("historical collection already running for source %q", c.src.Name)
	}
	c.histRunning = true
	// Add while holding the lock: Stop closes stopChan under the same
	// lock before it waits, so this Add cannot race the Wait.
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.histRunning = false
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.stopChan:
				cancel()
			case <-ctx.Done():
			}
		}()

		c.runHistorical(ctx)
	}()
	return nil
}

// runHistorical pulls the full telemetry history per node using a
// descending time cursor, with bounded fan-out across nodes and a
// shared request pacer so the backfill never tramples the upstream
// rate limit.
func (c *pollCollector) runHistorical(ctx context.Context) {
	runID := uuid.NewString()[:8]
	start := time.Now()
	metrics.HistoricalRunsActive.Inc()
	defer metrics.HistoricalRunsActive.Dec()

	nodes, err := c.listNodeNums(ctx)
	if err != nil {
		c.setError(fmt.Errorf("historical node list: %w", err))
		logging.Warn().Err(err).Str("source", c.src.Name).Str("run", runID).Msg("Historical collection aborted")
		return
	}

	c.total.Store(int64(len(nodes)))
	c.progress.Store(0)
	logging.Info().Str("source", c.src.Name).Str("run", runID).Int("nodes", len(nodes)).Msg("Historical collection started")

	sem := semaphore.NewWeighted(histMaxConcurrent)
	limiter := rate.NewLimiter(rate.Limit(histRequestRate), 1)

	for _, nodeNum := range nodes {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(nodeNum uint32) {
			defer sem.Release(1)
			if err := c.backfillNode(ctx, limiter, nodeNum); err != nil && ctx.Err() == nil {
				logging.Debug().Err(err).Str("source", c.src.Name).Uint32("node", nodeNum).Msg("Node backfill failed")
			}
			c.progress.Add(1)
		}(nodeNum)
	}

	// Wait for in-flight workers; Acquire of the full weight drains the
	// pool even after a cancelled loop.
	if err := sem.Acquire(context.Background(), histMaxConcurrent); err == nil {
		sem.Release(histMaxConcurrent)
	}
	logging.Info().Str("source", c.src.Name).Str("run", runID).Dur("took", time.Since(start)).Msg("Historical collection finished")
}

// listNodeNums fetches every known node number from the upstream API.
func (c *pollCollector) listNodeNums(ctx context.Context) ([]uint32, error) {
	var nums []uint32
	err := c.pullPaged(ctx, "/api/nodes", "nodes", func(_ context.Context, row json.RawMessage) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(row, &obj); err != nil {
			return err
		}
		if n := nodeNumFromJSON(obj); n != 0 {
			nums = append(nums, n)
		}
		return nil
	})
	return nums, err
}

// backfillNode walks one node's telemetry history backwards with a
// `before` cursor until an empty batch, the batch cap, or
// cancellation. A fixed delay separates batches on top of the shared
// pacer.
func (c *pollCollector) backfillNode(ctx context.Context, limiter *rate.Limiter, nodeNum uint32) error {
	cursor := time.Now().UTC()

	for batch := 0; batch < histMaxBatches; batch++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		params := url.Values{}
		params.Set("nodeNum", strconv.FormatUint(uint64(nodeNum), 10))
		params.Set("limit", strconv.Itoa(histBatchSize))
		params.Set("before", strconv.FormatInt(cursor.UnixMilli(), 10))

		var raw json.RawMessage
		if err := c.api.getJSON(ctx, "/api/telemetry", params, &raw); err != nil {
			return err
		}
		rows, _ := extractEntities(raw, "telemetry")
		if len(rows) == 0 {
			return nil
		}

		oldest := cursor
		for _, row := range rows {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(row, &obj); err != nil {
				continue
			}
			if ts, ok := timestampFromJSON(obj); ok && ts.Before(oldest) {
				oldest = ts
			}
			if _, err := telemetryRowsFromJSON(ctx, c.gw, c.src.ID, nodeNum, cursor, obj); err != nil {
				logging.Debug().Err(err).Uint32("node", nodeNum).Msg("Historical row skipped")
			}
		}

		if len(rows) < histBatchSize {
			return nil
		}
		if !oldest.Before(cursor) {
			// Cursor did not move; stop rather than loop on the same page.
			return nil
		}
		cursor = oldest

		if err := sleepCtx(ctx, histBatchDelay); err != nil {
			return err
		}
	}
	return nil
}
