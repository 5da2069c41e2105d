// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"bytes"
	"context"
	"math"
	"time"

	"github.com/goccy/go-json"
)

// snrToQuarterDB normalizes a wire SNR value to the stored integer
// convention of dB multiplied by four. Bare integer tokens are already
// in that convention and pass through; float tokens (a '.' or exponent
// in the raw JSON) are decibels and get scaled, so "2.0" stores as 8
// while "2" stores as 2.
func snrToQuarterDB(v json.RawMessage) (int32, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	if !bytes.ContainsAny(v, ".eE") {
		return int32(f), true
	}
	return int32(math.Round(f * 4)), true
}

// snrFloatsToQuarterDB converts a float dB slice to quarter-dB ints.
func snrFloatsToQuarterDB(vals []float64) []int32 {
	out := make([]int32, len(vals))
	for i, v := range vals {
		out[i] = int32(math.Round(v * 4))
	}
	return out
}

// routeEntry is one hop before name resolution: either a node number
// or a display name still needing a lookup.
type routeEntry struct {
	num  uint32
	name string
}

// resolveRouteEntries turns a mixed route array (node numbers, hex ids,
// or display names leaked by some bridges) into node numbers. Names are
// resolved in one batched lookup; unresolvable entries are dropped.
func resolveRouteEntries(ctx context.Context, gw Gateway, sourceID int64, raw []json.RawMessage) ([]uint32, error) {
	entries := make([]routeEntry, 0, len(raw))
	var names []string

	for _, item := range raw {
		var n uint32
		if err := json.Unmarshal(item, &n); err == nil {
			entries = append(entries, routeEntry{num: n})
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		if n := parseNodeID(s); n != 0 {
			entries = append(entries, routeEntry{num: n})
			continue
		}
		entries = append(entries, routeEntry{name: s})
		names = append(names, s)
	}

	resolved := map[string]uint32{}
	if len(names) > 0 {
		var err error
		resolved, err = gw.ResolveNodeNames(ctx, sourceID, names)
		if err != nil {
			return nil, err
		}
	}

	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if e.name == "" {
			out = append(out, e.num)
			continue
		}
		if n, ok := resolved[e.name]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// coerceTime interprets a JSON timestamp that may be unix seconds or
// unix milliseconds. Values past the year 2033 in seconds are treated
// as milliseconds.
func coerceTime(v int64) time.Time {
	if v <= 0 {
		return time.Now().UTC()
	}
	if v > 2_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func floatPtr(f float64) *float64 { return &f }

func intPtr(i int) *int { return &i }

func u32Ptr(n uint32) *uint32 { return &n }

func timePtr(t time.Time) *time.Time { return &t }
