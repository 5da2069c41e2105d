// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"sync"
	"time"

	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/protocol"
)

const keyCacheTTL = 5 * time.Minute

// keyCache holds the expanded decryption candidates for one source: all
// configured channel PSKs plus the well-known default key. Each
// subscribe collector owns one instance. Staleness is bounded by the
// TTL and is harmless: a stale cache only risks one extra failed
// decrypt attempt, never corruption.
type keyCache struct {
	gw       Gateway
	sourceID int64

	mu        sync.Mutex
	keys      [][]byte
	refreshed time.Time
}

func newKeyCache(gw Gateway, sourceID int64) *keyCache {
	return &keyCache{gw: gw, sourceID: sourceID}
}

// Keys returns the candidate key list, refreshing from storage when the
// cached set is older than the TTL. A refresh failure keeps serving the
// previous set.
func (kc *keyCache) Keys(ctx context.Context) [][]byte {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if kc.keys != nil && time.Since(kc.refreshed) < keyCacheTTL {
		return kc.keys
	}

	keys := [][]byte{}
	channels, err := kc.gw.ListChannels(ctx, kc.sourceID)
	if err != nil {
		logging.Debug().Err(err).Int64("source_id", kc.sourceID).Msg("Key cache refresh failed, keeping stale keys")
		if kc.keys != nil {
			return kc.keys
		}
	}
	for _, ch := range channels {
		if ch.PSK == nil || *ch.PSK == "" {
			continue
		}
		key, err := protocol.ExpandKey(*ch.PSK)
		if err != nil {
			logging.Debug().Err(err).Int64("source_id", kc.sourceID).Int("channel", ch.ChannelIndex).Msg("Skipping invalid channel PSK")
			continue
		}
		if key != nil {
			keys = append(keys, key)
		}
	}
	keys = append(keys, protocol.DefaultKey)

	kc.keys = keys
	kc.refreshed = time.Now()
	return kc.keys
}
