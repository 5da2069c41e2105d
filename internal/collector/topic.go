// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"strconv"
	"strings"
)

// parseTopic extracts (channelName, gatewayNodeNum) from a bus topic of
// the shape .../<encodingKind>/<channelName>/!<gatewayHex>. Only the
// last two segments matter. Malformed segments degrade: a missing
// !-prefixed tail still yields the channel name from the last segment,
// and a bad hex id yields gateway 0 (unknown).
func parseTopic(topic string) (channel string, gateway uint32) {
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "", 0
	}

	last := segments[len(segments)-1]
	if strings.HasPrefix(last, "!") {
		if n, err := strconv.ParseUint(last[1:], 16, 32); err == nil {
			gateway = uint32(n)
		}
		if len(segments) >= 2 {
			channel = segments[len(segments)-2]
		}
		return channel, gateway
	}

	// No gateway segment; the channel is the final segment.
	return last, 0
}

// parseNodeID turns a "!435730e4" hex node id into a node number.
// Returns 0 when the id is malformed or not hex.
func parseNodeID(id string) uint32 {
	id = strings.TrimPrefix(id, "!")
	n, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
