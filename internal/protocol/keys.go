// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DefaultKey is the well-known channel key used when a channel's PSK is
// the 1-byte shorthand 0x01. Firmware ships this key, so traffic on the
// default channel is encrypted but not private.
var DefaultKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// ErrInvalidKeyLength reports a PSK that expands to neither an AES-128
// nor an AES-256 key.
var ErrInvalidKeyLength = fmt.Errorf("psk must expand to 0, 16 or 32 bytes")

// ExpandKey expands a base64-encoded channel PSK into an AES key.
//
// The wire shorthand rules:
//   - 0 bytes: channel is unencrypted, returns (nil, nil)
//   - 1 byte 0x01: the well-known default key
//   - 1 byte other: default key with its last byte replaced (per-channel
//     key derivation shorthand)
//   - 16 or 32 bytes: used verbatim (AES-128 / AES-256)
//
// Any other length is invalid.
func ExpandKey(psk string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(psk)
	if err != nil {
		return nil, fmt.Errorf("decode psk: %w", err)
	}

	switch len(raw) {
	case 0:
		return nil, nil
	case 1:
		key := make([]byte, len(DefaultKey))
		copy(key, DefaultKey)
		if raw[0] != 0x01 {
			key[len(key)-1] = raw[0]
		}
		return key, nil
	case 16, 32:
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(raw))
	}
}

// Nonce builds the 16-byte AES-CTR nonce for a packet:
// LE64(packetID) followed by LE32(fromNode) and four zero bytes.
func Nonce(packetID, fromNode uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:12], fromNode)
	return nonce
}

// Decrypt applies AES-CTR with the packet nonce. CTR is symmetric, so
// the same call encrypts.
func Decrypt(key, ciphertext []byte, packetID, fromNode uint32) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, Nonce(packetID, fromNode)).XORKeyStream(plain, ciphertext)
	return plain, nil
}

// DecryptPayload tries each candidate key in order and returns the first
// plaintext that parses as an application payload, together with the
// parsed form. The wire format carries no MAC, so "parses as a known
// message" is the only signal that a key was right; a parse failure
// after decryption is treated as a wrong key and the next candidate is
// tried. Returns (nil, nil) when no candidate works or none are given.
func DecryptPayload(ciphertext []byte, packetID, fromNode uint32, keys [][]byte) (*Data, []byte) {
	for _, key := range keys {
		if len(key) == 0 {
			continue
		}
		plain, err := Decrypt(key, ciphertext, packetID, fromNode)
		if err != nil {
			continue
		}
		data, err := decodeData(plain)
		if err != nil || data.Port == PortUnknown {
			continue
		}
		return data, plain
	}
	return nil, nil
}
