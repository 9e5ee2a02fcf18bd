// Copyright 2024-2026 Aiku AI

package meshtastic

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// defaultPSK is the well-known key behind the "AQ==" channel PSK.
var defaultPSK = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

var ErrInvalidPSK = errors.New("invalid channel PSK")

// ParsePSK decodes a base64 channel key. One-byte keys are shorthand for the
// default key (1) or one of its numbered variants (2-255); zero disables
// encryption and yields a nil key. Full keys must be 16 or 32 bytes.
func ParsePSK(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPSK, err)
	}
	switch len(raw) {
	case 0:
		return nil, nil
	case 1:
		if raw[0] == 0 {
			return nil, nil
		}
		key := make([]byte, len(defaultPSK))
		copy(key, defaultPSK)
		key[len(key)-1] += raw[0] - 1
		return key, nil
	case 16, 32:
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key length %d", ErrInvalidPSK, len(raw))
	}
}

// packetIV builds the AES-CTR counter block for a packet.
func packetIV(packetID, fromNode uint32) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint32(iv[0:4], packetID)
	binary.LittleEndian.PutUint32(iv[4:8], fromNode)
	return iv
}

// Decrypt decrypts an encrypted MeshPacket payload. CTR mode is symmetric, so
// the same call encrypts plaintext.
func Decrypt(key []byte, packetID, fromNode uint32, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, len(payload))
	cipher.NewCTR(block, packetIV(packetID, fromNode)).XORKeyStream(out, payload)
	return out, nil
}
