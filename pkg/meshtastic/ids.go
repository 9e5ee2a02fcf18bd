// Copyright 2024-2026 Aiku AI

package meshtastic

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastNum is the destination node number for channel broadcasts.
const BroadcastNum uint32 = 0xffffffff

// FormatNodeID returns the canonical "!xxxxxxxx" form of a node number.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID parses a node id in "!hex" form, or a bare decimal node number.
func ParseNodeID(id string) (uint32, error) {
	if hex, ok := strings.CutPrefix(id, "!"); ok {
		num, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", id, err)
		}
		return uint32(num), nil
	}
	num, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", id, err)
	}
	return uint32(num), nil
}
