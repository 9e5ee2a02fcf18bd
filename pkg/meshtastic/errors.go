// Copyright 2024-2026 Aiku AI

package meshtastic

import "errors"

var (
	errNoKey         = errors.New("packet is encrypted and no channel key is configured")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)
