// Copyright 2024-2026 Aiku AI

package relay

import "errors"

var (
	// ErrNotConnected is returned by mesh senders while their link is down.
	ErrNotConnected = errors.New("mesh link not connected")
	// ErrNoEventID is returned when a chat send succeeds without yielding an event id.
	ErrNoEventID = errors.New("chat send returned no event id")
)
