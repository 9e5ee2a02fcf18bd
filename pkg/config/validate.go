// Copyright 2024-2026 Aiku AI

package config

import (
	"errors"
	"fmt"

	"github.com/adhocore/gronx"
)

var (
	ErrMissingHomeserver = errors.New("matrix homeserver is required")
	ErrMissingUser       = errors.New("matrix user is required")
	ErrMissingPassword   = errors.New("matrix password or access token is required")
	ErrMissingRoom       = errors.New("matrix room is required")
	ErrMissingTransport  = errors.New("an mqtt broker or meshtastic host is required")
	ErrInvalidSchedule   = errors.New("invalid eviction schedule")
)

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Matrix.Homeserver == "" {
		errs = append(errs, ErrMissingHomeserver)
	}
	if c.Matrix.UserID == "" {
		errs = append(errs, ErrMissingUser)
	}
	if c.Matrix.Password == "" {
		errs = append(errs, ErrMissingPassword)
	}
	if c.Matrix.Room == "" {
		errs = append(errs, ErrMissingRoom)
	}
	if c.MQTT.Broker == "" && c.Meshtastic.Host == "" {
		errs = append(errs, ErrMissingTransport)
	}
	if c.Relay.EvictSchedule != "" && !gronx.IsValid(c.Relay.EvictSchedule) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidSchedule, c.Relay.EvictSchedule))
	}
	if c.Relay.MaxPayload < 0 || c.Relay.QuotePreview < 0 || c.Relay.MaxRecords < 0 || c.Relay.QueueSize < 0 {
		errs = append(errs, errors.New("relay limits must not be negative"))
	}
	return errors.Join(errs...)
}
