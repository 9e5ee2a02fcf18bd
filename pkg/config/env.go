// Copyright 2024-2026 Aiku AI

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type envBinding struct {
	name  string
	apply func(c *Config, val string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, val string) error {
		*dst(c) = val
		return nil
	}
}

func setInt(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, val string) error {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, val string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var envBindings = []envBinding{
	{"MATRIX_HOMESERVER", setString(func(c *Config) *string { return &c.Matrix.Homeserver })},
	{"MATRIX_USER", setString(func(c *Config) *string { return &c.Matrix.UserID })},
	{"MATRIX_PASSWORD", setString(func(c *Config) *string { return &c.Matrix.Password })},
	{"MATRIX_ROOM_ID", setString(func(c *Config) *string { return &c.Matrix.Room })},

	{"MQTT_BROKER", setString(func(c *Config) *string { return &c.MQTT.Broker })},
	{"MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Port })},
	{"MQTT_USER", setString(func(c *Config) *string { return &c.MQTT.Username })},
	{"MQTT_PASSWORD", setString(func(c *Config) *string { return &c.MQTT.Password })},
	{"MQTT_TOPIC", setString(func(c *Config) *string { return &c.MQTT.Topic })},
	{"MQTT_USE_TLS", setBool(func(c *Config) *bool { return &c.MQTT.UseTLS })},

	{"MESHTASTIC_HOST", setString(func(c *Config) *string { return &c.Meshtastic.Host })},
	{"MESHTASTIC_PORT", setInt(func(c *Config) *int { return &c.Meshtastic.Port })},
	{"MESHTASTIC_CHANNEL_IDX", setInt(func(c *Config) *int { return &c.Meshtastic.ChannelIndex })},
	{"MESHTASTIC_CHANNEL_PSK", setString(func(c *Config) *string { return &c.Meshtastic.ChannelPSK })},
	{"MESHTASTIC_CHANNELS", func(c *Config, val string) error {
		c.Meshtastic.Channels = splitList(val)
		return nil
	}},

	{"NODE_DB_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
}

// ApplyEnv overrides config values from environment variables that are set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		val, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, val); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}
