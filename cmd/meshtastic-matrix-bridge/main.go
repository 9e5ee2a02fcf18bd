// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command meshtastic-matrix-bridge relays a Meshtastic mesh channel into a
// Matrix room and back, merging every gateway's copy of a packet into one
// room message.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/bridge"
	"github.com/aiku/meshtastic-matrix-bridge/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

type rootOptions struct {
	ConfigPath string
	EnvFile    string
	Save       bool
}

func (o *rootOptions) load(skipValidation bool) (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:           o.ConfigPath,
		Save:           o.Save,
		EnvFile:        o.EnvFile,
		SkipValidation: skipValidation,
	})
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "meshtastic-matrix-bridge",
		Short:         "A Meshtastic to Matrix relay",
		Version:       fmt.Sprintf("%s (%s, commit %s, built %s)", version, Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().BoolVar(&opts.Save, "save-config", false, "write the upgraded config back to disk")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bridge (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBridge(cmd.Context(), opts)
			},
		},
		newNodesCommand(opts),
		newRecordsCommand(opts),
		&cobra.Command{
			Use:   "example-config",
			Short: "Print the example config",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
			},
		},
	)
	return cmd
}

func runBridge(ctx context.Context, opts *rootOptions) error {
	cfg, log, err := opts.load(false)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Str("commit", Commit).Msg("Starting meshtastic-matrix-bridge")
	err = bridge.New(*log, cfg).Run(ctx)
	if err != nil {
		log.Err(err).Msg("Bridge exited with error")
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
