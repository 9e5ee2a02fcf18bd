// Copyright 2024-2026 Aiku AI

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/store"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newNodesCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the node directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(true)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.Database.Path, log.Level(zerolog.WarnLevel))
			if err != nil {
				return err
			}
			defer db.Close()
			nodes, err := db.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, nodes)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tSHORT\tLONG\tLAST SEEN")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.NodeID, n.ShortName, n.LongName, n.LastSeen.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newRecordsCommand(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Dump persisted correlation records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(true)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.Database.Path, log.Level(zerolog.WarnLevel))
			if err != nil {
				return err
			}
			defer db.Close()
			recs, err := db.ListRecords(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, recs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PACKET\tSENDER\tMODE\tREPORTS\tEVENT\tUPDATED\tTEXT")
			for _, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%q\n",
					r.PacketID, r.SenderID, r.RenderMode, len(r.Reports), r.ChatEventID,
					r.LastUpdate.Format(time.RFC3339), r.Text)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records to print, 0 for all")
	return cmd
}
