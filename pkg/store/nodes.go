// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

const (
	upsertNodeQuery = `
		INSERT INTO nodes (node_id, short_name, long_name, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id) DO UPDATE SET
			short_name=CASE WHEN excluded.short_name<>'' THEN excluded.short_name ELSE nodes.short_name END,
			long_name=CASE WHEN excluded.long_name<>'' THEN excluded.long_name ELSE nodes.long_name END,
			last_seen=excluded.last_seen
	`
	getNodeQuery   = `SELECT node_id, short_name, long_name, last_seen FROM nodes WHERE node_id=$1`
	listNodesQuery = `SELECT node_id, short_name, long_name, last_seen FROM nodes ORDER BY last_seen DESC, node_id`
)

// Node is a directory entry for a mesh node.
type Node struct {
	relay.NodeInfo
	LastSeen time.Time
}

// DisplayName returns the short name, then the long name, then the id.
func (n *Node) DisplayName() string {
	switch {
	case n.ShortName != "":
		return n.ShortName
	case n.LongName != "":
		return n.LongName
	default:
		return n.NodeID
	}
}

var (
	_ relay.NameResolver = (*Store)(nil)
	_ relay.NodeUpdater  = (*Store)(nil)
)

func scanNode(row dbutil.Scannable) (*Node, error) {
	var n Node
	var lastSeen int64
	if err := row.Scan(&n.NodeID, &n.ShortName, &n.LongName, &lastSeen); err != nil {
		return nil, err
	}
	n.LastSeen = time.UnixMilli(lastSeen).UTC()
	return &n, nil
}

// UpdateNode records a node announcement. Empty names never overwrite
// previously known ones.
func (s *Store) UpdateNode(ctx context.Context, info relay.NodeInfo) error {
	if info.NodeID == "" {
		return errors.New("node id is empty")
	}
	_, err := s.db.Exec(ctx, upsertNodeQuery, info.NodeID, info.ShortName, info.LongName, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", info.NodeID, err)
	}
	return nil
}

// GetNode returns the directory entry for id, or nil if it is unknown.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := scanNode(s.db.QueryRow(ctx, getNodeQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", id, err)
	}
	return n, nil
}

// ListNodes returns every known node, most recently heard first.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.Query(ctx, listNodesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ResolveName returns the node's display name, falling back to the id when
// the node is unknown or the lookup fails.
func (s *Store) ResolveName(ctx context.Context, id string) string {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("node_id", id).Msg("Failed to resolve node name")
		return id
	} else if n == nil {
		return id
	}
	return n.DisplayName()
}
