// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

const (
	recordColumns = `packet_id, chat_event_id, text, sender_id, reports, child_ids,
		parent_id, render_mode, related_chat_event_id, last_update`

	upsertRecordQuery = `
		INSERT INTO records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (packet_id) DO UPDATE SET
			chat_event_id=excluded.chat_event_id,
			text=excluded.text,
			sender_id=excluded.sender_id,
			reports=excluded.reports,
			child_ids=excluded.child_ids,
			parent_id=excluded.parent_id,
			render_mode=excluded.render_mode,
			related_chat_event_id=excluded.related_chat_event_id,
			last_update=excluded.last_update
	`
	getAllRecordsQuery    = `SELECT ` + recordColumns + ` FROM records ORDER BY last_update, packet_id`
	getRecentRecordsQuery = `SELECT ` + recordColumns + ` FROM records ORDER BY last_update DESC, packet_id DESC LIMIT $1`
	countRecordsQuery     = `SELECT COUNT(*) FROM records`
)

var _ relay.RecordStore = (*Store)(nil)

func scanRecord(row dbutil.Scannable) (*relay.MessageRecord, error) {
	var rec relay.MessageRecord
	var packetID, parentID int64
	var lastUpdate int64
	err := row.Scan(
		&packetID,
		&rec.ChatEventID,
		&rec.Text,
		&rec.SenderID,
		dbutil.JSON{Data: &rec.Reports},
		dbutil.JSON{Data: &rec.ChildIDs},
		&parentID,
		&rec.RenderMode,
		&rec.RelatedChatEventID,
		&lastUpdate,
	)
	if err != nil {
		return nil, err
	}
	rec.PacketID = relay.PacketID(packetID)
	rec.ParentID = relay.PacketID(parentID)
	rec.LastUpdate = time.UnixMilli(lastUpdate).UTC()
	return &rec, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*relay.MessageRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*relay.MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadAll returns every stored record, oldest first.
func (s *Store) LoadAll(ctx context.Context) ([]*relay.MessageRecord, error) {
	recs, err := s.queryRecords(ctx, getAllRecordsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	return recs, nil
}

// ListRecords returns up to limit records, most recently updated first.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]*relay.MessageRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	recs, err := s.queryRecords(ctx, getRecentRecordsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return recs, nil
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(ctx context.Context) (n int, err error) {
	err = s.db.QueryRow(ctx, countRecordsQuery).Scan(&n)
	return
}

// Save upserts the full record.
func (s *Store) Save(ctx context.Context, rec *relay.MessageRecord) error {
	reports := rec.Reports
	if reports == nil {
		reports = []relay.ReceptionReport{}
	}
	children := rec.ChildIDs
	if children == nil {
		children = []relay.PacketID{}
	}
	_, err := s.db.Exec(ctx, upsertRecordQuery,
		int64(rec.PacketID),
		rec.ChatEventID,
		rec.Text,
		rec.SenderID,
		dbutil.JSON{Data: reports},
		dbutil.JSON{Data: children},
		int64(rec.ParentID),
		int(rec.RenderMode),
		rec.RelatedChatEventID,
		rec.LastUpdate.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.PacketID, err)
	}
	return nil
}

// deleteBatchSize keeps each statement well under SQLite's bound variable
// limit.
const deleteBatchSize = 500

// Delete removes the given records in a single transaction. Unknown ids are
// ignored.
func (s *Store) Delete(ctx context.Context, ids []relay.PacketID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for batch := range slices.Chunk(ids, deleteBatchSize) {
			placeholders := make([]string, len(batch))
			args := make([]any, len(batch))
			for i, id := range batch {
				placeholders[i] = fmt.Sprintf("$%d", i+1)
				args[i] = int64(id)
			}
			query := "DELETE FROM records WHERE packet_id IN (" + strings.Join(placeholders, ", ") + ")"
			if _, err := s.db.Exec(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d records: %w", len(ids), err)
	}
	return nil
}
