// Copyright 2024-2026 Aiku AI

package relay

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
)

// EvictResult counts the records removed by one eviction pass.
type EvictResult struct {
	Expired   int `json:"expired"`
	Overflow  int `json:"overflow"`
	Remaining int `json:"remaining"`
}

// Removed is the total number of records evicted.
func (r EvictResult) Removed() int {
	return r.Expired + r.Overflow
}

// Evict drops records whose last update is older than the configured max
// age, then keeps only the most recently updated records up to the size
// bound. Evicted ids are deleted from the store. A store failure is
// returned but leaves the in-memory eviction in place.
func (e *Engine) Evict(ctx context.Context) (EvictResult, error) {
	now := e.opts.Now()
	var expired, overflow []PacketID

	e.mu.Lock()
	if e.opts.MaxAge > 0 {
		for id, rec := range e.records {
			if now.Sub(rec.LastUpdate) > e.opts.MaxAge {
				expired = append(expired, id)
				delete(e.records, id)
			}
		}
	}
	if len(e.records) > e.opts.MaxRecords {
		recs := slices.Collect(maps.Values(e.records))
		slices.SortFunc(recs, func(a, b *MessageRecord) int {
			if c := b.LastUpdate.Compare(a.LastUpdate); c != 0 {
				return c
			}
			return cmp.Compare(b.PacketID, a.PacketID)
		})
		for _, rec := range recs[e.opts.MaxRecords:] {
			overflow = append(overflow, rec.PacketID)
			delete(e.records, rec.PacketID)
		}
	}
	res := EvictResult{Expired: len(expired), Overflow: len(overflow), Remaining: len(e.records)}
	e.mu.Unlock()

	trackedRecords.Set(float64(res.Remaining))
	if res.Removed() == 0 {
		return res, nil
	}
	evictedTotal.WithLabelValues("age").Add(float64(res.Expired))
	evictedTotal.WithLabelValues("size").Add(float64(res.Overflow))

	e.log.Info().
		Int("expired", res.Expired).
		Int("overflow", res.Overflow).
		Int("remaining", res.Remaining).
		Msg("Evicted stale records")

	if err := e.store.Delete(ctx, slices.Concat(expired, overflow)); err != nil {
		return res, fmt.Errorf("failed to delete evicted records: %w", err)
	}
	return res, nil
}
