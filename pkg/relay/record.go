// Copyright 2024-2026 Aiku AI

package relay

import (
	"slices"
	"strconv"
	"time"
)

// PacketID is a mesh packet identifier as assigned by the originating node.
type PacketID uint32

func (p PacketID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// RenderMode selects how a record is mirrored into the chat room.
type RenderMode int

const (
	// RenderStandard mirrors the sender, text and reception stats.
	RenderStandard RenderMode = iota
	// RenderCompactStats shows only reception stats for a chat-originated
	// message that has been echoed back by the mesh.
	RenderCompactStats
)

func (m RenderMode) String() string {
	switch m {
	case RenderCompactStats:
		return "compact_stats"
	default:
		return "standard"
	}
}

// ReceptionReport is one gateway's observation of one packet.
type ReceptionReport struct {
	GatewayID  string    `json:"gateway_id"`
	RSSI       int       `json:"rssi"`
	SNR        float64   `json:"snr"`
	HopCount   int       `json:"hop_count"`
	ObservedAt time.Time `json:"observed_at"`
}

// MessageRecord is the correlation state for a single packet.
type MessageRecord struct {
	PacketID           PacketID          `json:"packet_id"`
	ChatEventID        string            `json:"chat_event_id,omitempty"`
	Text               string            `json:"text"`
	SenderID           string            `json:"sender_id"`
	Reports            []ReceptionReport `json:"reports"`
	ChildIDs           []PacketID        `json:"child_ids,omitempty"`
	ParentID           PacketID          `json:"parent_id,omitempty"`
	RenderMode         RenderMode        `json:"render_mode"`
	RelatedChatEventID string            `json:"related_chat_event_id,omitempty"`
	LastUpdate         time.Time         `json:"last_update"`
}

// HasParent reports whether the record is attached to another record.
func (r *MessageRecord) HasParent() bool {
	return r.ParentID != 0
}

// IsPiggyback reports whether the record is a reaction that is rendered
// through its parent's chat message instead of owning one.
func (r *MessageRecord) IsPiggyback() bool {
	return r.HasParent() && r.ChatEventID == ""
}

// AnchorEventID returns the chat event that visibly represents the record:
// the originating chat message for chat-originated records, otherwise the
// record's own chat message.
func (r *MessageRecord) AnchorEventID() string {
	if r.RenderMode == RenderCompactStats && r.RelatedChatEventID != "" {
		return r.RelatedChatEventID
	}
	return r.ChatEventID
}

// HasGateway reports whether a report from the given gateway is already attached.
func (r *MessageRecord) HasGateway(gatewayID string) bool {
	return slices.ContainsFunc(r.Reports, func(rep ReceptionReport) bool {
		return rep.GatewayID == gatewayID
	})
}

// AddReport appends the report unless one from the same gateway exists.
// Returns false when the report was dropped.
func (r *MessageRecord) AddReport(rep ReceptionReport, now time.Time) bool {
	if r.HasGateway(rep.GatewayID) {
		return false
	}
	r.Reports = append(r.Reports, rep)
	r.LastUpdate = now
	return true
}

// AddChild attaches a reaction record id, keeping arrival order.
func (r *MessageRecord) AddChild(id PacketID, now time.Time) {
	if slices.Contains(r.ChildIDs, id) {
		return
	}
	r.ChildIDs = append(r.ChildIDs, id)
	r.LastUpdate = now
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *MessageRecord) Clone() *MessageRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Reports = slices.Clone(r.Reports)
	cp.ChildIDs = slices.Clone(r.ChildIDs)
	return &cp
}
