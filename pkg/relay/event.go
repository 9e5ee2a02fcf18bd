// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// PortNum is the mesh application port a packet was sent on.
type PortNum int

const (
	PortUnknown  PortNum = 0
	PortText     PortNum = 1
	PortNodeInfo PortNum = 4
	PortReaction PortNum = 68
)

// Fields is a read-only bag of scalar values decoded from a packet or its
// envelope. Values are limited to string, bool, signed/unsigned integers and
// floats. It is only consulted by reply resolution.
type Fields map[string]any

// Int returns the field as an integer if it holds one (or a string of digits).
func (f Fields) Int(key string) (int64, bool) {
	v, ok := f[key]
	if !ok {
		return 0, false
	}
	return scalarInt(v)
}

// Keys returns the field names in a stable order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func scalarInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// MeshEvent is a packet observation normalized by a mesh transport.
type MeshEvent struct {
	PacketID    PacketID
	SenderID    string
	Port        PortNum
	Channel     int
	ChannelName string

	// Text and Emoji are the explicit text/emoji fields of the decoded
	// payload; Payload is the raw application payload.
	Text    string
	Emoji   string
	Payload []byte

	Decoded  Fields
	Envelope Fields

	Report ReceptionReport
}

// ExtractText returns the message text, preferring the explicit text field,
// then the emoji field, then the raw payload for reaction-port packets.
func (e *MeshEvent) ExtractText() string {
	switch {
	case e.Text != "":
		return e.Text
	case e.Emoji != "":
		return e.Emoji
	case e.Port == PortReaction && len(e.Payload) > 0 && utf8.Valid(e.Payload):
		return string(e.Payload)
	default:
		return ""
	}
}

// NodeInfo is a node identity announcement heard on the mesh.
type NodeInfo struct {
	NodeID    string
	ShortName string
	LongName  string
}

// ChatMessage is a text message posted in the chat room.
type ChatMessage struct {
	EventID    string
	SenderID   string
	SenderName string
	Body       string
	// ReplyTo is the chat event the message replies to, if any.
	ReplyTo string
}

// RenderedMessage is a chat body in plain and HTML form.
type RenderedMessage struct {
	Text     string
	RichText string
}

// ChatSender posts and edits messages in the chat room.
type ChatSender interface {
	// Send posts a new message, optionally as a reply, and returns its event id.
	Send(ctx context.Context, msg RenderedMessage, replyTo string) (string, error)
	Edit(ctx context.Context, eventID string, msg RenderedMessage) error
}

// AnchoredSender is implemented by chat senders that can attach a message
// to an existing event without rendering it as a reply.
type AnchoredSender interface {
	SendAnchored(ctx context.Context, msg RenderedMessage, anchor string) (string, error)
}

// MeshSender transmits on the mesh.
type MeshSender interface {
	// SendText transmits text, optionally as a reply, and returns the
	// packet id assigned to the transmission.
	SendText(ctx context.Context, text string, replyID PacketID) (PacketID, error)
	SendReaction(ctx context.Context, target PacketID, symbol string) error
}

// NameResolver maps a node id to a display name. It never fails and falls
// back to returning the id.
type NameResolver interface {
	ResolveName(ctx context.Context, id string) string
}

// RecordStore persists correlation records. Every Save is a full upsert.
type RecordStore interface {
	LoadAll(ctx context.Context) ([]*MessageRecord, error)
	Save(ctx context.Context, rec *MessageRecord) error
	Delete(ctx context.Context, ids []PacketID) error
}
