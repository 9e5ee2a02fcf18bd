// Copyright 2024-2026 Aiku AI

package relay

import (
	"testing"

	"github.com/rs/zerolog"
)

// fakeState is a stateView backed by a fixed set of known ids.
type fakeState struct {
	known   map[PacketID]bool
	lastNew PacketID
	local   string
}

func (s *fakeState) Known(id PacketID) bool { return s.known[id] }

func (s *fakeState) LastNew() (PacketID, bool) { return s.lastNew, s.lastNew != 0 }

func (s *fakeState) LocalNodeID() string { return s.local }

func newFakeState(lastNew PacketID, known ...PacketID) *fakeState {
	st := &fakeState{known: make(map[PacketID]bool), lastNew: lastNew, local: "!LOCAL"}
	for _, id := range known {
		st.known[id] = true
	}
	return st
}

func TestIsReactionLike(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"👍", true},
		{"  ❤️  ", true},
		{"+1", true},
		{"!!!", true},
		{"ok", false},
		{"👍 nice", false},
		{"12345678901", true},
		{"123456789012", false},
		{"", true},
		{"ÿ", true},
	}
	for _, tt := range tests {
		if got := IsReactionLike(tt.text); got != tt.want {
			t.Errorf("IsReactionLike(%q): got %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()
	tests := []struct {
		name     string
		evt      *MeshEvent
		text     string
		state    *fakeState
		wantKind Kind
		wantID   PacketID
		wantText string
		wantStep string
	}{
		{
			name:     "plain new",
			evt:      &MeshEvent{PacketID: 10, SenderID: "!A", Port: PortText},
			text:     "hello",
			state:    newFakeState(0),
			wantKind: KindNew,
			wantText: "hello",
		},
		{
			name:     "duplicate",
			evt:      &MeshEvent{PacketID: 10, SenderID: "!A", Port: PortText},
			text:     "hello",
			state:    newFakeState(0, 10),
			wantKind: KindDuplicate,
			wantText: "hello",
		},
		{
			name:     "explicit decoded field",
			evt:      &MeshEvent{PacketID: 11, Port: PortText, Decoded: Fields{"replyId": uint32(5)}},
			text:     "sure",
			state:    newFakeState(0, 5),
			wantKind: KindReply,
			wantID:   5,
			wantText: "sure",
			wantStep: "explicit_field",
		},
		{
			name:     "explicit envelope field",
			evt:      &MeshEvent{PacketID: 11, Port: PortText, Envelope: Fields{"reply_to": "5"}},
			text:     "sure",
			state:    newFakeState(0, 5),
			wantKind: KindReply,
			wantID:   5,
			wantText: "sure",
			wantStep: "explicit_field",
		},
		{
			name:     "decoded wins over envelope",
			evt:      &MeshEvent{PacketID: 11, Decoded: Fields{"request_id": 6}, Envelope: Fields{"replyId": 5}},
			text:     "sure",
			state:    newFakeState(0, 5, 6),
			wantKind: KindReply,
			wantID:   6,
			wantText: "sure",
			wantStep: "explicit_field",
		},
		{
			name:     "explicit zero ignored",
			evt:      &MeshEvent{PacketID: 11, Port: PortText, Decoded: Fields{"replyId": 0}},
			text:     "sure",
			state:    newFakeState(0, 5),
			wantKind: KindNew,
			wantText: "sure",
		},
		{
			name:     "explicit field beats orphan heuristic",
			evt:      &MeshEvent{PacketID: 12, Port: PortReaction, Decoded: Fields{"replyId": uint32(5)}},
			text:     "👍",
			state:    newFakeState(9, 5, 9),
			wantKind: KindReply,
			wantID:   5,
			wantText: "👍",
			wantStep: "explicit_field",
		},
		{
			name:     "explicit unknown target degrades to new",
			evt:      &MeshEvent{PacketID: 13, Decoded: Fields{"replyId": uint32(77)}},
			text:     "👍",
			state:    newFakeState(9, 9),
			wantKind: KindNew,
			wantID:   77,
			wantText: "👍",
			wantStep: "explicit_field",
		},
		{
			name:     "deep search finds known id",
			evt:      &MeshEvent{PacketID: 14, Decoded: Fields{"bitfield": 1, "vendorRef": uint32(5)}},
			text:     "roger",
			state:    newFakeState(0, 5),
			wantKind: KindReply,
			wantID:   5,
			wantText: "roger",
			wantStep: "deep_search",
		},
		{
			name:     "deep search skips own id",
			evt:      &MeshEvent{PacketID: 14, Decoded: Fields{"id": uint32(14)}},
			text:     "roger",
			state:    newFakeState(0, 14),
			wantKind: KindDuplicate,
			wantText: "roger",
		},
		{
			name:     "legacy text from peer",
			evt:      &MeshEvent{PacketID: 15, SenderID: "!B"},
			text:     "[Reaction to 5]: 🎉",
			state:    newFakeState(0, 5),
			wantKind: KindReply,
			wantID:   5,
			wantText: "🎉",
			wantStep: "legacy_text",
		},
		{
			name:     "legacy text from self is consumed",
			evt:      &MeshEvent{PacketID: 15, SenderID: "!LOCAL"},
			text:     "[Reaction to 5]: 🎉",
			state:    newFakeState(0, 5),
			wantKind: KindConsumed,
			wantText: "[Reaction to 5]: 🎉",
			wantStep: "legacy_text",
		},
		{
			name:     "legacy text without content is consumed",
			evt:      &MeshEvent{PacketID: 15, SenderID: "!B"},
			text:     "[Reaction to 5]:  ",
			state:    newFakeState(0, 5),
			wantKind: KindConsumed,
			wantText: "[Reaction to 5]:  ",
			wantStep: "legacy_text",
		},
		{
			name:     "orphan reaction-like text",
			evt:      &MeshEvent{PacketID: 16, SenderID: "!C", Port: PortText},
			text:     "👍",
			state:    newFakeState(9, 9),
			wantKind: KindReply,
			wantID:   9,
			wantText: "👍",
			wantStep: "orphan_heuristic",
		},
		{
			name:     "orphan by reaction port",
			evt:      &MeshEvent{PacketID: 16, SenderID: "!C", Port: PortReaction},
			text:     "nice one",
			state:    newFakeState(9, 9),
			wantKind: KindReply,
			wantID:   9,
			wantText: "nice one",
			wantStep: "orphan_heuristic",
		},
		{
			name:     "orphan never targets itself",
			evt:      &MeshEvent{PacketID: 9, SenderID: "!C", Port: PortText},
			text:     "👍",
			state:    newFakeState(9),
			wantKind: KindNew,
			wantText: "👍",
		},
		{
			name:     "orphan without last new",
			evt:      &MeshEvent{PacketID: 17, Port: PortText},
			text:     "👍",
			state:    newFakeState(0),
			wantKind: KindNew,
			wantText: "👍",
		},
		{
			name:     "duplicate of linked reply still duplicate",
			evt:      &MeshEvent{PacketID: 18, Decoded: Fields{"replyId": uint32(5)}},
			text:     "👍",
			state:    newFakeState(0, 5, 18),
			wantKind: KindDuplicate,
			wantID:   5,
			wantText: "👍",
			wantStep: "explicit_field",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.evt, tt.text, tt.state, &log)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind: got %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Target != tt.wantID {
				t.Errorf("Target: got %v, want %v", got.Target, tt.wantID)
			}
			if got.Text != tt.wantText {
				t.Errorf("Text: got %q, want %q", got.Text, tt.wantText)
			}
			if got.Step != tt.wantStep {
				t.Errorf("Step: got %q, want %q", got.Step, tt.wantStep)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		evt  MeshEvent
		want string
	}{
		{"text", MeshEvent{Text: "hi", Emoji: "👍"}, "hi"},
		{"emoji", MeshEvent{Emoji: "👍"}, "👍"},
		{"reaction payload", MeshEvent{Port: PortReaction, Payload: []byte("🎉")}, "🎉"},
		{"text port payload ignored", MeshEvent{Port: PortText, Payload: []byte("raw")}, ""},
		{"invalid utf8", MeshEvent{Port: PortReaction, Payload: []byte{0xc3, 0x28}}, ""},
	}
	for _, tt := range tests {
		if got := tt.evt.ExtractText(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestFieldsInt(t *testing.T) {
	t.Parallel()
	f := Fields{
		"a": 5,
		"b": "12",
		"c": 3.5,
		"d": true,
		"e": uint64(1 << 63),
		"f": float64(42),
	}
	tests := []struct {
		key  string
		want int64
		ok   bool
	}{
		{"a", 5, true},
		{"b", 12, true},
		{"c", 0, false},
		{"d", 0, false},
		{"e", 0, false},
		{"f", 42, true},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := f.Int(tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Int(%q): got %d/%v, want %d/%v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}
