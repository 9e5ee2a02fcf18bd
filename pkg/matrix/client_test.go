// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

const (
	testRoomID = id.RoomID("!room:example.org")
	testBotID  = id.UserID("@bot:example.org")
)

type sentEvent struct {
	Path    string
	Content map[string]any
}

// fakeHomeserver implements the handful of client-server endpoints the
// bridge calls.
type fakeHomeserver struct {
	mu          sync.Mutex
	sent        []sentEvent
	logins      int
	joined      []string
	roomNames   map[string]string
	globalNames map[string]string
	nextEvent   int
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	hs := &fakeHomeserver{
		roomNames:   map[string]string{},
		globalNames: map[string]string{},
	}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	return hs, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
}

func (hs *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/login") && r.Method == http.MethodPost:
		hs.logins++
		writeJSON(w, http.StatusOK, map[string]string{
			"user_id":      testBotID.String(),
			"access_token": "syt_issued",
			"device_id":    "DEVICE",
		})
	case strings.HasSuffix(path, "/account/whoami"):
		if r.Header.Get("Authorization") != "Bearer syt_preset" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "bad token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": testBotID.String(), "device_id": "PRESET"})
	case strings.Contains(path, "/directory/room/"):
		if strings.HasSuffix(path, "#mesh:example.org") {
			writeJSON(w, http.StatusOK, map[string]any{"room_id": testRoomID.String(), "servers": []string{"example.org"}})
			return
		}
		notFound(w)
	case strings.HasSuffix(path, "/join"):
		hs.joined = append(hs.joined, path)
		writeJSON(w, http.StatusOK, map[string]string{"room_id": testRoomID.String()})
	case strings.Contains(path, "/send/m.room.message/"):
		body, _ := io.ReadAll(r.Body)
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		hs.sent = append(hs.sent, sentEvent{Path: path, Content: content})
		hs.nextEvent++
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$sent" + string(rune('0'+hs.nextEvent))})
	case strings.Contains(path, "/state/m.room.member/"):
		user := path[strings.LastIndex(path, "/")+1:]
		if name, ok := hs.roomNames[user]; ok {
			writeJSON(w, http.StatusOK, map[string]string{"membership": "join", "displayname": name})
			return
		}
		notFound(w)
	case strings.HasSuffix(path, "/displayname"):
		user := strings.TrimSuffix(path[strings.Index(path, "/profile/")+len("/profile/"):], "/displayname")
		if name, ok := hs.globalNames[user]; ok {
			writeJSON(w, http.StatusOK, map[string]string{"displayname": name})
			return
		}
		notFound(w)
	default:
		notFound(w)
	}
}

func (hs *fakeHomeserver) Sent() []sentEvent {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]sentEvent(nil), hs.sent...)
}

type recordingSink struct {
	mu        sync.Mutex
	messages  []relay.ChatMessage
	reactions [][2]string
}

func (s *recordingSink) SubmitChatMessage(msg relay.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) SubmitChatReaction(target, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, [2]string{target, symbol})
}

func newLoggedInClient(t *testing.T, password, room string) (*Client, *fakeHomeserver, *recordingSink) {
	t.Helper()
	hs, srv := newFakeHomeserver(t)
	sink := &recordingSink{}
	c, err := New(zerolog.Nop(), Options{
		Homeserver: srv.URL,
		UserID:     testBotID.String(),
		Password:   password,
		Room:       room,
	}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err = c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c, hs, sink
}

func TestLogin_Password(t *testing.T) {
	t.Parallel()
	c, hs, _ := newLoggedInClient(t, "hunter2", testRoomID.String())
	if hs.logins != 1 {
		t.Errorf("logins: got %d, want 1", hs.logins)
	}
	if c.RoomID() != testRoomID.String() || c.UserID() != testBotID.String() {
		t.Errorf("room %q user %q", c.RoomID(), c.UserID())
	}
	if len(hs.joined) != 1 {
		t.Errorf("joins: %v", hs.joined)
	}
}

func TestLogin_AccessTokenAndAlias(t *testing.T) {
	t.Parallel()
	c, hs, _ := newLoggedInClient(t, "syt_preset", "#mesh:example.org")
	if hs.logins != 0 {
		t.Errorf("access token should skip password login, got %d logins", hs.logins)
	}
	if c.RoomID() != testRoomID.String() {
		t.Errorf("alias should resolve to %s, got %q", testRoomID, c.RoomID())
	}
}

func TestLogin_UnknownAlias(t *testing.T) {
	t.Parallel()
	_, srv := newFakeHomeserver(t)
	c, err := New(zerolog.Nop(), Options{Homeserver: srv.URL, UserID: testBotID.String(), Password: "pw", Room: "#missing:example.org"}, &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err = c.Login(context.Background()); err == nil {
		t.Error("unknown alias should fail login")
	}
}

func TestSendEditAnchored(t *testing.T) {
	t.Parallel()
	c, hs, _ := newLoggedInClient(t, "pw", testRoomID.String())
	ctx := context.Background()
	msg := relay.RenderedMessage{Text: "!a: hi", RichText: "<b>!a</b>: hi"}

	first, err := c.Send(ctx, msg, "")
	if err != nil || first == "" {
		t.Fatalf("Send: %q, %v", first, err)
	}
	if _, err = c.Send(ctx, msg, "$parent"); err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	if err = c.Edit(ctx, first, relay.RenderedMessage{Text: "edited"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if _, err = c.SendAnchored(ctx, relay.RenderedMessage{Text: "*(stats)*"}, "$orig"); err != nil {
		t.Fatalf("SendAnchored: %v", err)
	}

	sent := hs.Sent()
	if len(sent) != 4 {
		t.Fatalf("sent events: got %d, want 4", len(sent))
	}
	if sent[0].Content["format"] != "org.matrix.custom.html" || sent[0].Content["formatted_body"] != "<b>!a</b>: hi" {
		t.Errorf("plain send: %v", sent[0].Content)
	}
	rel, _ := sent[1].Content["m.relates_to"].(map[string]any)
	reply, _ := rel["m.in_reply_to"].(map[string]any)
	if reply["event_id"] != "$parent" {
		t.Errorf("reply relation: %v", sent[1].Content)
	}
	rel, _ = sent[2].Content["m.relates_to"].(map[string]any)
	newContent, _ := sent[2].Content["m.new_content"].(map[string]any)
	if rel["rel_type"] != "m.replace" || rel["event_id"] != first || newContent["body"] != "edited" || sent[2].Content["body"] != "* edited" {
		t.Errorf("edit: %v", sent[2].Content)
	}
	rel, _ = sent[3].Content["m.relates_to"].(map[string]any)
	if rel["rel_type"] != "m.reference" || rel["event_id"] != "$orig" {
		t.Errorf("anchored: %v", sent[3].Content)
	}
}

func TestSend_NotLoggedIn(t *testing.T) {
	t.Parallel()
	c, err := New(zerolog.Nop(), Options{Homeserver: "https://example.org"}, &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err = c.Send(context.Background(), relay.RenderedMessage{Text: "x"}, ""); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Send before login: got %v", err)
	}
	if err = c.Run(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Run before login: got %v", err)
	}
}

func messageEvent(sender id.UserID, evtID id.EventID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		RoomID:    testRoomID,
		Sender:    sender,
		ID:        evtID,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()
	c, hs, sink := newLoggedInClient(t, "pw", testRoomID.String())
	hs.mu.Lock()
	hs.roomNames["@alice:example.org"] = "Alice (mesh)"
	hs.globalNames["@bob:example.org"] = "Bob"
	hs.mu.Unlock()
	c.startedAt = time.Now().Add(-time.Minute)
	ctx := context.Background()

	c.handleMessage(ctx, messageEvent("@alice:example.org", "$m1", &event.MessageEventContent{
		MsgType: event.MsgText, Body: "hello mesh",
	}))
	reply := &event.MessageEventContent{MsgType: event.MsgText, Body: "> <@x:y> quoted\n\nsure"}
	reply.RelatesTo = (&event.RelatesTo{}).SetReplyTo("$target")
	c.handleMessage(ctx, messageEvent("@bob:example.org", "$m2", reply))
	c.handleMessage(ctx, messageEvent("@carol:example.org", "$m3", &event.MessageEventContent{
		MsgType: event.MsgText, Body: "no names",
	}))

	// Ignored: own echo, other room, notices, edits, stale history.
	c.handleMessage(ctx, messageEvent(testBotID, "$own", &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"}))
	other := messageEvent("@alice:example.org", "$other", &event.MessageEventContent{MsgType: event.MsgText, Body: "elsewhere"})
	other.RoomID = "!other:example.org"
	c.handleMessage(ctx, other)
	c.handleMessage(ctx, messageEvent("@alice:example.org", "$notice", &event.MessageEventContent{MsgType: event.MsgNotice, Body: "bot"}))
	edit := &event.MessageEventContent{MsgType: event.MsgText, Body: "* fixed"}
	edit.RelatesTo = &event.RelatesTo{Type: event.RelReplace, EventID: "$m1"}
	c.handleMessage(ctx, messageEvent("@alice:example.org", "$edit", edit))
	old := messageEvent("@alice:example.org", "$old", &event.MessageEventContent{MsgType: event.MsgText, Body: "history"})
	old.Timestamp = c.startedAt.Add(-time.Hour).UnixMilli()
	c.handleMessage(ctx, old)

	if len(sink.messages) != 3 {
		t.Fatalf("relayed messages: got %d, want 3: %+v", len(sink.messages), sink.messages)
	}
	if m := sink.messages[0]; m.SenderName != "Alice (mesh)" || m.Body != "hello mesh" || m.EventID != "$m1" {
		t.Errorf("first: %+v", m)
	}
	if m := sink.messages[1]; m.SenderName != "Bob" || m.ReplyTo != "$target" {
		t.Errorf("reply: %+v", m)
	}
	if m := sink.messages[2]; m.SenderName != "@carol:example.org" {
		t.Errorf("fallback name: %+v", m)
	}
}

func TestHandleReaction(t *testing.T) {
	t.Parallel()
	c, _, sink := newLoggedInClient(t, "pw", testRoomID.String())
	c.startedAt = time.Now().Add(-time.Minute)

	reaction := &event.Event{
		Type:      event.EventReaction,
		RoomID:    testRoomID,
		Sender:    "@alice:example.org",
		ID:        "$r1",
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{Parsed: &event.ReactionEventContent{RelatesTo: event.RelatesTo{
			Type: event.RelAnnotation, EventID: "$target", Key: "👍",
		}}},
	}
	c.handleReaction(context.Background(), reaction)

	own := *reaction
	own.Sender = testBotID
	c.handleReaction(context.Background(), &own)

	if len(sink.reactions) != 1 || sink.reactions[0] != [2]string{"$target", "👍"} {
		t.Errorf("reactions: %v", sink.reactions)
	}
}

func TestDisplayNameCache(t *testing.T) {
	t.Parallel()
	c, hs, _ := newLoggedInClient(t, "pw", testRoomID.String())
	hs.mu.Lock()
	hs.globalNames["@dave:example.org"] = "Dave"
	hs.mu.Unlock()

	ctx := context.Background()
	if name := c.DisplayName(ctx, "@dave:example.org"); name != "Dave" {
		t.Fatalf("DisplayName: %q", name)
	}
	hs.mu.Lock()
	hs.globalNames["@dave:example.org"] = "David"
	hs.mu.Unlock()
	if name := c.DisplayName(ctx, "@dave:example.org"); name != "Dave" {
		t.Errorf("cached name should be reused, got %q", name)
	}
}
