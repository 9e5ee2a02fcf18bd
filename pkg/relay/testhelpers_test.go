// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// chatCall records one call to mockChat.
type chatCall struct {
	Op      string
	EventID string
	ReplyTo string
	Msg     RenderedMessage
}

// mockChat captures sends and edits and hands out sequential event ids.
type mockChat struct {
	mu     sync.Mutex
	calls  []chatCall
	next   int
	failOn map[string]bool
	delay  time.Duration
}

func newMockChat() *mockChat {
	return &mockChat{failOn: make(map[string]bool)}
}

func (m *mockChat) Send(_ context.Context, msg RenderedMessage, replyTo string) (string, error) {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn["send"] {
		m.calls = append(m.calls, chatCall{Op: "send_failed", ReplyTo: replyTo, Msg: msg})
		return "", errors.New("send failed")
	}
	m.next++
	id := fmt.Sprintf("$evt%d", m.next)
	m.calls = append(m.calls, chatCall{Op: "send", EventID: id, ReplyTo: replyTo, Msg: msg})
	return id, nil
}

func (m *mockChat) Edit(_ context.Context, eventID string, msg RenderedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, chatCall{Op: "edit", EventID: eventID, Msg: msg})
	if m.failOn["edit"] {
		return errors.New("edit failed")
	}
	return nil
}

func (m *mockChat) Calls() []chatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *mockChat) CallsOf(op string) []chatCall {
	var out []chatCall
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// anchoredChat adds SendAnchored to mockChat.
type anchoredChat struct {
	*mockChat
}

func (a anchoredChat) SendAnchored(_ context.Context, msg RenderedMessage, anchor string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := fmt.Sprintf("$evt%d", a.next)
	a.calls = append(a.calls, chatCall{Op: "send_anchored", EventID: id, ReplyTo: anchor, Msg: msg})
	return id, nil
}

// meshCall records one call to mockMesh.
type meshCall struct {
	Op      string
	Text    string
	ReplyID PacketID
	Target  PacketID
	At      time.Time
}

// mockMesh captures mesh sends and assigns sequential packet ids.
type mockMesh struct {
	mu     sync.Mutex
	calls  []meshCall
	nextID PacketID
	fail   bool
}

func newMockMesh(firstID PacketID) *mockMesh {
	return &mockMesh{nextID: firstID}
}

func (m *mockMesh) SendText(_ context.Context, text string, replyID PacketID) (PacketID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, ErrNotConnected
	}
	id := m.nextID
	m.nextID++
	m.calls = append(m.calls, meshCall{Op: "text", Text: text, ReplyID: replyID, At: time.Now()})
	return id, nil
}

func (m *mockMesh) SendReaction(_ context.Context, target PacketID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrNotConnected
	}
	m.calls = append(m.calls, meshCall{Op: "reaction", Text: symbol, Target: target, At: time.Now()})
	return nil
}

func (m *mockMesh) Calls() []meshCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// memStore is an in-memory RecordStore.
type memStore struct {
	mu      sync.Mutex
	records map[PacketID]*MessageRecord
	saves   int
	deleted []PacketID
	failAll bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[PacketID]*MessageRecord)}
}

func (s *memStore) LoadAll(context.Context) ([]*MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("load failed")
	}
	out := make([]*MessageRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failAll {
		return errors.New("save failed")
	}
	s.records[rec.PacketID] = rec.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, ids []PacketID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("delete failed")
	}
	for _, id := range ids {
		delete(s.records, id)
	}
	s.deleted = append(s.deleted, ids...)
	return nil
}

func (s *memStore) Get(id PacketID) (*MessageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec.Clone(), ok
}

// mapResolver resolves names from a fixed map and echoes unknown ids.
type mapResolver map[string]string

func (r mapResolver) ResolveName(_ context.Context, id string) string {
	if name, ok := r[id]; ok {
		return name
	}
	return id
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	*Engine
	chat  *mockChat
	mesh  *mockMesh
	store *memStore
	clock *fakeClock
}

func newTestEngine(opts Options) *testEngine {
	te := &testEngine{
		chat:  newMockChat(),
		mesh:  newMockMesh(5000),
		store: newMemStore(),
		clock: newFakeClock(),
	}
	if opts.Now == nil {
		opts.Now = te.clock.Now
	}
	if opts.RoomID == "" {
		opts.RoomID = "!room:example.org"
	}
	te.Engine = NewEngine(zerolog.Nop(), opts, te.chat, te.mesh, nil, te.store)
	return te
}

func meshText(id PacketID, sender, text, gateway string, rssi int, snr float64, hops int) *MeshEvent {
	return &MeshEvent{
		PacketID: id,
		SenderID: sender,
		Port:     PortText,
		Text:     text,
		Report: ReceptionReport{
			GatewayID: gateway,
			RSSI:      rssi,
			SNR:       snr,
			HopCount:  hops,
		},
	}
}
