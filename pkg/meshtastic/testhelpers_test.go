// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshtastic

import (
	"net"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

// chanSink collects submissions from transports on buffered channels.
type chanSink struct {
	events chan *relay.MeshEvent
	nodes  chan relay.NodeInfo
}

func newChanSink() *chanSink {
	return &chanSink{
		events: make(chan *relay.MeshEvent, 16),
		nodes:  make(chan relay.NodeInfo, 16),
	}
}

func (s *chanSink) SubmitMeshEvent(evt *relay.MeshEvent) { s.events <- evt }
func (s *chanSink) SubmitNodeInfo(info relay.NodeInfo)   { s.nodes <- info }

func (s *chanSink) nextEvent(t *testing.T) *relay.MeshEvent {
	t.Helper()
	select {
	case evt := <-s.events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mesh event")
		return nil
	}
}

func (s *chanSink) nextNode(t *testing.T) relay.NodeInfo {
	t.Helper()
	select {
	case info := <-s.nodes:
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for node info")
		return relay.NodeInfo{}
	}
}

func (s *chanSink) assertEmpty(t *testing.T) {
	t.Helper()
	if len(s.events) != 0 || len(s.nodes) != 0 {
		t.Errorf("expected no submissions, got %d events and %d nodes", len(s.events), len(s.nodes))
	}
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func userBytes(id, long, short string) []byte {
	var b []byte
	b = appendMessage(b, 1, []byte(id))
	b = appendMessage(b, 2, []byte(long))
	return appendMessage(b, 3, []byte(short))
}

func fromRadioMyInfo(num uint32) []byte {
	return appendMessage(nil, 3, appendVarint(nil, 1, uint64(num)))
}

func fromRadioNodeInfo(num uint32, short, long string) []byte {
	info := appendVarint(nil, 1, uint64(num))
	info = appendMessage(info, 2, userBytes(FormatNodeID(num), long, short))
	return appendMessage(nil, 4, info)
}

func fromRadioChannel(index int, name string) []byte {
	ch := appendVarint(nil, 1, uint64(index))
	ch = appendMessage(ch, 2, appendMessage(nil, 3, []byte(name)))
	return appendMessage(nil, 10, ch)
}

func fromRadioPacket(p *MeshPacket) []byte {
	return appendMessage(nil, 2, p.Marshal())
}

func fromRadioConfigComplete(id uint32) []byte {
	return appendVarint(nil, 7, uint64(id))
}

type decodedToRadio struct {
	packet       *MeshPacket
	wantConfigID uint32
	heartbeat    bool
}

func decodeToRadio(b []byte) (*decodedToRadio, error) {
	var out decodedToRadio
	err := walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			out.packet, err = UnmarshalMeshPacket(f.buf)
		case 3:
			out.wantConfigID = f.u32()
		case 7:
			out.heartbeat = true
		}
		return err
	})
	return &out, err
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if _, err = conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}
