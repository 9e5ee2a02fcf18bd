// Copyright 2024-2026 Aiku AI

package meshtastic

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The message types below mirror the subset of the Meshtastic protobufs the
// bridge reads and writes. Field numbers follow mesh.proto and mqtt.proto.

// ServiceEnvelope wraps a packet published by a gateway over MQTT.
type ServiceEnvelope struct {
	Packet    *MeshPacket
	ChannelID string
	GatewayID string
}

// MeshPacket is a single over-the-air packet.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32
	RxSNR     float32
	HopLimit  uint32
	WantAck   bool
	Priority  uint32
	RxRSSI    int32
	ViaMQTT   bool
	HopStart  uint32
}

// HopCount returns how many hops the packet travelled, or zero when the
// sender did not report its starting hop limit.
func (p *MeshPacket) HopCount() int {
	if p.HopStart == 0 || p.HopStart < p.HopLimit {
		return 0
	}
	return int(p.HopStart - p.HopLimit)
}

// Data is the decoded application payload of a packet.
type Data struct {
	PortNum      uint32
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
	// Unknown holds scalar fields this package does not model, keyed by
	// field number.
	Unknown map[protowire.Number]uint64
}

// User is the identity announced in NODEINFO packets.
type User struct {
	ID        string
	LongName  string
	ShortName string
}

// NodeInfo is a node database entry streamed by a radio during config.
type NodeInfo struct {
	Num  uint32
	User *User
}

// Channel is a channel definition streamed by a radio during config.
type Channel struct {
	Index int32
	Name  string
	PSK   []byte
}

// FromRadio is one message from a directly attached radio.
type FromRadio struct {
	ID               uint32
	Packet           *MeshPacket
	MyNodeNum        uint32
	NodeInfo         *NodeInfo
	ConfigCompleteID uint32
	Channel          *Channel
}

// ToRadio is one message to a directly attached radio.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Heartbeat    bool
}

type field struct {
	num protowire.Number
	typ protowire.Type
	val uint64
	buf []byte
}

func (f field) u32() uint32    { return uint32(f.val) }
func (f field) i32() int32     { return int32(f.val) }
func (f field) flag() bool     { return f.val != 0 }
func (f field) f32() float32   { return math.Float32frombits(uint32(f.val)) }
func (f field) str() string    { return string(f.buf) }
func (f field) isBytes() bool  { return f.typ == protowire.BytesType }
func (f field) isScalar() bool { return f.typ != protowire.BytesType }
func (f field) bytes() []byte  { return append([]byte(nil), f.buf...) }

func walkFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.val, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.val = uint64(v)
		case protowire.Fixed64Type:
			f.val, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.buf, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalServiceEnvelope decodes an MQTT ServiceEnvelope.
func UnmarshalServiceEnvelope(b []byte) (*ServiceEnvelope, error) {
	var env ServiceEnvelope
	err := walkFields(b, func(f field) (err error) {
		if !f.isBytes() {
			return nil
		}
		switch f.num {
		case 1:
			env.Packet, err = UnmarshalMeshPacket(f.buf)
		case 2:
			env.ChannelID = f.str()
		case 3:
			env.GatewayID = f.str()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode service envelope: %w", err)
	}
	return &env, nil
}

// UnmarshalMeshPacket decodes a MeshPacket.
func UnmarshalMeshPacket(b []byte) (*MeshPacket, error) {
	var p MeshPacket
	err := walkFields(b, func(f field) (err error) {
		switch {
		case f.num == 4 && f.isBytes():
			p.Decoded, err = UnmarshalData(f.buf)
		case f.num == 5 && f.isBytes():
			p.Encrypted = f.bytes()
		case f.isBytes():
		case f.num == 1:
			p.From = f.u32()
		case f.num == 2:
			p.To = f.u32()
		case f.num == 3:
			p.Channel = f.u32()
		case f.num == 6:
			p.ID = f.u32()
		case f.num == 7:
			p.RxTime = f.u32()
		case f.num == 8:
			p.RxSNR = f.f32()
		case f.num == 9:
			p.HopLimit = f.u32()
		case f.num == 10:
			p.WantAck = f.flag()
		case f.num == 11:
			p.Priority = f.u32()
		case f.num == 12:
			p.RxRSSI = f.i32()
		case f.num == 14:
			p.ViaMQTT = f.flag()
		case f.num == 15:
			p.HopStart = f.u32()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode mesh packet: %w", err)
	}
	return &p, nil
}

// UnmarshalData decodes a Data payload.
func UnmarshalData(b []byte) (*Data, error) {
	var d Data
	err := walkFields(b, func(f field) error {
		switch {
		case f.num == 2 && f.isBytes():
			d.Payload = f.bytes()
		case f.isBytes():
		case f.num == 1:
			d.PortNum = f.u32()
		case f.num == 3:
			d.WantResponse = f.flag()
		case f.num == 4:
			d.Dest = f.u32()
		case f.num == 5:
			d.Source = f.u32()
		case f.num == 6:
			d.RequestID = f.u32()
		case f.num == 7:
			d.ReplyID = f.u32()
		case f.num == 8:
			d.Emoji = f.u32()
		default:
			if d.Unknown == nil {
				d.Unknown = make(map[protowire.Number]uint64)
			}
			d.Unknown[f.num] = f.val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return &d, nil
}

// UnmarshalUser decodes a User announcement.
func UnmarshalUser(b []byte) (*User, error) {
	var u User
	err := walkFields(b, func(f field) error {
		if !f.isBytes() {
			return nil
		}
		switch f.num {
		case 1:
			u.ID = f.str()
		case 2:
			u.LongName = f.str()
		case 3:
			u.ShortName = f.str()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &u, nil
}

func unmarshalNodeInfo(b []byte) (*NodeInfo, error) {
	var ni NodeInfo
	err := walkFields(b, func(f field) (err error) {
		switch {
		case f.num == 1 && f.isScalar():
			ni.Num = f.u32()
		case f.num == 2 && f.isBytes():
			ni.User, err = UnmarshalUser(f.buf)
		}
		return err
	})
	return &ni, err
}

func unmarshalChannel(b []byte) (*Channel, error) {
	var ch Channel
	err := walkFields(b, func(f field) error {
		switch {
		case f.num == 1 && f.isScalar():
			ch.Index = f.i32()
		case f.num == 2 && f.isBytes():
			return walkFields(f.buf, func(s field) error {
				switch {
				case s.num == 2 && s.isBytes():
					ch.PSK = s.bytes()
				case s.num == 3 && s.isBytes():
					ch.Name = s.str()
				}
				return nil
			})
		}
		return nil
	})
	return &ch, err
}

func unmarshalMyNodeNum(b []byte) (num uint32, err error) {
	err = walkFields(b, func(f field) error {
		if f.num == 1 && f.isScalar() {
			num = f.u32()
		}
		return nil
	})
	return
}

// UnmarshalFromRadio decodes a message from a radio's stream API.
func UnmarshalFromRadio(b []byte) (*FromRadio, error) {
	var fr FromRadio
	err := walkFields(b, func(f field) (err error) {
		switch {
		case f.num == 1 && f.isScalar():
			fr.ID = f.u32()
		case f.num == 7 && f.isScalar():
			fr.ConfigCompleteID = f.u32()
		case !f.isBytes():
		case f.num == 2:
			fr.Packet, err = UnmarshalMeshPacket(f.buf)
		case f.num == 3:
			fr.MyNodeNum, err = unmarshalMyNodeNum(f.buf)
		case f.num == 4:
			fr.NodeInfo, err = unmarshalNodeInfo(f.buf)
		case f.num == 10:
			fr.Channel, err = unmarshalChannel(f.buf)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode from-radio message: %w", err)
	}
	return &fr, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// Marshal encodes the Data payload.
func (d *Data) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(d.PortNum))
	b = appendBytesField(b, 2, d.Payload)
	b = appendVarintField(b, 3, boolVarint(d.WantResponse))
	b = appendFixed32Field(b, 4, d.Dest)
	b = appendFixed32Field(b, 5, d.Source)
	b = appendFixed32Field(b, 6, d.RequestID)
	b = appendFixed32Field(b, 7, d.ReplyID)
	b = appendFixed32Field(b, 8, d.Emoji)
	return b
}

// Marshal encodes the packet.
func (p *MeshPacket) Marshal() []byte {
	var b []byte
	b = appendFixed32Field(b, 1, p.From)
	b = appendFixed32Field(b, 2, p.To)
	b = appendVarintField(b, 3, uint64(p.Channel))
	if p.Decoded != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Decoded.Marshal())
	}
	b = appendBytesField(b, 5, p.Encrypted)
	b = appendFixed32Field(b, 6, p.ID)
	b = appendFixed32Field(b, 7, p.RxTime)
	b = appendFixed32Field(b, 8, math.Float32bits(p.RxSNR))
	b = appendVarintField(b, 9, uint64(p.HopLimit))
	b = appendVarintField(b, 10, boolVarint(p.WantAck))
	b = appendVarintField(b, 11, uint64(p.Priority))
	// int32 fields are sign-extended to 64 bits on the wire.
	b = appendVarintField(b, 12, uint64(int64(p.RxRSSI)))
	b = appendVarintField(b, 14, boolVarint(p.ViaMQTT))
	b = appendVarintField(b, 15, uint64(p.HopStart))
	return b
}

// Marshal encodes the envelope.
func (e *ServiceEnvelope) Marshal() []byte {
	var b []byte
	if e.Packet != nil {
		b = appendBytesField(b, 1, e.Packet.Marshal())
	}
	b = appendBytesField(b, 2, []byte(e.ChannelID))
	b = appendBytesField(b, 3, []byte(e.GatewayID))
	return b
}

// Marshal encodes the message for a radio's stream API.
func (t *ToRadio) Marshal() []byte {
	var b []byte
	if t.Packet != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Packet.Marshal())
	}
	b = appendVarintField(b, 3, uint64(t.WantConfigID))
	if t.Heartbeat {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	}
	return b
}
