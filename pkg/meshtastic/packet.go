// Copyright 2024-2026 Aiku AI

package meshtastic

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

// observation is a received packet together with where it was heard.
type observation struct {
	packet      *MeshPacket
	gatewayID   string
	channelName string
	envelope    relay.Fields
}

// decode returns the packet's application payload, decrypting it with key
// when the packet arrived encrypted.
func (o *observation) decode(key []byte) (*Data, error) {
	if o.packet.Decoded != nil {
		return o.packet.Decoded, nil
	}
	if len(o.packet.Encrypted) == 0 {
		return nil, nil
	}
	if key == nil {
		return nil, errNoKey
	}
	plain, err := Decrypt(key, o.packet.ID, o.packet.From, o.packet.Encrypted)
	if err != nil {
		return nil, err
	}
	data, err := UnmarshalData(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to decode decrypted payload: %w", err)
	}
	o.packet.Decoded = data
	return data, nil
}

// route decodes the observation and submits it to sink. Only text, reaction
// and node info packets are forwarded.
func (o *observation) route(log *zerolog.Logger, transport string, key []byte, sink relay.MeshSink) {
	if o.packet.ID == 0 {
		packetsTotal.WithLabelValues(transport, "no_id").Inc()
		return
	}
	data, err := o.decode(key)
	if errors.Is(err, errNoKey) {
		packetsTotal.WithLabelValues(transport, "encrypted").Inc()
		return
	} else if err != nil {
		packetsTotal.WithLabelValues(transport, "undecodable").Inc()
		log.Debug().Err(err).Uint32("packet_id", o.packet.ID).Msg("Failed to decode packet payload")
		return
	} else if data == nil {
		packetsTotal.WithLabelValues(transport, "empty").Inc()
		return
	}

	switch relay.PortNum(data.PortNum) {
	case relay.PortNodeInfo:
		info, err := o.nodeInfo(data)
		if err != nil {
			packetsTotal.WithLabelValues(transport, "undecodable").Inc()
			log.Debug().Err(err).Uint32("packet_id", o.packet.ID).Msg("Failed to decode node info")
			return
		}
		packetsTotal.WithLabelValues(transport, "node_info").Inc()
		sink.SubmitNodeInfo(info)
	case relay.PortText, relay.PortReaction:
		packetsTotal.WithLabelValues(transport, "relayed").Inc()
		sink.SubmitMeshEvent(o.meshEvent(data))
	default:
		packetsTotal.WithLabelValues(transport, "ignored_port").Inc()
	}
}

// nodeInfo converts a NODEINFO payload into a directory update.
func (o *observation) nodeInfo(data *Data) (relay.NodeInfo, error) {
	user, err := UnmarshalUser(data.Payload)
	if err != nil {
		return relay.NodeInfo{}, err
	}
	return relay.NodeInfo{
		NodeID:    FormatNodeID(o.packet.From),
		ShortName: user.ShortName,
		LongName:  user.LongName,
	}, nil
}

// meshEvent converts a text or reaction payload into a relay event.
func (o *observation) meshEvent(data *Data) *relay.MeshEvent {
	pkt := o.packet
	evt := &relay.MeshEvent{
		PacketID:    relay.PacketID(pkt.ID),
		SenderID:    FormatNodeID(pkt.From),
		Port:        relay.PortNum(data.PortNum),
		Channel:     int(pkt.Channel),
		ChannelName: o.channelName,
		Payload:     data.Payload,
		Decoded:     dataFields(data),
		Envelope:    o.envelope,
		Report: relay.ReceptionReport{
			GatewayID: o.gatewayID,
			RSSI:      int(pkt.RxRSSI),
			SNR:       float64(pkt.RxSNR),
			HopCount:  pkt.HopCount(),
		},
	}
	if evt.Port == relay.PortText && utf8.Valid(data.Payload) {
		if data.Emoji != 0 {
			evt.Emoji = string(data.Payload)
		} else {
			evt.Text = string(data.Payload)
		}
	}
	return evt
}

func dataFields(d *Data) relay.Fields {
	fields := relay.Fields{"portnum": d.PortNum}
	if d.ReplyID != 0 {
		fields["reply_id"] = d.ReplyID
	}
	if d.RequestID != 0 {
		fields["request_id"] = d.RequestID
	}
	if d.Emoji != 0 {
		fields["emoji"] = d.Emoji
	}
	if d.WantResponse {
		fields["want_response"] = true
	}
	for num, v := range d.Unknown {
		fields[fmt.Sprintf("field_%d", num)] = v
	}
	return fields
}

func packetFields(p *MeshPacket) relay.Fields {
	return relay.Fields{
		"from":      FormatNodeID(p.From),
		"to":        FormatNodeID(p.To),
		"channel":   p.Channel,
		"hop_limit": p.HopLimit,
		"hop_start": p.HopStart,
		"via_mqtt":  p.ViaMQTT,
	}
}
