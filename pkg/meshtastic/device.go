// Copyright 2024-2026 Aiku AI

package meshtastic

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

const (
	DefaultDevicePort = 4403
	DefaultHopLimit   = 3

	deviceTransport   = "device"
	heartbeatInterval = 5 * time.Minute
	writeTimeout      = 10 * time.Second
)

// DeviceOptions configures the direct link to a radio.
type DeviceOptions struct {
	Host string
	Port int
	// ChannelIndex is the channel outbound messages are sent on.
	ChannelIndex int
	// PSK decrypts packets the radio forwards still encrypted.
	PSK            []byte
	ReconnectDelay time.Duration
}

// Device is a TCP link to a single radio using the Meshtastic stream API.
// It receives everything the radio hears and transmits on its behalf.
type Device struct {
	log  zerolog.Logger
	opts DeviceOptions
	sink relay.MeshSink
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	writeMu sync.Mutex

	mu        sync.RWMutex
	conn      net.Conn
	localNode uint32
	channels  map[uint32]string
}

var _ relay.MeshSender = (*Device)(nil)

// NewDevice creates a device link that submits received packets to sink.
func NewDevice(log zerolog.Logger, opts DeviceOptions, sink relay.MeshSink) *Device {
	if opts.Port == 0 {
		opts.Port = DefaultDevicePort
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	var dialer net.Dialer
	return &Device{
		log:      log.With().Str("component", "device").Logger(),
		opts:     opts,
		sink:     sink,
		dial:     dialer.DialContext,
		channels: make(map[uint32]string),
	}
}

func (d *Device) addr() string {
	return net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))
}

// Run keeps the link up until ctx is cancelled, reconnecting with
// exponential backoff after every failure.
func (d *Device) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.ReconnectDelay
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)

	for {
		established, err := d.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		d.log.Warn().Err(err).Dur("retry_in", wait).Msg("Meshtastic device link down")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (d *Device) session(ctx context.Context) (bool, error) {
	d.log.Info().Str("addr", d.addr()).Msg("Connecting to Meshtastic device")
	conn, err := d.dial(ctx, "tcp", d.addr())
	if err != nil {
		return false, fmt.Errorf("failed to connect to %s: %w", d.addr(), err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer d.detach(conn)

	configID := randomID()
	if err = d.write(conn, &ToRadio{WantConfigID: configID}); err != nil {
		return false, fmt.Errorf("failed to request device config: %w", err)
	}
	d.attach(conn)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.heartbeat(sessionCtx, conn)

	frames := newFrameReader(conn)
	for {
		frame, err := frames.Next()
		if err != nil {
			return true, fmt.Errorf("failed to read from device: %w", err)
		}
		msg, err := UnmarshalFromRadio(frame)
		if err != nil {
			packetsTotal.WithLabelValues(deviceTransport, "undecodable").Inc()
			d.log.Debug().Err(err).Msg("Ignoring undecodable frame")
			continue
		}
		d.handleFromRadio(msg, configID)
	}
}

func (d *Device) attach(conn net.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	linkUp.WithLabelValues(deviceTransport).Set(1)
}

func (d *Device) detach(conn net.Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	_ = conn.Close()
	linkUp.WithLabelValues(deviceTransport).Set(0)
}

func (d *Device) heartbeat(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.write(conn, &ToRadio{Heartbeat: true}); err != nil {
				d.log.Warn().Err(err).Msg("Failed to send heartbeat")
				_ = conn.Close()
				return
			}
		}
	}
}

func (d *Device) handleFromRadio(msg *FromRadio, configID uint32) {
	switch {
	case msg.MyNodeNum != 0:
		d.mu.Lock()
		d.localNode = msg.MyNodeNum
		d.mu.Unlock()
		d.log.Info().Str("local_node_id", FormatNodeID(msg.MyNodeNum)).Msg("Connected to Meshtastic device")
	case msg.NodeInfo != nil && msg.NodeInfo.User != nil:
		d.sink.SubmitNodeInfo(relay.NodeInfo{
			NodeID:    FormatNodeID(msg.NodeInfo.Num),
			ShortName: msg.NodeInfo.User.ShortName,
			LongName:  msg.NodeInfo.User.LongName,
		})
	case msg.Channel != nil:
		d.mu.Lock()
		d.channels[uint32(msg.Channel.Index)] = msg.Channel.Name
		d.mu.Unlock()
	case msg.ConfigCompleteID != 0:
		if msg.ConfigCompleteID == configID {
			d.log.Debug().Msg("Device configuration stream complete")
		}
	case msg.Packet != nil:
		d.mu.RLock()
		gateway := d.localNode
		channel := d.channels[msg.Packet.Channel]
		d.mu.RUnlock()
		obs := &observation{
			packet:      msg.Packet,
			gatewayID:   FormatNodeID(gateway),
			channelName: channel,
			envelope:    packetFields(msg.Packet),
		}
		obs.route(&d.log, deviceTransport, d.opts.PSK, d.sink)
	}
}

// LocalNodeID returns the attached radio's node id, or "" before the radio
// has identified itself.
func (d *Device) LocalNodeID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.localNode == 0 {
		return ""
	}
	return FormatNodeID(d.localNode)
}

// Connected reports whether the link is currently up.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn != nil
}

func (d *Device) write(conn net.Conn, msg *ToRadio) error {
	frame, err := encodeFrame(msg.Marshal())
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frame)
	return err
}

func (d *Device) transmit(ctx context.Context, data *Data) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		return 0, relay.ErrNotConnected
	}
	pkt := &MeshPacket{
		To:       BroadcastNum,
		Channel:  uint32(d.opts.ChannelIndex),
		ID:       randomID(),
		HopLimit: DefaultHopLimit,
		Decoded:  data,
	}
	if err := d.write(conn, &ToRadio{Packet: pkt}); err != nil {
		// Force the read loop to notice and reconnect.
		_ = conn.Close()
		return 0, fmt.Errorf("failed to write to device: %w", err)
	}
	return pkt.ID, nil
}

// SendText broadcasts text on the configured channel, as a reply when
// replyID is set.
func (d *Device) SendText(ctx context.Context, text string, replyID relay.PacketID) (relay.PacketID, error) {
	id, err := d.transmit(ctx, &Data{
		PortNum: uint32(relay.PortText),
		Payload: []byte(text),
		ReplyID: uint32(replyID),
	})
	if err != nil {
		return 0, err
	}
	return relay.PacketID(id), nil
}

// SendReaction sends a tapback for target on the reaction port.
func (d *Device) SendReaction(ctx context.Context, target relay.PacketID, symbol string) error {
	_, err := d.transmit(ctx, &Data{
		PortNum: uint32(relay.PortReaction),
		Payload: []byte(symbol),
		ReplyID: uint32(target),
		Emoji:   1,
	})
	return err
}

func randomID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}
