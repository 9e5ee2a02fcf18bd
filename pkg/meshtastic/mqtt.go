// Copyright 2024-2026 Aiku AI

package meshtastic

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

const (
	DefaultMQTTPort       = 1883
	DefaultReconnectDelay = 5 * time.Second

	mqttTransport = "mqtt"
)

// MQTTOptions configures the MQTT uplink.
type MQTTOptions struct {
	Broker   string
	Port     int
	Username string
	Password string
	// Topic is the root topic gateways publish under, e.g. "msh/EU_868/2/e/".
	Topic  string
	UseTLS bool
	// PSK decrypts packets gateways forward without decoding them.
	PSK []byte
	// ReconnectDelay is the initial wait between failed connection attempts.
	ReconnectDelay time.Duration
}

// MQTTUplink receives mesh traffic that gateways publish to an MQTT broker.
// It only listens; transmitting goes through the device link.
type MQTTUplink struct {
	log  zerolog.Logger
	opts MQTTOptions
	sink relay.MeshSink

	client mqtt.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMQTTUplink creates an uplink that submits decoded packets to sink.
func NewMQTTUplink(log zerolog.Logger, opts MQTTOptions, sink relay.MeshSink) *MQTTUplink {
	if opts.Port == 0 {
		opts.Port = DefaultMQTTPort
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	u := &MQTTUplink{
		log:  log.With().Str("component", "mqtt").Logger(),
		opts: opts,
		sink: sink,
	}
	u.client = mqtt.NewClient(u.clientOptions())
	return u
}

func (u *MQTTUplink) brokerURL() string {
	scheme := "tcp"
	if u.opts.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, u.opts.Broker, u.opts.Port)
}

func (u *MQTTUplink) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(u.brokerURL()).
		SetClientID("meshbridge-" + uuid.NewString()[:8]).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetOnConnectHandler(u.onConnect).
		SetConnectionLostHandler(u.onConnectionLost)
	if u.opts.Username != "" && u.opts.Password != "" {
		opts.SetUsername(u.opts.Username).SetPassword(u.opts.Password)
	}
	if u.opts.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Start connects in the background, retrying until the broker accepts the
// connection or Stop is called. Later disconnects are handled by the client's
// own reconnect logic.
func (u *MQTTUplink) Start(ctx context.Context) error {
	if u.opts.Broker == "" {
		return fmt.Errorf("mqtt broker is not configured")
	}
	ctx, u.cancel = context.WithCancel(ctx)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.connectLoop(ctx)
	}()
	return nil
}

func (u *MQTTUplink) connectLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.opts.ReconnectDelay
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	op := func() error {
		u.log.Info().Str("broker", u.brokerURL()).Msg("Connecting to MQTT broker")
		token := u.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		return token.Error()
	}
	notify := func(err error, wait time.Duration) {
		u.log.Err(err).Dur("retry_in", wait).Msg("Failed to connect to MQTT broker")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil && ctx.Err() == nil {
		u.log.Err(err).Msg("Gave up connecting to MQTT broker")
	}
}

// Stop disconnects from the broker.
func (u *MQTTUplink) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
	if u.client.IsConnectionOpen() {
		u.client.Disconnect(250)
	}
	linkUp.WithLabelValues(mqttTransport).Set(0)
}

// SubscriptionTopic returns the wildcard subscription for a root topic.
func SubscriptionTopic(topic string) string {
	switch {
	case topic == "":
		return "msh/#"
	case strings.HasSuffix(topic, "#"):
		return topic
	case strings.HasSuffix(topic, "/"):
		return topic + "#"
	default:
		return topic + "/#"
	}
}

func (u *MQTTUplink) onConnect(client mqtt.Client) {
	linkUp.WithLabelValues(mqttTransport).Set(1)
	topic := SubscriptionTopic(u.opts.Topic)
	u.log.Info().Str("topic", topic).Msg("Connected to MQTT broker, subscribing")
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		u.handleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.WaitTimeout(30*time.Second) && token.Error() != nil {
			u.log.Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe")
		}
	}()
}

func (u *MQTTUplink) onConnectionLost(_ mqtt.Client, err error) {
	linkUp.WithLabelValues(mqttTransport).Set(0)
	u.log.Warn().Err(err).Msg("Lost connection to MQTT broker")
}

// topicParts extracts the channel name and gateway id from a Meshtastic
// topic such as "msh/EU_868/2/e/LongFast/!a1b2c3d4".
func topicParts(topic string) (channel, gateway string) {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part != "e" && part != "c" && part != "json" {
			continue
		}
		if i+1 < len(parts) {
			channel = parts[i+1]
		}
		if i+2 < len(parts) {
			gateway = parts[i+2]
		}
	}
	return
}

func (u *MQTTUplink) handleMessage(topic string, payload []byte) {
	channel, topicGateway := topicParts(topic)
	if strings.Contains(topic, "/json/") {
		packetsTotal.WithLabelValues(mqttTransport, "ignored_json").Inc()
		return
	}
	env, err := UnmarshalServiceEnvelope(payload)
	if err != nil || env.Packet == nil {
		packetsTotal.WithLabelValues(mqttTransport, "undecodable").Inc()
		u.log.Debug().Err(err).Str("topic", topic).Msg("Ignoring non-envelope MQTT message")
		return
	}

	gateway := env.GatewayID
	if gateway == "" {
		gateway = topicGateway
	}
	if channel == "" {
		channel = env.ChannelID
	}
	fields := packetFields(env.Packet)
	fields["channel_id"] = env.ChannelID
	fields["gateway_id"] = env.GatewayID
	obs := &observation{
		packet:      env.Packet,
		gatewayID:   gateway,
		channelName: channel,
		envelope:    fields,
	}
	obs.route(&u.log, mqttTransport, u.opts.PSK, u.sink)
}
