// Copyright 2024-2026 Aiku AI

// Package bridge wires the transports, the correlation engine and the store
// into one running process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/config"
	"github.com/aiku/meshtastic-matrix-bridge/pkg/matrix"
	"github.com/aiku/meshtastic-matrix-bridge/pkg/meshtastic"
	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
	"github.com/aiku/meshtastic-matrix-bridge/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Bridge owns every long-running component.
type Bridge struct {
	log zerolog.Logger
	cfg *config.Config

	store      *store.Store
	matrix     *matrix.Client
	device     *meshtastic.Device
	mqtt       *meshtastic.MQTTUplink
	engine     *relay.Engine
	dispatcher *relay.Dispatcher
}

// New creates a bridge. Nothing is opened until Run.
func New(log zerolog.Logger, cfg *config.Config) *Bridge {
	return &Bridge{log: log, cfg: cfg}
}

// transportSink hands transport events to the dispatcher. The transports are
// built before the engine they ultimately feed, so they hold this instead of
// the dispatcher itself.
type transportSink struct {
	b *Bridge
}

func (s transportSink) SubmitMeshEvent(evt *relay.MeshEvent) { s.b.dispatcher.SubmitMeshEvent(evt) }
func (s transportSink) SubmitNodeInfo(info relay.NodeInfo)   { s.b.dispatcher.SubmitNodeInfo(info) }
func (s transportSink) SubmitChatMessage(msg relay.ChatMessage) {
	s.b.dispatcher.SubmitChatMessage(msg)
}
func (s transportSink) SubmitChatReaction(targetEventID, symbol string) {
	s.b.dispatcher.SubmitChatReaction(targetEventID, symbol)
}

func (b *Bridge) init(ctx context.Context) error {
	cfg := b.cfg
	psk, err := meshtastic.ParsePSK(cfg.Meshtastic.ChannelPSK)
	if err != nil {
		return err
	}
	b.store, err = store.Open(ctx, cfg.Database.Path, b.log)
	if err != nil {
		return err
	}

	sink := transportSink{b: b}
	b.matrix, err = matrix.New(b.log, matrix.Options{
		Homeserver: cfg.Matrix.Homeserver,
		UserID:     cfg.Matrix.UserID,
		Password:   cfg.Matrix.Password,
		Room:       cfg.Matrix.Room,
	}, sink)
	if err != nil {
		return err
	}
	if err = b.matrix.Login(ctx); err != nil {
		return err
	}

	opts := relay.Options{
		RoomID:       b.matrix.RoomID(),
		Channels:     cfg.Meshtastic.Channels,
		MaxPayload:   cfg.Relay.MaxPayload,
		ChunkDelay:   cfg.Relay.ChunkDelay,
		QuotePreview: cfg.Relay.QuotePreview,
		MaxAge:       cfg.Relay.MaxAge,
		MaxRecords:   cfg.Relay.MaxRecords,
	}
	var mesh relay.MeshSender
	if cfg.Meshtastic.Host != "" {
		b.device = meshtastic.NewDevice(b.log, meshtastic.DeviceOptions{
			Host:         cfg.Meshtastic.Host,
			Port:         cfg.Meshtastic.Port,
			ChannelIndex: cfg.Meshtastic.ChannelIndex,
			PSK:          psk,
		}, sink)
		mesh = b.device
		opts.LocalNodeID = b.device.LocalNodeID
	} else {
		b.log.Warn().Msg("No Meshtastic device configured, room messages will not be sent to the mesh")
	}
	if cfg.MQTT.Broker != "" {
		b.mqtt = meshtastic.NewMQTTUplink(b.log, meshtastic.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			UseTLS:   cfg.MQTT.UseTLS,
			PSK:      psk,
		}, sink)
	}

	b.engine = relay.NewEngine(b.log, opts, b.matrix, mesh, b.store, b.store)
	if err = b.engine.Load(ctx); err != nil {
		return err
	}
	b.dispatcher = relay.NewDispatcher(b.log, b.engine, b.store, cfg.Relay.QueueSize)
	return nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Queued events are processed before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.close()
	if err := b.init(ctx); err != nil {
		return err
	}
	b.dispatcher.Start(ctx)
	if b.mqtt != nil {
		if err := b.mqtt.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.matrix.Run(gctx)
	})
	if b.device != nil {
		g.Go(func() error {
			return b.device.Run(gctx)
		})
	}
	if expr := b.cfg.Relay.EvictSchedule; expr != "" {
		sched := NewEvictScheduler(b.log, expr, b.engine)
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}
	if addr := b.cfg.AdminAPI.Addr; addr != "" {
		var link DeviceLink
		if b.device != nil {
			link = b.device
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           NewAdminAPI(b.log, b.engine, link, b.store).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			b.log.Info().Str("addr", addr).Msg("Starting admin API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	b.log.Info().Msg("Bridge started")
	err := g.Wait()
	b.log.Info().Msg("Bridge stopping")
	return err
}

func (b *Bridge) close() {
	if b.mqtt != nil {
		b.mqtt.Stop()
	}
	if b.dispatcher != nil {
		b.dispatcher.Stop()
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Err(err).Msg("Failed to close database")
		}
	}
}
