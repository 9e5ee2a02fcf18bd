// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix connects the relay engine to a single Matrix room.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

// accessTokenPrefix marks a Synapse access token supplied in place of a
// password.
const accessTokenPrefix = "syt_"

const displayNameTTL = 10 * time.Minute

var ErrNotLoggedIn = errors.New("not logged in")

// Options configures the Matrix side of the bridge.
type Options struct {
	Homeserver string
	UserID     string
	// Password is the account password, or an access token if it starts
	// with "syt_".
	Password string
	// Room is a room id or alias.
	Room string
}

type cachedName struct {
	name    string
	expires time.Time
}

// Client posts engine output to the room and feeds room activity back to a
// relay.ChatSink.
type Client struct {
	log    zerolog.Logger
	opts   Options
	client *mautrix.Client
	sink   relay.ChatSink

	roomID    id.RoomID
	startedAt time.Time

	namesLock sync.Mutex
	names     map[id.UserID]cachedName
}

var (
	_ relay.ChatSender     = (*Client)(nil)
	_ relay.AnchoredSender = (*Client)(nil)
)

// New creates a client. No requests are made until Login.
func New(log zerolog.Logger, opts Options, sink relay.ChatSink) (*Client, error) {
	cli, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), "")
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	cli.Log = log
	return &Client{
		log:    log,
		opts:   opts,
		client: cli,
		sink:   sink,
		names:  make(map[id.UserID]cachedName),
	}, nil
}

// Login authenticates, resolves the room and joins it.
func (c *Client) Login(ctx context.Context) error {
	if strings.HasPrefix(c.opts.Password, accessTokenPrefix) {
		c.log.Info().Msg("Using access token instead of password login")
		c.client.AccessToken = c.opts.Password
		resp, err := c.client.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("failed to validate access token: %w", err)
		}
		c.client.UserID = resp.UserID
		c.client.DeviceID = resp.DeviceID
	} else {
		_, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.opts.UserID,
			},
			Password:                 c.opts.Password,
			InitialDeviceDisplayName: "Meshtastic bridge",
			StoreCredentials:         true,
		})
		if err != nil {
			return fmt.Errorf("failed to log in: %w", err)
		}
	}
	c.log.Info().Stringer("user_id", c.client.UserID).Msg("Logged in to Matrix")

	roomID, err := c.resolveRoom(ctx)
	if err != nil {
		return err
	}
	if _, err = c.client.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	c.roomID = roomID
	c.log.Info().Stringer("room_id", roomID).Msg("Joined bridge room")
	return nil
}

func (c *Client) resolveRoom(ctx context.Context) (id.RoomID, error) {
	if !strings.HasPrefix(c.opts.Room, "#") {
		return id.RoomID(c.opts.Room), nil
	}
	resp, err := c.client.ResolveAlias(ctx, id.RoomAlias(c.opts.Room))
	if err != nil {
		return "", fmt.Errorf("failed to resolve room alias %s: %w", c.opts.Room, err)
	}
	c.log.Info().Str("alias", c.opts.Room).Stringer("room_id", resp.RoomID).Msg("Resolved room alias")
	return resp.RoomID, nil
}

// RoomID returns the resolved room id, or "" before Login.
func (c *Client) RoomID() string {
	return string(c.roomID)
}

// UserID returns the logged-in user.
func (c *Client) UserID() string {
	return string(c.client.UserID)
}

// Run syncs until ctx is cancelled. Events older than the start of Run are
// not relayed.
func (c *Client) Run(ctx context.Context) error {
	if c.roomID == "" {
		return ErrNotLoggedIn
	}
	c.startedAt = time.Now()
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type %T", c.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)

	err := c.client.SyncWithContext(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

// Stop ends a running sync.
func (c *Client) Stop() {
	c.client.StopSync()
}

func (c *Client) relevant(evt *event.Event) bool {
	switch {
	case evt.RoomID != c.roomID:
		return false
	case evt.Sender == c.client.UserID:
		return false
	case evt.Timestamp < c.startedAt.UnixMilli():
		return false
	default:
		return true
	}
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if !c.relevant(evt) {
		return
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText && content.MsgType != event.MsgEmote {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		c.log.Debug().Stringer("event_id", evt.ID).Msg("Not relaying message edit")
		return
	}
	body := relayBody(content)
	if strings.TrimSpace(body) == "" {
		return
	}
	c.log.Info().
		Stringer("event_id", evt.ID).
		Stringer("sender", evt.Sender).
		Msg("Received room message")
	c.sink.SubmitChatMessage(relay.ChatMessage{
		EventID:    evt.ID.String(),
		SenderID:   evt.Sender.String(),
		SenderName: c.DisplayName(ctx, evt.Sender),
		Body:       body,
		ReplyTo:    content.RelatesTo.GetReplyTo().String(),
	})
}

func (c *Client) handleReaction(_ context.Context, evt *event.Event) {
	if !c.relevant(evt) {
		return
	}
	content := evt.Content.AsReaction()
	if content.RelatesTo.EventID == "" || content.RelatesTo.Key == "" {
		return
	}
	c.log.Info().
		Stringer("target_event_id", content.RelatesTo.EventID).
		Str("key", content.RelatesTo.Key).
		Stringer("sender", evt.Sender).
		Msg("Received room reaction")
	c.sink.SubmitChatReaction(content.RelatesTo.EventID.String(), content.RelatesTo.Key)
}

// DisplayName returns the sender's room nickname, falling back to their
// global display name and then to the user id.
func (c *Client) DisplayName(ctx context.Context, userID id.UserID) string {
	c.namesLock.Lock()
	cached, ok := c.names[userID]
	c.namesLock.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.name
	}

	name := c.fetchDisplayName(ctx, userID)
	c.namesLock.Lock()
	c.names[userID] = cachedName{name: name, expires: time.Now().Add(displayNameTTL)}
	c.namesLock.Unlock()
	return name
}

func (c *Client) fetchDisplayName(ctx context.Context, userID id.UserID) string {
	var member event.MemberEventContent
	err := c.client.StateEvent(ctx, c.roomID, event.StateMember, userID.String(), &member)
	if err == nil && member.Displayname != "" {
		return member.Displayname
	}
	resp, err := c.client.GetDisplayName(ctx, userID)
	if err == nil && resp.DisplayName != "" {
		return resp.DisplayName
	}
	if err != nil {
		c.log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to fetch display name")
	}
	return userID.String()
}
