// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay/matrixfmt"
)

// relayBody converts a room message into the plain text sent to the mesh.
func relayBody(content *event.MessageEventContent) string {
	return matrixfmt.Parse(content)
}

func messageContent(msg relay.RenderedMessage) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}
	if msg.RichText != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = msg.RichText
	}
	return content
}

func (c *Client) send(ctx context.Context, content *event.MessageEventContent) (string, error) {
	if c.roomID == "" {
		return "", ErrNotLoggedIn
	}
	resp, err := c.client.SendMessageEvent(ctx, c.roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID.String(), nil
}

// Send posts a message, as a reply when replyTo is set.
func (c *Client) Send(ctx context.Context, msg relay.RenderedMessage, replyTo string) (string, error) {
	content := messageContent(msg)
	if replyTo != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(replyTo))
	}
	eventID, err := c.send(ctx, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return eventID, nil
}

// SendAnchored posts a message that references anchor without quoting it.
func (c *Client) SendAnchored(ctx context.Context, msg relay.RenderedMessage, anchor string) (string, error) {
	content := messageContent(msg)
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelReference,
		EventID: id.EventID(anchor),
	}
	eventID, err := c.send(ctx, content)
	if err != nil {
		return "", fmt.Errorf("failed to send anchored message: %w", err)
	}
	return eventID, nil
}

// Edit replaces the content of a previously sent message.
func (c *Client) Edit(ctx context.Context, eventID string, msg relay.RenderedMessage) error {
	newContent := messageContent(msg)
	content := messageContent(msg)
	content.Body = "* " + content.Body
	if content.FormattedBody != "" {
		content.FormattedBody = "* " + content.FormattedBody
	}
	content.NewContent = newContent
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelReplace,
		EventID: id.EventID(eventID),
	}
	if _, err := c.send(ctx, content); err != nil {
		return fmt.Errorf("failed to edit %s: %w", eventID, err)
	}
	return nil
}
