// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay/matrixfmt"
)

// minChunkBody keeps room for at least one full UTF-8 rune per chunk.
const minChunkBody = utf8.UTFMax

func chunkPrefix(i, n int) string {
	return fmt.Sprintf("(%d/%d) ", i, n)
}

// splitRunes cuts s into pieces of at most limit bytes without splitting a
// multi-byte rune.
func splitRunes(s string, limit int) []string {
	var parts []string
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(s)
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// SplitPayload splits text into numbered chunks that each fit in limit
// bytes including their "(i/n) " prefix. Text that already fits is returned
// as a single unprefixed element.
func SplitPayload(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	n := 2
	for {
		parts := splitRunes(text, max(limit-len(chunkPrefix(n, n)), minChunkBody))
		if len(parts) > n {
			n = len(parts)
			continue
		}
		out := make([]string, len(parts))
		for i, part := range parts {
			out[i] = chunkPrefix(i+1, len(parts)) + part
		}
		return out
	}
}

// lookupByChatEvent finds the record represented by a chat event, either
// as its own message or as the chat message it originated from.
func (e *Engine) lookupByChatEvent(eventID string) (PacketID, bool) {
	if eventID == "" {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rec := range e.records {
		if rec.ChatEventID == eventID || rec.RelatedChatEventID == eventID {
			return id, true
		}
	}
	return 0, false
}

// HandleChatMessage relays a chat message onto the mesh as "sender: body".
func (e *Engine) HandleChatMessage(ctx context.Context, msg ChatMessage) {
	log := e.log.With().Str("event_id", msg.EventID).Str("sender", msg.SenderID).Logger()
	if e.mesh == nil {
		log.Warn().Msg("No mesh link configured, dropping chat message")
		return
	}

	body := msg.Body
	var replyID PacketID
	if msg.ReplyTo != "" {
		body = matrixfmt.StripReplyFallback(body)
		if id, ok := e.lookupByChatEvent(msg.ReplyTo); ok {
			replyID = id
			log.Info().Stringer("reply_id", replyID).Msg("Chat message replies to mesh packet")
		}
	}
	if strings.TrimSpace(body) == "" {
		return
	}

	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	full := name + ": " + body

	chunks := SplitPayload(full, e.opts.MaxPayload)
	if len(chunks) > 1 {
		e.sendChunks(ctx, chunks, replyID, &log)
		return
	}

	packetID, err := e.mesh.SendText(ctx, full, replyID)
	meshCallsTotal.WithLabelValues("text", resultLabel(err)).Inc()
	if err != nil {
		log.Err(err).Msg("Failed to send chat message to mesh")
		return
	}
	if packetID == 0 {
		log.Warn().Msg("Mesh send returned no packet id, not tracking")
		return
	}

	rec := &MessageRecord{
		PacketID:           packetID,
		Text:               body,
		SenderID:           msg.SenderID,
		RenderMode:         RenderCompactStats,
		RelatedChatEventID: msg.EventID,
		LastUpdate:         e.opts.Now(),
	}
	e.mu.Lock()
	if _, exists := e.records[packetID]; exists {
		e.mu.Unlock()
		log.Warn().Stringer("packet_id", packetID).Msg("Mesh assigned an id that is already tracked")
		return
	}
	e.records[packetID] = rec
	snap := rec.Clone()
	count := len(e.records)
	e.mu.Unlock()
	trackedRecords.Set(float64(count))

	log.Info().Stringer("packet_id", packetID).Msg("Tracking chat message sent to mesh")
	e.persist(ctx, snap)
}

// sendChunks paces numbered chunks onto the mesh. Only the first chunk
// carries the reply id. Chunked sends are not tracked.
func (e *Engine) sendChunks(ctx context.Context, chunks []string, replyID PacketID, log *zerolog.Logger) {
	limiter := rate.NewLimiter(rate.Every(e.opts.ChunkDelay), 1)
	for i, chunk := range chunks {
		if err := limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Int("chunk", i+1).Msg("Stopped sending chunks")
			return
		}
		reply := replyID
		if i > 0 {
			reply = 0
		}
		_, err := e.mesh.SendText(ctx, chunk, reply)
		meshCallsTotal.WithLabelValues("chunk", resultLabel(err)).Inc()
		if err != nil {
			log.Err(err).Int("chunk", i+1).Int("chunks", len(chunks)).Msg("Failed to send chunk to mesh")
			return
		}
	}
	log.Info().Int("chunks", len(chunks)).Msg("Sent chunked chat message to mesh")
}

// HandleChatReaction forwards a chat reaction on a tracked message to the mesh.
func (e *Engine) HandleChatReaction(ctx context.Context, targetEventID, symbol string) {
	if e.mesh == nil || symbol == "" {
		return
	}
	packetID, ok := e.lookupByChatEvent(targetEventID)
	if !ok {
		e.log.Debug().Str("event_id", targetEventID).Msg("Ignoring reaction on untracked message")
		return
	}
	err := e.mesh.SendReaction(ctx, packetID, symbol)
	meshCallsTotal.WithLabelValues("reaction", resultLabel(err)).Inc()
	if err != nil {
		e.log.Err(err).Stringer("packet_id", packetID).Msg("Failed to send reaction to mesh")
		return
	}
	e.log.Info().
		Stringer("packet_id", packetID).
		Str("reaction", symbol).
		Msg("Forwarded chat reaction to mesh")
}
