// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default engine tunables.
const (
	DefaultMaxPayload   = 200
	DefaultChunkDelay   = 500 * time.Millisecond
	DefaultQuotePreview = 50
	DefaultMaxAge       = 24 * time.Hour
	DefaultMaxRecords   = 10000
)

// Options configures an Engine. Zero MaxPayload, QuotePreview and MaxRecords
// fall back to the defaults above. Zero MaxAge disables age eviction and zero
// ChunkDelay disables chunk pacing.
type Options struct {
	// RoomID is used to build matrix.to links in reply quotes.
	RoomID string
	// LocalNodeID returns the id of the locally attached radio, or "" when
	// no device link is up.
	LocalNodeID func() string
	// Channels is the allow-list of channel indices or names. Empty allows all.
	Channels []string

	MaxPayload   int
	ChunkDelay   time.Duration
	QuotePreview int
	MaxAge       time.Duration
	MaxRecords   int

	// Now is the engine clock.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	}
	if o.QuotePreview <= 0 {
		o.QuotePreview = DefaultQuotePreview
	}
	if o.MaxAge < 0 {
		o.MaxAge = 0
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = DefaultMaxRecords
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine correlates mesh packet observations from every transport into one
// coherent chat rendering, and relays chat messages back onto the mesh.
// All exported methods are safe for concurrent use.
type Engine struct {
	log    zerolog.Logger
	opts   Options
	render renderer

	chat  ChatSender
	mesh  MeshSender
	names NameResolver
	store RecordStore

	gate     *packetGate
	renderMu sync.Mutex

	mu      sync.Mutex
	records map[PacketID]*MessageRecord
	lastNew PacketID
}

// NewEngine creates an engine. names and store may be nil, in which case ids
// are rendered verbatim and records are kept in memory only. mesh may be nil
// when no outbound mesh link is configured.
func NewEngine(log zerolog.Logger, opts Options, chat ChatSender, mesh MeshSender, names NameResolver, store RecordStore) *Engine {
	opts.setDefaults()
	if names == nil {
		names = idResolver{}
	}
	if store == nil {
		store = nopStore{}
	}
	return &Engine{
		log:     log.With().Str("component", "relay").Logger(),
		opts:    opts,
		render:  renderer{roomID: opts.RoomID, quotePreview: opts.QuotePreview},
		chat:    chat,
		mesh:    mesh,
		names:   names,
		store:   store,
		gate:    newPacketGate(),
		records: make(map[PacketID]*MessageRecord),
	}
}

// Load restores persisted records and the orphan-reaction target.
func (e *Engine) Load(ctx context.Context) error {
	recs, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}
	e.mu.Lock()
	var newest *MessageRecord
	for _, rec := range recs {
		e.records[rec.PacketID] = rec
		if rec.RenderMode != RenderStandard || rec.HasParent() {
			continue
		}
		if newest == nil || rec.LastUpdate.After(newest.LastUpdate) {
			newest = rec
		}
	}
	if newest != nil {
		e.lastNew = newest.PacketID
	}
	count := len(e.records)
	e.mu.Unlock()
	trackedRecords.Set(float64(count))

	evt := e.log.Info().Int("records", count)
	if newest != nil {
		evt = evt.Stringer("last_packet_id", newest.PacketID)
	}
	evt.Msg("Restored correlation state")
	return nil
}

// Known reports whether a record exists for id.
func (e *Engine) Known(id PacketID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.records[id]
	return ok
}

// LastNew returns the most recently created standalone record id.
func (e *Engine) LastNew() (PacketID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastNew, e.lastNew != 0
}

// LocalNodeID returns the id of the locally attached radio, if any.
func (e *Engine) LocalNodeID() string {
	if e.opts.LocalNodeID == nil {
		return ""
	}
	return e.opts.LocalNodeID()
}

// Status is a point-in-time summary of engine state.
type Status struct {
	Records         int      `json:"records"`
	LastNewPacketID PacketID `json:"last_new_packet_id,omitempty"`
}

// Status returns the current record count and orphan-reaction target.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{Records: len(e.records), LastNewPacketID: e.lastNew}
}

// Record returns a copy of the record for id.
func (e *Engine) Record(id PacketID) (*MessageRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	return rec.Clone(), ok
}

func (e *Engine) channelAllowed(evt *MeshEvent) bool {
	if len(e.opts.Channels) == 0 {
		return true
	}
	idx := strconv.Itoa(evt.Channel)
	for _, ch := range e.opts.Channels {
		if ch == idx || (evt.ChannelName != "" && ch == evt.ChannelName) {
			return true
		}
	}
	return false
}

// HandleMeshEvent ingests one observation of a mesh packet.
func (e *Engine) HandleMeshEvent(ctx context.Context, in *MeshEvent) {
	if in == nil || in.PacketID == 0 {
		return
	}
	evt := *in
	if evt.Report.ObservedAt.IsZero() {
		evt.Report.ObservedAt = e.opts.Now()
	}
	log := e.log.With().
		Stringer("packet_id", evt.PacketID).
		Str("sender", evt.SenderID).
		Str("gateway_id", evt.Report.GatewayID).
		Logger()

	if !e.channelAllowed(&evt) {
		log.Debug().
			Int("channel", evt.Channel).
			Str("channel_name", evt.ChannelName).
			Msg("Ignoring packet from channel outside allow-list")
		meshEventsTotal.WithLabelValues("filtered").Inc()
		return
	}
	text := evt.ExtractText()
	if strings.TrimSpace(text) == "" {
		log.Debug().Int("port", int(evt.Port)).Msg("Ignoring packet without text")
		meshEventsTotal.WithLabelValues("empty").Inc()
		return
	}

	cls := Classify(&evt, text, e, &log)
	log.Debug().
		Stringer("kind", cls.Kind).
		Stringer("target_id", cls.Target).
		Str("step", cls.Step).
		Msg("Classified mesh packet")

	switch cls.Kind {
	case KindConsumed:
		meshEventsTotal.WithLabelValues("consumed").Inc()
		return
	case KindDuplicate:
		e.handleDuplicate(ctx, evt.PacketID, evt.Report, &log)
		return
	}

	ran := e.gate.WithPacketLock(evt.PacketID, e.Known, func() {
		if cls.Kind == KindReply {
			e.handleReply(ctx, &evt, cls, &log)
		} else {
			e.handleNew(ctx, &evt, cls.Text, &log)
		}
	})
	if !ran {
		log.Debug().Msg("Packet was recorded by a concurrent observation")
		e.handleDuplicate(ctx, evt.PacketID, evt.Report, &log)
	}
}

func (e *Engine) handleDuplicate(ctx context.Context, id PacketID, rep ReceptionReport, log *zerolog.Logger) {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if !rec.AddReport(rep, e.opts.Now()) {
		e.mu.Unlock()
		log.Debug().Msg("Ignoring repeated report from gateway")
		meshEventsTotal.WithLabelValues("duplicate_ignored").Inc()
		return
	}
	snap := rec.Clone()
	renderID := id
	if rec.IsPiggyback() {
		renderID = rec.ParentID
	}
	e.mu.Unlock()

	meshEventsTotal.WithLabelValues("duplicate").Inc()
	log.Debug().Int("reports", len(snap.Reports)).Msg("Aggregated reception report")
	e.persist(ctx, snap)
	e.rerender(ctx, renderID)
}

func (e *Engine) handleNew(ctx context.Context, evt *MeshEvent, text string, log *zerolog.Logger) {
	now := e.opts.Now()
	rec := &MessageRecord{
		PacketID:   evt.PacketID,
		Text:       text,
		SenderID:   evt.SenderID,
		Reports:    []ReceptionReport{evt.Report},
		RenderMode: RenderStandard,
		LastUpdate: now,
	}
	view := &renderView{Record: rec}
	msg := e.render.Render(view, resolveNames(ctx, e.names, view.nameIDs()))

	eventID, err := e.chat.Send(ctx, msg, "")
	if err == nil && eventID == "" {
		err = ErrNoEventID
	}
	chatCallsTotal.WithLabelValues("send", resultLabel(err)).Inc()
	if err != nil {
		log.Err(err).Msg("Failed to relay mesh message to chat")
		return
	}
	rec.ChatEventID = eventID

	e.mu.Lock()
	e.records[rec.PacketID] = rec
	e.lastNew = rec.PacketID
	snap := rec.Clone()
	count := len(e.records)
	e.mu.Unlock()
	trackedRecords.Set(float64(count))

	meshEventsTotal.WithLabelValues("new").Inc()
	log.Info().Str("event_id", eventID).Msg("Relayed mesh message to chat")
	e.persist(ctx, snap)
}

// replyTarget returns the record a reply should attach to. A piggybacking
// reaction is redirected to its parent. Reactions are always attached to a
// root record, since a record with a parent never owns children.
func (e *Engine) replyTarget(id PacketID, reaction bool) (*MessageRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.records[id]
	if !ok {
		return nil, false
	}
	for hops := 0; target.IsPiggyback() || (reaction && target.HasParent()); hops++ {
		parent, ok := e.records[target.ParentID]
		if !ok || hops >= len(e.records) {
			return nil, false
		}
		target = parent
	}
	return target.Clone(), true
}

func (e *Engine) handleReply(ctx context.Context, evt *MeshEvent, cls Classification, log *zerolog.Logger) {
	reaction := evt.Port == PortReaction || IsReactionLike(cls.Text)
	target, ok := e.replyTarget(cls.Target, reaction)
	if !ok {
		log.Debug().Stringer("target_id", cls.Target).Msg("Reply target no longer tracked, relaying as new message")
		e.handleNew(ctx, evt, cls.Text, log)
		return
	}
	if reaction {
		e.attachReaction(ctx, evt, strings.TrimSpace(cls.Text), target.PacketID, log)
		return
	}
	e.sendThreadedReply(ctx, evt, cls.Text, target, log)
}

func (e *Engine) attachReaction(ctx context.Context, evt *MeshEvent, text string, parentID PacketID, log *zerolog.Logger) {
	now := e.opts.Now()
	child := &MessageRecord{
		PacketID:   evt.PacketID,
		Text:       text,
		SenderID:   evt.SenderID,
		Reports:    []ReceptionReport{evt.Report},
		ParentID:   parentID,
		RenderMode: RenderStandard,
		LastUpdate: now,
	}

	e.mu.Lock()
	parent, ok := e.records[parentID]
	if !ok {
		e.mu.Unlock()
		e.handleNew(ctx, evt, text, log)
		return
	}
	e.records[child.PacketID] = child
	parent.AddChild(child.PacketID, now)
	childSnap, parentSnap := child.Clone(), parent.Clone()
	count := len(e.records)
	e.mu.Unlock()
	trackedRecords.Set(float64(count))

	meshEventsTotal.WithLabelValues("reaction").Inc()
	log.Info().Stringer("target_id", parentID).Str("reaction", text).Msg("Attached reaction to message")
	e.persist(ctx, childSnap)
	e.persist(ctx, parentSnap)
	e.rerender(ctx, parentID)
}

func (e *Engine) sendThreadedReply(ctx context.Context, evt *MeshEvent, text string, target *MessageRecord, log *zerolog.Logger) {
	rec := &MessageRecord{
		PacketID:   evt.PacketID,
		Text:       text,
		SenderID:   evt.SenderID,
		Reports:    []ReceptionReport{evt.Report},
		ParentID:   target.PacketID,
		RenderMode: RenderStandard,
		LastUpdate: e.opts.Now(),
	}
	view := &renderView{Record: rec}
	replyTo := target.AnchorEventID()
	if replyTo != "" {
		view.Parent = target
	}
	msg := e.render.Render(view, resolveNames(ctx, e.names, view.nameIDs()))

	eventID, err := e.chat.Send(ctx, msg, replyTo)
	if err == nil && eventID == "" {
		err = ErrNoEventID
	}
	chatCallsTotal.WithLabelValues("reply", resultLabel(err)).Inc()
	if err != nil {
		log.Err(err).Stringer("target_id", target.PacketID).Msg("Failed to relay mesh reply to chat")
		return
	}
	rec.ChatEventID = eventID

	e.mu.Lock()
	e.records[rec.PacketID] = rec
	snap := rec.Clone()
	count := len(e.records)
	e.mu.Unlock()
	trackedRecords.Set(float64(count))

	meshEventsTotal.WithLabelValues("reply").Inc()
	log.Info().
		Str("event_id", eventID).
		Stringer("target_id", target.PacketID).
		Msg("Relayed mesh reply to chat")
	e.persist(ctx, snap)
}

// snapshotView copies the record, its children and its quoted parent.
func (e *Engine) snapshotView(id PacketID) (*renderView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return nil, false
	}
	view := &renderView{Record: rec.Clone()}
	for _, childID := range rec.ChildIDs {
		if child, ok := e.records[childID]; ok {
			view.Children = append(view.Children, child.Clone())
		}
	}
	if rec.HasParent() && !rec.IsPiggyback() && rec.RenderMode == RenderStandard {
		if parent, ok := e.records[rec.ParentID]; ok && parent.AnchorEventID() != "" {
			view.Parent = parent.Clone()
		}
	}
	return view, true
}

// rerender recomputes a record's chat body and edits or, for the first
// report on a chat-originated message, sends it.
func (e *Engine) rerender(ctx context.Context, id PacketID) {
	e.renderMu.Lock()
	defer e.renderMu.Unlock()

	log := e.log.With().Stringer("packet_id", id).Logger()
	view, ok := e.snapshotView(id)
	if !ok {
		log.Warn().Msg("Render target is no longer tracked")
		return
	}
	rec := view.Record
	msg := e.render.Render(view, resolveNames(ctx, e.names, view.nameIDs()))

	switch {
	case rec.RenderMode == RenderCompactStats && rec.ChatEventID == "":
		eventID, err := e.sendStats(ctx, msg, rec.RelatedChatEventID)
		if err != nil {
			log.Err(err).Msg("Failed to post reception stats")
			return
		}
		e.mu.Lock()
		cur, ok := e.records[id]
		var snap *MessageRecord
		if ok && cur.ChatEventID == "" {
			cur.ChatEventID = eventID
			cur.LastUpdate = e.opts.Now()
			snap = cur.Clone()
		}
		e.mu.Unlock()
		if snap != nil {
			log.Info().Str("event_id", eventID).Msg("Posted reception stats for chat message")
			e.persist(ctx, snap)
		}
	case rec.ChatEventID == "":
		log.Warn().Msg("Record has no chat message to update")
	default:
		err := e.chat.Edit(ctx, rec.ChatEventID, msg)
		chatCallsTotal.WithLabelValues("edit", resultLabel(err)).Inc()
		if err != nil {
			log.Err(err).Str("event_id", rec.ChatEventID).Msg("Failed to edit chat message")
		}
	}
}

func (e *Engine) sendStats(ctx context.Context, msg RenderedMessage, anchor string) (string, error) {
	var (
		eventID string
		err     error
		op      = "send"
	)
	if anchored, ok := e.chat.(AnchoredSender); ok && anchor != "" {
		op = "send_anchored"
		eventID, err = anchored.SendAnchored(ctx, msg, anchor)
	} else {
		eventID, err = e.chat.Send(ctx, msg, "")
	}
	if err == nil && eventID == "" {
		err = ErrNoEventID
	}
	chatCallsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	return eventID, err
}

func (e *Engine) persist(ctx context.Context, rec *MessageRecord) {
	if err := e.store.Save(ctx, rec); err != nil {
		e.log.Err(err).Stringer("packet_id", rec.PacketID).Msg("Failed to persist record")
	}
}

type idResolver struct{}

func (idResolver) ResolveName(_ context.Context, id string) string { return id }

type nopStore struct{}

func (nopStore) LoadAll(context.Context) ([]*MessageRecord, error) { return nil, nil }
func (nopStore) Save(context.Context, *MessageRecord) error        { return nil }
func (nopStore) Delete(context.Context, []PacketID) error          { return nil }
