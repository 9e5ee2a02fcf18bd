// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the dispatcher's inbound buffer length.
const DefaultQueueSize = 256

// MeshSink receives normalized events from mesh transports.
type MeshSink interface {
	SubmitMeshEvent(evt *MeshEvent)
	SubmitNodeInfo(info NodeInfo)
}

// ChatSink receives events from the chat room.
type ChatSink interface {
	SubmitChatMessage(msg ChatMessage)
	SubmitChatReaction(targetEventID, symbol string)
}

// NodeUpdater records node identity announcements.
type NodeUpdater interface {
	UpdateNode(ctx context.Context, info NodeInfo) error
}

type job struct {
	kind string
	run  func(ctx context.Context)
}

// Dispatcher hands events from transport goroutines to a single processing
// routine that drives the engine. Submit methods never block; events are
// dropped when the queue is full or the dispatcher is stopped.
type Dispatcher struct {
	log    zerolog.Logger
	engine *Engine
	nodes  NodeUpdater

	queue chan job
	done  chan struct{}

	mu      sync.RWMutex
	started bool
	closed  bool
}

var (
	_ MeshSink = (*Dispatcher)(nil)
	_ ChatSink = (*Dispatcher)(nil)
)

// NewDispatcher creates a dispatcher feeding engine. nodes may be nil.
func NewDispatcher(log zerolog.Logger, engine *Engine, nodes NodeUpdater, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		log:    log.With().Str("component", "dispatch").Logger(),
		engine: engine,
		nodes:  nodes,
		queue:  make(chan job, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the processing routine. Queued work keeps running after ctx
// is cancelled so that Stop can drain it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.loop(context.WithoutCancel(ctx))
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for j := range d.queue {
		j.run(ctx)
	}
}

// Stop closes intake and waits for queued events to be processed.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if started {
		<-d.done
	}
	d.log.Debug().Msg("Dispatcher drained")
}

func (d *Dispatcher) submit(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		dispatchDroppedTotal.WithLabelValues(j.kind).Inc()
		return
	}
	select {
	case d.queue <- j:
	default:
		dispatchDroppedTotal.WithLabelValues(j.kind).Inc()
		d.log.Warn().Str("kind", j.kind).Msg("Dispatch queue full, dropping event")
	}
}

// SubmitMeshEvent queues a mesh packet observation.
func (d *Dispatcher) SubmitMeshEvent(evt *MeshEvent) {
	d.submit(job{kind: "mesh", run: func(ctx context.Context) {
		d.engine.HandleMeshEvent(ctx, evt)
	}})
}

// SubmitNodeInfo queues a node identity update.
func (d *Dispatcher) SubmitNodeInfo(info NodeInfo) {
	if d.nodes == nil {
		return
	}
	d.submit(job{kind: "node_info", run: func(ctx context.Context) {
		if err := d.nodes.UpdateNode(ctx, info); err != nil {
			d.log.Err(err).Str("node_id", info.NodeID).Msg("Failed to update node info")
			return
		}
		d.log.Debug().
			Str("node_id", info.NodeID).
			Str("short_name", info.ShortName).
			Str("long_name", info.LongName).
			Msg("Updated node info")
	}})
}

// SubmitChatMessage queues a chat message for relay to the mesh.
func (d *Dispatcher) SubmitChatMessage(msg ChatMessage) {
	d.submit(job{kind: "chat_message", run: func(ctx context.Context) {
		d.engine.HandleChatMessage(ctx, msg)
	}})
}

// SubmitChatReaction queues a chat reaction for relay to the mesh.
func (d *Dispatcher) SubmitChatReaction(targetEventID, symbol string) {
	d.submit(job{kind: "chat_reaction", run: func(ctx context.Context) {
		d.engine.HandleChatReaction(ctx, targetEventID, symbol)
	}})
}
