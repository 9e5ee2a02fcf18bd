// Copyright 2024-2026 Aiku AI

package relay

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Kind is the outcome of classifying a mesh event.
type Kind int

const (
	KindNew Kind = iota
	KindDuplicate
	KindReply
	// KindConsumed means the event must be discarded without touching state.
	KindConsumed
)

func (k Kind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindReply:
		return "reply"
	case KindConsumed:
		return "consumed"
	default:
		return "new"
	}
}

// Classification is the result of Classify.
type Classification struct {
	Kind   Kind
	Target PacketID
	// Text is the effective text, which differs from the extracted text
	// when a legacy reaction prefix was stripped.
	Text string
	// Step names the resolver that produced the target.
	Step string
}

// stateView is the read-only engine state the resolvers consult.
type stateView interface {
	Known(id PacketID) bool
	LastNew() (PacketID, bool)
	LocalNodeID() string
}

type resolution struct {
	target   PacketID
	text     string
	consumed bool
}

type resolver struct {
	name string
	fn   func(evt *MeshEvent, text string, st stateView, log *zerolog.Logger) (resolution, bool)
}

// replyResolvers is evaluated in order; the first match wins.
var replyResolvers = []resolver{
	{"explicit_field", resolveExplicitField},
	{"deep_search", resolveDeepSearch},
	{"legacy_text", resolveLegacyText},
	{"orphan_heuristic", resolveOrphan},
}

// replyFieldNames are the payload/envelope fields known to carry a reply target.
var replyFieldNames = []string{"replyId", "reply_id", "requestId", "request_id", "replyTo", "reply_to"}

var legacyReactionRe = regexp.MustCompile(`^\[Reaction to (\d+)\]: (.+)$`)

// reactionTextMaxLen is the exclusive rune limit for reaction-like text.
const reactionTextMaxLen = 12

// IsReactionLike reports whether text looks like a tapback: short and free
// of Latin letters.
func IsReactionLike(text string) bool {
	clean := strings.TrimSpace(text)
	if utf8.RuneCountInString(clean) >= reactionTextMaxLen {
		return false
	}
	for _, r := range clean {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// Classify runs the reply resolution chain against the event and degrades
// the result according to which records are known.
func Classify(evt *MeshEvent, text string, st stateView, log *zerolog.Logger) Classification {
	res := Classification{Kind: KindNew, Text: text}
	for _, r := range replyResolvers {
		out, ok := r.fn(evt, res.Text, st, log)
		if !ok {
			continue
		}
		if out.consumed {
			return Classification{Kind: KindConsumed, Text: res.Text, Step: r.name}
		}
		res.Target = out.target
		res.Step = r.name
		if out.text != "" {
			res.Text = out.text
		}
		break
	}
	switch {
	case st.Known(evt.PacketID):
		res.Kind = KindDuplicate
	case res.Target != 0 && st.Known(res.Target):
		res.Kind = KindReply
	default:
		res.Kind = KindNew
	}
	return res
}

func validPacketID(v int64) bool {
	return v > 0 && v <= math.MaxUint32
}

func resolveExplicitField(evt *MeshEvent, _ string, _ stateView, _ *zerolog.Logger) (resolution, bool) {
	for _, fields := range []Fields{evt.Decoded, evt.Envelope} {
		for _, key := range replyFieldNames {
			if v, ok := fields.Int(key); ok && validPacketID(v) {
				return resolution{target: PacketID(v)}, true
			}
		}
	}
	return resolution{}, false
}

func resolveDeepSearch(evt *MeshEvent, _ string, st stateView, log *zerolog.Logger) (resolution, bool) {
	for _, fields := range []Fields{evt.Decoded, evt.Envelope} {
		for _, key := range fields.Keys() {
			v, ok := fields.Int(key)
			if !ok || !validPacketID(v) {
				continue
			}
			id := PacketID(v)
			if id == evt.PacketID || !st.Known(id) {
				continue
			}
			log.Info().
				Str("field", key).
				Stringer("packet_id", evt.PacketID).
				Stringer("target_id", id).
				Msg("Deep field search found known packet id")
			return resolution{target: id}, true
		}
	}
	return resolution{}, false
}

func resolveLegacyText(evt *MeshEvent, text string, st stateView, log *zerolog.Logger) (resolution, bool) {
	m := legacyReactionRe.FindStringSubmatch(text)
	if m == nil {
		return resolution{}, false
	}
	if local := st.LocalNodeID(); local != "" && evt.SenderID == local {
		log.Info().
			Str("target", m[1]).
			Stringer("packet_id", evt.PacketID).
			Msg("Ignoring echo of own relayed reaction")
		return resolution{consumed: true}, true
	}
	if strings.TrimSpace(m[2]) == "" {
		log.Debug().
			Str("target", m[1]).
			Stringer("packet_id", evt.PacketID).
			Msg("Dropping legacy text reaction without content")
		return resolution{consumed: true}, true
	}
	target, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return resolution{}, false
	}
	log.Debug().
		Str("sender", evt.SenderID).
		Uint64("target_id", target).
		Msg("Parsed legacy text reaction")
	return resolution{target: PacketID(target), text: m[2]}, true
}

func resolveOrphan(evt *MeshEvent, text string, st stateView, log *zerolog.Logger) (resolution, bool) {
	if !IsReactionLike(text) && evt.Port != PortReaction {
		return resolution{}, false
	}
	last, ok := st.LastNew()
	if !ok || last == evt.PacketID {
		return resolution{}, false
	}
	log.Info().
		Str("text", strings.TrimSpace(text)).
		Int("port", int(evt.Port)).
		Stringer("target_id", last).
		Msg("Treating orphan reaction-like message as reply to last packet")
	return resolution{target: last}, true
}
