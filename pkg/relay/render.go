// Copyright 2024-2026 Aiku AI

package relay

import (
	"cmp"
	"context"
	"fmt"
	"html"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay/meshfmt"
)

// renderView is a consistent snapshot of everything needed to render one
// record. Parent is only set for threaded replies that carry a quote.
type renderView struct {
	Record   *MessageRecord
	Parent   *MessageRecord
	Children []*MessageRecord
}

// nameIDs returns every node or user id whose display name appears in the
// rendered body.
func (v *renderView) nameIDs() []string {
	var ids []string
	add := func(rec *MessageRecord) {
		ids = append(ids, rec.SenderID)
		for _, rep := range rec.Reports {
			ids = append(ids, rep.GatewayID)
		}
	}
	add(v.Record)
	for _, child := range v.Children {
		add(child)
	}
	if v.Parent != nil {
		ids = append(ids, v.Parent.SenderID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

type nameFunc func(id string) string

// resolveNames looks up every display name the view needs in one pass so
// that rendering itself stays pure.
func resolveNames(ctx context.Context, names NameResolver, ids []string) nameFunc {
	resolved := make(map[string]string, len(ids))
	for _, id := range ids {
		resolved[id] = names.ResolveName(ctx, id)
	}
	return func(id string) string {
		if name, ok := resolved[id]; ok && name != "" {
			return name
		}
		return id
	}
}

// sortReports orders reports by descending RSSI, keeping arrival order on ties.
func sortReports(reports []ReceptionReport) []ReceptionReport {
	sorted := slices.Clone(reports)
	slices.SortStableFunc(sorted, func(a, b ReceptionReport) int {
		return cmp.Compare(b.RSSI, a.RSSI)
	})
	return sorted
}

func formatReport(rep ReceptionReport, name string) string {
	if rep.HopCount == 0 {
		return fmt.Sprintf("%s (%ddBm/%sdB)", name, rep.RSSI, strconv.FormatFloat(rep.SNR, 'f', -1, 64))
	}
	return fmt.Sprintf("%s (%d hops)", name, rep.HopCount)
}

// statsLine joins the per-gateway entries of a record.
func statsLine(reports []ReceptionReport, name nameFunc) string {
	if len(reports) == 0 {
		return ""
	}
	parts := make([]string, 0, len(reports))
	for _, rep := range sortReports(reports) {
		parts = append(parts, formatReport(rep, name(rep.GatewayID)))
	}
	return strings.Join(parts, ", ")
}

func statsPlain(reports []ReceptionReport, name nameFunc) string {
	if s := statsLine(reports, name); s != "" {
		return "*(" + s + ")*"
	}
	return ""
}

func statsHTML(reports []ReceptionReport, name nameFunc) string {
	if s := statsLine(reports, name); s != "" {
		return "<small>(" + html.EscapeString(s) + ")</small>"
	}
	return ""
}

// previewText truncates text to limit runes, marking the cut with "...".
func previewText(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

func joinSpace(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

type renderer struct {
	roomID       string
	quotePreview int
}

func (r *renderer) quote(parent *MessageRecord, name nameFunc) (plain, rich string) {
	if parent == nil {
		return "", ""
	}
	parentName := name(parent.SenderID)
	preview := previewText(parent.Text, r.quotePreview)
	plain = fmt.Sprintf("> <%s> %s\n\n", parentName, preview)
	link := html.EscapeString(fmt.Sprintf("https://matrix.to/#/%s/%s", r.roomID, parent.AnchorEventID()))
	rich = fmt.Sprintf(`<mx-reply><blockquote><a href="%s">In reply to</a> %s<br>%s</blockquote></mx-reply>`,
		link, html.EscapeString(parentName), html.EscapeString(preview))
	return plain, rich
}

func (r *renderer) childLines(children []*MessageRecord, name nameFunc) (plain, rich string) {
	if len(children) == 0 {
		return "", ""
	}
	plainLines := make([]string, 0, len(children))
	richLines := make([]string, 0, len(children))
	for _, child := range children {
		childName := name(child.SenderID)
		plainLines = append(plainLines, "  ↳ "+joinSpace(childName+": "+child.Text, statsPlain(child.Reports, name)))
		richLines = append(richLines, "&nbsp;&nbsp;↳ "+joinSpace(
			"<b>"+html.EscapeString(childName)+"</b>: "+html.EscapeString(child.Text),
			statsHTML(child.Reports, name)))
	}
	return "\n" + strings.Join(plainLines, "\n"), "<br>" + strings.Join(richLines, "<br>")
}

// Render builds the chat body for a record according to its render mode.
func (r *renderer) Render(v *renderView, name nameFunc) RenderedMessage {
	rec := v.Record
	childPlain, childRich := r.childLines(v.Children, name)
	stPlain, stRich := statsPlain(rec.Reports, name), statsHTML(rec.Reports, name)

	if rec.RenderMode == RenderCompactStats {
		return RenderedMessage{
			Text:     strings.TrimPrefix(stPlain+childPlain, "\n"),
			RichText: strings.TrimPrefix(stRich+childRich, "<br>"),
		}
	}

	quotePlain, quoteRich := r.quote(v.Parent, name)
	senderName := name(rec.SenderID)

	var plain, rich strings.Builder
	plain.WriteString(quotePlain)
	plain.WriteString(senderName + ": " + rec.Text)
	rich.WriteString(quoteRich)
	rich.WriteString("<b>" + html.EscapeString(senderName) + "</b>: " + meshfmt.ToHTML(rec.Text))
	if stPlain != "" {
		plain.WriteString("\n" + stPlain)
		rich.WriteString("<br>" + stRich)
	}
	plain.WriteString(childPlain)
	rich.WriteString(childRich)
	return RenderedMessage{Text: plain.String(), RichText: rich.String()}
}
