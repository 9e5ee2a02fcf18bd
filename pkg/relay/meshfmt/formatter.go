// Copyright 2024-2026 Aiku AI

// Package meshfmt converts mesh plain text to Matrix HTML.
package meshfmt

import (
	"html"
	"regexp"
	"strings"
)

var (
	urlRe  = regexp.MustCompile(`\b(?:https?://|mailto:)[^\s<>"]+`)
	boldRe = regexp.MustCompile(`\*\*(.+?)\*\*`)
	codeRe = regexp.MustCompile("`([^`]+)`")
)

// ToHTML escapes mesh text for inclusion in a Matrix HTML body, turning
// safe URLs into links and line breaks into <br/>.
func ToHTML(text string) string {
	if text == "" {
		return ""
	}

	// Links are extracted before escaping so that & in query strings
	// survives as a single escape.
	var links []string
	processed := urlRe.ReplaceAllStringFunc(text, func(match string) string {
		links = append(links, strings.TrimRight(match, ".,;:!?)"))
		trailing := match[len(links[len(links)-1]):]
		return "\x00LINK\x00" + trailing
	})

	formatted := html.EscapeString(processed)
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")

	for _, href := range links {
		escaped := html.EscapeString(href)
		formatted = strings.Replace(formatted, "\x00LINK\x00", `<a href="`+escaped+`">`+escaped+`</a>`, 1)
	}

	return strings.ReplaceAll(formatted, "\n", "<br/>")
}
