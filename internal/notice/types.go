// Package notice turns source messages into HTML-safe notices: the author
// filter, mention and embed extraction, and rendering.
package notice

import (
	"strings"
	"time"
)

// RawMessage is a snapshot of one source message.
type RawMessage struct {
	ID           string
	AuthorID     string
	AuthorName   string
	Timestamp    time.Time
	Content      string
	MentionRoles []string
	Embeds       []Embed
}

// Embed is a structured attachment of a message. Fields keep source order.
type Embed struct {
	Title       string
	Description string
	Fields      []Field
	FooterText  string
	ImageURL    string
}

// Field is one name/value pair of an embed.
type Field struct {
	Name  string
	Value string
}

// Notice is a rendered body ready for delivery. Header and Lines are
// already escaped when HTMLSafe is set.
type Notice struct {
	ChannelID    string
	ChannelLabel string
	MessageID    string
	Header       string
	Lines        []string
	HTMLSafe     bool
}

// Text joins the header, a blank line, and the body lines.
func (n Notice) Text() string {
	parts := make([]string, 0, len(n.Lines)+2)
	if n.Header != "" {
		parts = append(parts, n.Header, "")
	}
	parts = append(parts, n.Lines...)
	return strings.Join(parts, "\n")
}

// Empty reports whether the notice has no body lines.
func (n Notice) Empty() bool {
	return len(n.Lines) == 0
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// EscapeHTML escapes the characters Telegram's HTML parse mode reserves.
// Everything else, emoji included, passes through untouched.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
