package notice

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/edgard/relaybot/internal/config"
)

// DefaultBotLabel is used when neither the config nor the message author
// provide a label.
const DefaultBotLabel = "BOT"

// RoleResolver maps role ids to display names. It never fails: unknown ids
// resolve to a fallback name.
type RoleResolver interface {
	Resolve(ctx context.Context, roleID string) string
}

// Parser builds notices from admitted messages.
type Parser struct {
	roles    RoleResolver
	botLabel string
	logger   *slog.Logger
}

// NewParser creates a parser. botLabel may be empty, in which case the
// message author's username is used.
func NewParser(roles RoleResolver, botLabel string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{
		roles:    roles,
		botLabel: strings.TrimSpace(botLabel),
		logger:   logger.With("component", "parser"),
	}
}

// Admit reports whether msg was authored by the channel's expected author.
// It is the sole admission rule.
func Admit(ch config.SourceChannel, msg RawMessage) bool {
	return msg.AuthorID != "" && msg.AuthorID == ch.ExpectedAuthorID
}

// Parse renders msg for ch. It reports false when the message yields no
// body lines; such notices must not be delivered.
func (p *Parser) Parse(ctx context.Context, ch config.SourceChannel, msg RawMessage) (Notice, bool) {
	var lines []string
	if len(msg.MentionRoles) > 0 {
		lines = p.mentionLines(ctx, msg.MentionRoles)
	} else {
		lines = embedLines(msg.Embeds)
	}

	if len(lines) == 0 {
		p.logger.InfoContext(ctx, "Suppressing empty notice",
			"channel_id", ch.ID, "label", ch.Label, "message_id", msg.ID)
		return Notice{}, false
	}

	n := Build(ch.Label, p.labelFor(msg), lines)
	n.ChannelID = ch.ID
	n.MessageID = msg.ID
	return n, true
}

// Build escapes and assembles a notice. The header is
// "{CHANNEL LABEL} | {source label}".
func Build(channelLabel, sourceLabel string, lines []string) Notice {
	escaped := make([]string, 0, len(lines))
	for _, line := range lines {
		escaped = append(escaped, EscapeHTML(line))
	}
	return Notice{
		ChannelLabel: channelLabel,
		Header:       EscapeHTML(strings.ToUpper(channelLabel) + " | " + sourceLabel),
		Lines:        escaped,
		HTMLSafe:     true,
	}
}

func (p *Parser) labelFor(msg RawMessage) string {
	if p.botLabel != "" {
		return p.botLabel
	}
	if name := strings.TrimSpace(msg.AuthorName); name != "" {
		return strings.ToUpper(name)
	}
	return DefaultBotLabel
}

func (p *Parser) mentionLines(ctx context.Context, roleIDs []string) []string {
	lines := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		lines = append(lines, "• "+p.roles.Resolve(ctx, id))
	}
	return lines
}

func embedLines(embeds []Embed) []string {
	var lines []string
	for _, e := range embeds {
		if t := strings.TrimSpace(e.Title); t != "" {
			lines = append(lines, t)
		}
		if e.Description != "" {
			for _, l := range strings.Split(e.Description, "\n") {
				if strings.TrimSpace(l) != "" {
					lines = append(lines, l)
				}
			}
		}
		for _, f := range e.Fields {
			lines = append(lines, f.Name+": "+f.Value)
		}
		if ft := strings.TrimSpace(e.FooterText); ft != "" {
			lines = append(lines, ft)
		}
	}
	return lines
}
