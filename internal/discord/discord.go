// Package discord reads messages and guild roles from the source chat
// platform through the Discord REST API.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	apperrors "github.com/edgard/relaybot/internal/errors"
	"github.com/edgard/relaybot/internal/notice"
)

const (
	// defaultTimeout bounds every REST call.
	defaultTimeout = 10 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	// Token is sent verbatim in the Authorization header.
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
	// For testing: inject a mock session instead of the real API.
	Session session
}

// Client is a read-only REST client for the source platform.
type Client struct {
	sess    session
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Client. Rate limits are surfaced to the caller instead of
// being retried inside discordgo, so each poller can honor them on its own.
func New(opts ClientOpts) (*Client, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		sess:    opts.Session,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("component", "discord"),
	}
	if c.sess == nil {
		dg, err := discordgo.New(opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		dg.Client = &http.Client{Timeout: opts.Timeout}
		dg.ShouldRetryOnRateLimit = false
		dg.MaxRestRetries = 0
		c.sess = dg
	}
	return c, nil
}

// LatestMessage returns the newest message of channelID. It reports false
// when the channel has no messages. Errors are classified (see Classify).
func (c *Client) LatestMessage(ctx context.Context, channelID string) (notice.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs, err := call(ctx, func() ([]*discordgo.Message, error) {
		return c.sess.ChannelMessages(channelID, 1, "", "", "", discordgo.WithContext(ctx))
	})
	if err != nil {
		return notice.RawMessage{}, false, Classify(fmt.Sprintf("fetch messages of channel %s", channelID), err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return notice.RawMessage{}, false, nil
	}
	return FromDiscord(msgs[0]), true, nil
}

// GuildRoles returns the role id → name roster of guildID.
func (c *Client) GuildRoles(ctx context.Context, guildID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	roles, err := call(ctx, func() ([]*discordgo.Role, error) {
		return c.sess.GuildRoles(guildID, discordgo.WithContext(ctx))
	})
	if err != nil {
		return nil, Classify(fmt.Sprintf("fetch roles of guild %s", guildID), err)
	}
	out := make(map[string]string, len(roles))
	for _, r := range roles {
		if r != nil && r.ID != "" {
			out[r.ID] = r.Name
		}
	}
	return out, nil
}

// call runs fn on its own goroutine and returns as soon as ctx ends.
// discordgo's bucket limiter sleeps on an exhausted bucket without watching
// the request context; the abandoned call finishes once the bucket resets.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// FromDiscord converts an API message into a RawMessage.
func FromDiscord(m *discordgo.Message) notice.RawMessage {
	raw := notice.RawMessage{
		ID:           m.ID,
		Timestamp:    m.Timestamp,
		Content:      m.Content,
		MentionRoles: append([]string(nil), m.MentionRoles...),
	}
	if m.Author != nil {
		raw.AuthorID = m.Author.ID
		raw.AuthorName = m.Author.Username
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		embed := notice.Embed{Title: e.Title, Description: e.Description}
		for _, f := range e.Fields {
			if f != nil {
				embed.Fields = append(embed.Fields, notice.Field{Name: f.Name, Value: f.Value})
			}
		}
		if e.Footer != nil {
			embed.FooterText = e.Footer.Text
		}
		if e.Image != nil {
			embed.ImageURL = e.Image.URL
		}
		raw.Embeds = append(raw.Embeds, embed)
	}
	return raw
}

// Classify maps a discordgo error onto the fault taxonomy:
// 429 → rate limit, 401/403 → auth, 5xx and network errors → transient,
// any other 4xx → permanent.
func Classify(message string, err error) error {
	if err == nil {
		return nil
	}

	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		var retryAfter time.Duration
		if rle.RateLimit != nil && rle.TooManyRequests != nil {
			retryAfter = rle.RetryAfter
		}
		return apperrors.NewRateLimitError(message, retryAfter, err).WithStatus(http.StatusTooManyRequests)
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		status := rest.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests:
			return apperrors.NewRateLimitError(message, retryAfterFromBody(rest.ResponseBody), err).WithStatus(status)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return apperrors.NewAuthError(message, err).WithStatus(status)
		case status >= http.StatusInternalServerError:
			return apperrors.NewTransientError(message, err).WithStatus(status)
		case status >= http.StatusBadRequest:
			return apperrors.NewPermanentError(message, err).WithStatus(status)
		}
	}

	return apperrors.NewTransientError(message, err)
}

// retryAfterFromBody reads the retry_after seconds of a 429 body.
func retryAfterFromBody(body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.RetryAfter <= 0 {
		return time.Second
	}
	return time.Duration(payload.RetryAfter * float64(time.Second))
}
