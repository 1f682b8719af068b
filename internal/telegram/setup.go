// Package telegram delivers notices to the destination chat through the
// Telegram Bot API using the go-telegram/bot library.
package telegram

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
)

// NewTelegramBot creates a Telegram bot client. The client never polls for
// updates; it is only used to send messages. apiURL overrides the API base
// URL when non-empty.
func NewTelegramBot(token, apiURL string, timeout time.Duration, logger *slog.Logger, opts ...bot.Option) (*bot.Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "telegram_bot")

	base := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(timeout, &http.Client{Timeout: timeout}),
	}
	if apiURL != "" {
		base = append(base, bot.WithServerURL(apiURL))
	}

	b, err := bot.New(token, append(base, opts...)...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info("Telegram bot instance created", "token_prefix", tokenPrefix(token))
	return b, nil
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
