package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	apperrors "github.com/edgard/relaybot/internal/errors"
)

const defaultSendTimeout = 15 * time.Second

// Sender posts HTML messages to one chat.
type Sender struct {
	bot     *bot.Bot
	chatID  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSender returns a sender bound to chatID.
func NewSender(b *bot.Bot, chatID string, timeout time.Duration, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sender{
		bot:     b,
		chatID:  chatID,
		timeout: timeout,
		logger:  logger.With("component", "telegram_sender", "chat_id", chatID),
	}
}

// CheckAuth calls getMe to verify the token is accepted.
func (s *Sender) CheckAuth(ctx context.Context) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	me, err := s.bot.GetMe(ctx)
	if err != nil {
		return nil, Classify("getMe", err)
	}
	return me, nil
}

// Send posts text with parse_mode=HTML. Errors are classified (see Classify).
func (s *Sender) Send(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return Classify("sendMessage", err)
	}
	s.logger.DebugContext(ctx, "Message sent", "message_id", msg.ID)
	return nil
}

// Classify maps go-telegram/bot errors onto the fault taxonomy:
// 429 → rate limit, 401/403 → auth, any other 4xx → permanent, everything
// else (5xx, timeouts, resets, undecodable bodies) → transient. Codes the
// library has no sentinel for are read from its generic response error.
func Classify(method string, err error) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf("telegram %s", method)

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return apperrors.NewRateLimitError(message, time.Duration(tooMany.RetryAfter)*time.Second, err).
			WithStatus(http.StatusTooManyRequests)
	}

	var migrate *bot.MigrateError
	switch {
	case errors.Is(err, bot.ErrorUnauthorized):
		return apperrors.NewAuthError(message, err).WithStatus(http.StatusUnauthorized)
	case errors.Is(err, bot.ErrorForbidden):
		return apperrors.NewAuthError(message, err).WithStatus(http.StatusForbidden)
	case errors.Is(err, bot.ErrorBadRequest), errors.As(err, &migrate):
		return apperrors.NewPermanentError(message, err).WithStatus(http.StatusBadRequest)
	case errors.Is(err, bot.ErrorNotFound):
		return apperrors.NewPermanentError(message, err).WithStatus(http.StatusNotFound)
	case errors.Is(err, bot.ErrorConflict):
		return apperrors.NewPermanentError(message, err).WithStatus(http.StatusConflict)
	}

	code, ok := responseCode(err)
	switch {
	case !ok:
		return apperrors.NewTransientError(message, err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return apperrors.NewAuthError(message, err).WithStatus(code)
	case code == http.StatusTooManyRequests:
		return apperrors.NewRateLimitError(message, 0, err).WithStatus(code)
	case code >= 400 && code < 500:
		return apperrors.NewPermanentError(message, err).WithStatus(code)
	default:
		return apperrors.NewTransientError(message, err).WithStatus(code)
	}
}

// genericResponsePrefix starts the error go-telegram/bot returns for
// error codes it has no sentinel for.
const genericResponsePrefix = "error response from telegram for method "

// responseCode extracts error_code from the library's generic response
// error ("error response from telegram for method M, CODE DESCRIPTION").
func responseCode(err error) (int, bool) {
	_, rest, found := strings.Cut(err.Error(), genericResponsePrefix)
	if !found {
		return 0, false
	}
	_, rest, found = strings.Cut(rest, ", ")
	if !found {
		return 0, false
	}
	field, _, _ := strings.Cut(rest, " ")
	code, convErr := strconv.Atoi(field)
	if convErr != nil {
		return 0, false
	}
	return code, true
}
