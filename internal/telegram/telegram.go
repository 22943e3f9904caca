// Package telegram adapts the Telegram Bot API to the narrow interfaces
// internal/stream and internal/router need, isolating the rest of the
// gateway from the bot library's types.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/acpgateway/gateway/internal/stream"
)

// Adapter wraps a tgbotapi.BotAPI to satisfy stream.MessagingAPI and to
// drive the router's long-poll update loop.
type Adapter struct {
	bot *tgbotapi.BotAPI
	log *slog.Logger
}

func New(token string, log *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{bot: bot, log: log}, nil
}

// SendOrEditDraft implements stream.MessagingAPI: the first call for a
// turn (draftMessageID == 0) sends a new message and returns its ID;
// subsequent calls edit that message in place.
func (a *Adapter) SendOrEditDraft(ctx context.Context, chatID, topicID, draftMessageID int64, text string) (int64, error) {
	if draftMessageID == 0 {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.MessageThreadID = int(topicID)
		sent, err := a.bot.Send(msg)
		if err != nil {
			return 0, wrapRateLimit(err)
		}
		return int64(sent.MessageID), nil
	}

	edit := tgbotapi.NewEditMessageText(chatID, int(draftMessageID), text)
	if _, err := a.bot.Send(edit); err != nil {
		if isMessageUnmodified(err) {
			return draftMessageID, nil
		}
		return 0, wrapRateLimit(err)
	}
	return draftMessageID, nil
}

func (a *Adapter) SendPlainMessage(ctx context.Context, chatID, topicID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.MessageThreadID = int(topicID)
	_, err := a.bot.Send(msg)
	return wrapRateLimit(err)
}

func (a *Adapter) SendFormattedMessage(ctx context.Context, chatID, topicID int64, html string) error {
	msg := tgbotapi.NewMessage(chatID, html)
	msg.MessageThreadID = int(topicID)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := a.bot.Send(msg)
	return wrapRateLimit(err)
}

// GetFileDirectURL resolves a Telegram file_id to a downloadable URL, used
// by internal/workspace to pull in user-uploaded attachments.
func (a *Adapter) GetFileDirectURL(fileID string) (string, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("telegram: resolve file url: %w", err)
	}
	return url, nil
}

// Updates returns the long-poll update channel the router consumes. Every
// update is passed through unfiltered; dropping non-message updates and
// checking the allowlist is left to the caller.
func (a *Adapter) Updates(ctx context.Context) tgbotapi.UpdatesChannel {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	return a.bot.GetUpdatesChan(cfg)
}

func (a *Adapter) StopReceivingUpdates() {
	a.bot.StopReceivingUpdates()
}

func wrapRateLimit(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*tgbotapi.Error); ok && apiErr.ResponseParameters.RetryAfter > 0 {
		return &stream.RateLimitError{RetryAfter: time.Duration(apiErr.ResponseParameters.RetryAfter) * time.Second}
	}
	return err
}

func isMessageUnmodified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
