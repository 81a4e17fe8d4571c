package infrastructure

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TelegramAlerter posts operator alerts to a single chat.
type TelegramAlerter struct {
	Bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegramAlerter never fails; a bad token disables alerts with a warning.
func NewTelegramAlerter(token string, chatID int64, log *zap.Logger) *TelegramAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &TelegramAlerter{chatID: chatID, log: log}
	if token == "" || chatID == 0 {
		log.Info("telegram alerts disabled")
		return a
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn("telegram bot token issue, alerts disabled", zap.Error(err))
		return a
	}
	a.Bot = bot
	return a
}

func (a *TelegramAlerter) Enabled() bool { return a != nil && a.Bot != nil }

func (a *TelegramAlerter) Alert(ctx context.Context, text string) error {
	if !a.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(a.chatID, text)
	if _, err := a.Bot.Send(msg); err != nil {
		return errors.Wrap(err, "telegram send")
	}
	return nil
}
