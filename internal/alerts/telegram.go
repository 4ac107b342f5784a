package alerts

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "fleetd/pkg/logx"
)

// TelegramConfig points the notifier at one chat. Token must never be
// logged.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Telegram delivers alerts to a Telegram chat or forum thread.
type Telegram struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
	log      logx.Logger
}

// NewTelegram builds the notifier without touching the network, so the
// daemon boots even when Telegram is unreachable. A bad token surfaces
// on the first send instead.
func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:      bot,
		chatID:   cfg.ChatID,
		threadID: cfg.ThreadID,
		log:      log,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send posts one alert. The bot API has no context plumbing; the HTTP
// client timeout bounds the call instead.
func (t *Telegram) Send(ctx context.Context, a Alert) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, a.Render(), &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}
