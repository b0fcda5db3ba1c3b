// Package telegram is the agent's notification surface: alerts arrive as
// chat messages with action buttons, and the owner reads and answers them
// from the chat.
package telegram

import (
	"fmt"
	"time"

	"gopkg.in/telebot.v3"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

// Sender is the part of the bot the surface writes through.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
	Delete(msg telebot.Editable) error
}

// Router registers update handlers.
type Router interface {
	Handle(endpoint interface{}, h telebot.HandlerFunc, m ...telebot.MiddlewareFunc)
}

func InitTelegram(cfg *domain.Config) (*telebot.Bot, error) {
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		return nil, fmt.Errorf("telegram token and chat_id must be set in config.yaml or TELEGRAM_TOKEN/TELEGRAM_CHAT_ID")
	}
	return telebot.NewBot(telebot.Settings{
		Token:  cfg.Telegram.Token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
}

func Chat(cfg *domain.Config) *telebot.Chat {
	return &telebot.Chat{ID: cfg.Telegram.ChatID}
}
