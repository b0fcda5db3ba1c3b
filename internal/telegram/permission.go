package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/telebot.v3"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
)

const (
	permAllow = "perm_allow"
	permBlock = "perm_block"
	permLater = "perm_later"
)

// PermissionPrompt asks the owner in the chat whether alerts may be shown.
// There is no timeout: the question stays open until answered or the
// caller's context ends.
type PermissionPrompt struct {
	sender Sender
	chat   *telebot.Chat
	log    *logger.Logger

	mu      sync.Mutex
	waiting chan domain.Permission
}

func NewPermissionPrompt(sender Sender, chat *telebot.Chat, log *logger.Logger) *PermissionPrompt {
	if log == nil {
		log = logger.Discard()
	}
	return &PermissionPrompt{sender: sender, chat: chat, log: log.WithComponent("permission")}
}

func (p *PermissionPrompt) RequestPermission(ctx context.Context) (domain.Permission, error) {
	ch := make(chan domain.Permission, 1)
	p.mu.Lock()
	if p.waiting != nil {
		// A newer question supersedes the open one.
		p.waiting <- domain.PermissionDefault
	}
	p.waiting = ch
	p.mu.Unlock()

	markup := &telebot.ReplyMarkup{}
	markup.Inline(markup.Row(
		markup.Data("✅ Allow", permAllow),
		markup.Data("🚫 Block", permBlock),
		markup.Data("Not now", permLater),
	))
	msg, err := p.sender.Send(p.chat, "🔔 ScanMyCar wants to send you vehicle alerts.", markup)
	if err != nil {
		p.forget(ch)
		return domain.PermissionDefault, fmt.Errorf("send permission prompt: %w", err)
	}
	defer func() {
		if err := p.sender.Delete(msg); err != nil {
			p.log.Debug("failed to remove permission prompt", slog.String("error", err.Error()))
		}
	}()

	select {
	case perm := <-ch:
		return perm, nil
	case <-ctx.Done():
		p.forget(ch)
		return domain.PermissionDefault, ctx.Err()
	}
}

func (p *PermissionPrompt) forget(ch chan domain.Permission) {
	p.mu.Lock()
	if p.waiting == ch {
		p.waiting = nil
	}
	p.mu.Unlock()
}

// Answer resolves the open question. It reports whether one was open.
func (p *PermissionPrompt) Answer(perm domain.Permission) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting == nil {
		return false
	}
	p.waiting <- perm
	p.waiting = nil
	return true
}

func (p *PermissionPrompt) Bind(r Router) {
	answers := map[string]domain.Permission{
		permAllow: domain.PermissionGranted,
		permBlock: domain.PermissionDenied,
		permLater: domain.PermissionDefault,
	}
	for unique, perm := range answers {
		r.Handle(&telebot.Btn{Unique: unique}, func(c telebot.Context) error {
			if !p.Answer(perm) {
				return c.Respond(&telebot.CallbackResponse{Text: "Nothing to answer."})
			}
			return c.Respond()
		})
	}
}
