package telegram

import (
	"log/slog"
	"sync"

	"gopkg.in/telebot.v3"

	"github.com/khaliullov/scanmycar-agent/internal/dashboard"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
)

type composerTarget struct {
	pageID  string
	alertID domain.ID
}

// DashboardView draws dashboard pages into the chat. Polls are silent; the
// owner reads the list with /alerts. Revealing a reply target posts a
// force-reply prompt, and an answer to it becomes the reply.
type DashboardView struct {
	sender Sender
	chat   *telebot.Chat
	log    *logger.Logger

	mu      sync.Mutex
	prompts map[int]composerTarget
	counts  map[string]int
}

func NewDashboardView(sender Sender, chat *telebot.Chat, log *logger.Logger) *DashboardView {
	if log == nil {
		log = logger.Discard()
	}
	return &DashboardView{
		sender:  sender,
		chat:    chat,
		log:     log.WithComponent("view"),
		prompts: make(map[int]composerTarget),
		counts:  make(map[string]int),
	}
}

func (v *DashboardView) Render(p *dashboard.Page, alerts []domain.Alert) {
	v.mu.Lock()
	prev, seen := v.counts[p.ID()]
	v.counts[p.ID()] = len(alerts)
	v.mu.Unlock()
	if !seen || prev != len(alerts) {
		v.log.Debug("alerts rendered", slog.String("page", p.ID()), slog.Int("count", len(alerts)))
	}
}

func (v *DashboardView) Reveal(p *dashboard.Page, a domain.Alert) {
	var opts []interface{}
	opts = append(opts, telebot.ModeHTML)
	if !a.Replied() {
		opts = append(opts, &telebot.ReplyMarkup{ForceReply: true})
	}
	msg, err := v.sender.Send(v.chat, FormatComposerPrompt(a), opts...)
	if err != nil {
		v.log.Warn("failed to show reply composer", slog.String("alert", a.ID.String()), slog.String("error", err.Error()))
		return
	}
	if a.Replied() {
		return
	}
	v.mu.Lock()
	v.prompts[msg.ID] = composerTarget{pageID: p.ID(), alertID: a.ID}
	v.mu.Unlock()
}

func (v *DashboardView) Notify(_ *dashboard.Page, text string, isErr bool) {
	prefix := "✅ "
	if isErr {
		prefix = "⚠️ "
	}
	if _, err := v.sender.Send(v.chat, prefix+text); err != nil {
		v.log.Warn("failed to send toast", slog.String("error", err.Error()))
	}
}

// Target resolves a force-reply answer to the page and alert it belongs to.
func (v *DashboardView) Target(replyTo *telebot.Message) (pageID string, alertID domain.ID, ok bool) {
	if replyTo == nil {
		return "", "", false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.prompts[replyTo.ID]
	return t.pageID, t.alertID, ok
}

// Forget drops prompts of a page or of one alert on it.
func (v *DashboardView) Forget(pageID string, alertID domain.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, t := range v.prompts {
		if t.pageID == pageID && (alertID == "" || t.alertID == alertID) {
			delete(v.prompts, id)
		}
	}
}
