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

const actionPrefix = "notif_"

type ClickDispatcher interface {
	DispatchClick(n domain.Notification, action string, closeFn func() error) <-chan struct{}
}

type shown struct {
	msg *telebot.Message
	n   domain.Notification
}

// Notifier displays worker notifications as chat messages. A message stays
// until it is clicked or replaced by one with the same tag.
type Notifier struct {
	sender Sender
	chat   *telebot.Chat
	log    *logger.Logger

	mu     sync.Mutex
	clicks ClickDispatcher
	byTag  map[string]*shown
}

func NewNotifier(sender Sender, chat *telebot.Chat, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Discard()
	}
	return &Notifier{
		sender: sender,
		chat:   chat,
		log:    log.WithComponent("notifier"),
		byTag:  make(map[string]*shown),
	}
}

// SetDispatcher wires clicks to the worker host, which is built after the
// notifier it displays through.
func (n *Notifier) SetDispatcher(d ClickDispatcher) {
	n.mu.Lock()
	n.clicks = d
	n.mu.Unlock()
}

func actionMarkup(actions []domain.NotificationAction) *telebot.ReplyMarkup {
	if len(actions) == 0 {
		return nil
	}
	markup := &telebot.ReplyMarkup{}
	btns := make([]telebot.Btn, 0, len(actions))
	for _, a := range actions {
		btns = append(btns, markup.Data(a.Title, actionPrefix+a.Action))
	}
	markup.Inline(markup.Row(btns...))
	return markup
}

func (n *Notifier) ShowNotification(_ context.Context, title string, opts domain.NotificationOptions) error {
	sendOpts := []interface{}{telebot.ModeHTML}
	if markup := actionMarkup(opts.Actions); markup != nil {
		sendOpts = append(sendOpts, markup)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	prev := n.byTag[opts.Tag]
	if opts.Tag != "" && prev != nil {
		if err := n.sender.Delete(prev.msg); err != nil {
			n.log.Warn("failed to remove replaced notification", slog.String("error", err.Error()))
		}
		delete(n.byTag, opts.Tag)
		if !opts.Renotify {
			sendOpts = append(sendOpts, telebot.Silent)
		}
	}

	msg, err := n.sender.Send(n.chat, FormatNotification(title, opts), sendOpts...)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	key := opts.Tag
	if key == "" {
		key = fmt.Sprintf("msg-%d", msg.ID)
	}
	n.byTag[key] = &shown{msg: msg, n: domain.Notification{Title: title, NotificationOptions: opts}}
	return nil
}

// Visible lists notifications currently shown.
func (n *Notifier) Visible() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Notification, 0, len(n.byTag))
	for _, s := range n.byTag {
		out = append(out, s.n)
	}
	return out
}

func (n *Notifier) closeMessage(msgID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, s := range n.byTag {
		if s.msg.ID == msgID {
			delete(n.byTag, key)
			return n.sender.Delete(s.msg)
		}
	}
	return nil
}

// Click delivers a click on the message to the worker. It reports whether
// the message is a known notification.
func (n *Notifier) Click(msgID int, action string) (<-chan struct{}, bool) {
	n.mu.Lock()
	var target *shown
	for _, s := range n.byTag {
		if s.msg.ID == msgID {
			target = s
			break
		}
	}
	d := n.clicks
	n.mu.Unlock()
	if target == nil || d == nil {
		return nil, false
	}
	return d.DispatchClick(target.n, action, func() error { return n.closeMessage(msgID) }), true
}

// OpenLatest is a click on the body of the alert notification.
func (n *Notifier) OpenLatest() (<-chan struct{}, bool) {
	n.mu.Lock()
	s := n.byTag[domain.AlertTag]
	n.mu.Unlock()
	if s == nil {
		return nil, false
	}
	return n.Click(s.msg.ID, "")
}

func (n *Notifier) Bind(r Router) {
	for _, action := range []string{domain.ActionView, domain.ActionReply} {
		r.Handle(&telebot.Btn{Unique: actionPrefix + action}, func(c telebot.Context) error {
			cb := c.Callback()
			if cb == nil || cb.Message == nil {
				return c.Respond()
			}
			if _, ok := n.Click(cb.Message.ID, action); !ok {
				return c.Respond(&telebot.CallbackResponse{Text: "This notification has expired."})
			}
			return c.Respond()
		})
	}
}
