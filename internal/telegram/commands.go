package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"

	"github.com/khaliullov/scanmycar-agent/internal/api"
	"github.com/khaliullov/scanmycar-agent/internal/dashboard"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
)

const (
	requestTimeout = 15 * time.Second

	helpText = `ScanMyCar alerts
/lookup <vehicle> <mobile> - link your vehicle
/subscribe - enable push notifications
/unsubscribe - disable them
/alerts - show your alerts
/reply_<id> - answer an alert
/cancel - close the reply composer
/open - open the latest alert
/test - show a test notification`
)

type NotificationsToggle interface {
	Enable(ctx context.Context) (domain.SubscriptionDescriptor, error)
	Disable(ctx context.Context) error
}

type VehicleLookup interface {
	LookupVehicle(ctx context.Context, vehicleNumber, mobileNumber string) (api.VehicleRecord, error)
}

type IdentityStore interface {
	Current(ctx context.Context) (*domain.Identity, bool)
	Set(ctx context.Context, id domain.Identity) error
}

type CommandsOptions struct {
	ChatID        int64
	DashboardPath string
	Pages         *dashboard.Pages
	View          *DashboardView
	Notifier      *Notifier
	Permission    *PermissionPrompt
	Notifications NotificationsToggle
	Lookup        VehicleLookup
	Identity      IdentityStore
	Now           func() time.Time
	Logger        *logger.Logger
}

// Commands is the chat's command surface over the dashboard and the
// subscription flow.
type Commands struct {
	ctx  context.Context
	opts CommandsOptions
	log  *logger.Logger
}

func NewCommands(ctx context.Context, opts CommandsOptions) *Commands {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DashboardPath == "" {
		opts.DashboardPath = domain.DefaultDashboardPath
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Commands{ctx: ctx, opts: opts, log: log.WithComponent("commands")}
}

func (cm *Commands) Bind(bot *telebot.Bot) {
	bot.Use(middleware.Whitelist(cm.opts.ChatID))

	cm.opts.Notifier.Bind(bot)
	cm.opts.Permission.Bind(bot)

	bot.Handle("/start", cm.help)
	bot.Handle("/help", cm.help)
	bot.Handle("/lookup", cm.lookup)
	bot.Handle("/subscribe", cm.subscribe)
	bot.Handle("/unsubscribe", cm.unsubscribe)
	bot.Handle("/alerts", cm.alerts)
	bot.Handle("/cancel", cm.cancel)
	bot.Handle("/open", cm.open)
	bot.Handle("/test", cm.test)
	bot.Handle(telebot.OnText, cm.text)
}

func (cm *Commands) help(c telebot.Context) error {
	return c.Send(helpText)
}

// page returns the dashboard the chat is looking at, opening one if needed.
func (cm *Commands) page() *dashboard.Page {
	if p, ok := cm.opts.Pages.Focused(); ok {
		return p
	}
	var p *dashboard.Page
	if list := cm.opts.Pages.List(); len(list) > 0 {
		p = list[0]
	} else {
		p = cm.opts.Pages.Open(cm.opts.DashboardPath)
	}
	_ = p.Focus(cm.ctx)
	return p
}

func (cm *Commands) lookup(c telebot.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Send("Usage: /lookup <vehicle number> <mobile number>")
	}
	ctx, cancel := context.WithTimeout(cm.ctx, requestTimeout)
	defer cancel()

	v, err := cm.opts.Lookup.LookupVehicle(ctx, strings.ToUpper(args[0]), args[1])
	if errors.Is(err, domain.ErrNotFound) {
		return c.Send("Vehicle not found")
	}
	if err != nil {
		cm.log.Warn("lookup failed", slog.String("error", err.Error()))
		return c.Send("Lookup failed")
	}
	if err := cm.opts.Identity.Set(ctx, v.Identity()); err != nil {
		cm.log.LogError(err, "failed to store identity")
		return c.Send("Lookup failed")
	}
	for _, p := range cm.opts.Pages.List() {
		p.Refresh()
	}
	return c.Send(fmt.Sprintf("Vehicle found! %s is linked. Use /subscribe to get alerts.", v.VehicleNumber))
}

func (cm *Commands) subscribe(c telebot.Context) error {
	// Waits for the permission answer, which arrives as another update.
	if _, err := cm.opts.Notifications.Enable(cm.ctx); err != nil {
		return c.Send(err.Error())
	}
	return c.Send("Push notifications enabled!")
}

func (cm *Commands) unsubscribe(c telebot.Context) error {
	err := cm.opts.Notifications.Disable(cm.ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return c.Send("Push notifications are not enabled.")
	}
	if err != nil {
		return c.Send(err.Error())
	}
	return c.Send("Push notifications disabled.")
}

func (cm *Commands) alerts(c telebot.Context) error {
	if _, ok := cm.opts.Identity.Current(cm.ctx); !ok {
		return c.Send("Link your vehicle first: /lookup <vehicle number> <mobile number>")
	}
	p := cm.page()
	if !p.Loaded() {
		p.Refresh()
		return c.Send("Loading alerts, try again in a moment.")
	}
	return c.Send(FormatThread(p.Thread()), telebot.ModeHTML)
}

func (cm *Commands) cancel(c telebot.Context) error {
	p := cm.page()
	if _, ok := p.PendingReplyTarget(); !ok {
		return c.Send("No reply in progress.")
	}
	p.CancelComposer()
	cm.opts.View.Forget(p.ID(), "")
	return c.Send("Reply cancelled.")
}

func (cm *Commands) open(c telebot.Context) error {
	if _, ok := cm.opts.Notifier.OpenLatest(); !ok {
		return c.Send("No alert notification to open.")
	}
	return nil
}

func (cm *Commands) test(c telebot.Context) error {
	n := domain.NewTestNotification(cm.opts.DashboardPath, cm.opts.Now())
	if err := cm.opts.Notifier.ShowNotification(cm.ctx, n.Title, n.NotificationOptions); err != nil {
		return c.Send("Failed to show test notification")
	}
	return c.Send("Test notification sent!")
}

// ReplyCommand parses "/reply_<id>", optionally addressed as "/reply_<id>@bot".
func ReplyCommand(text string) (domain.ID, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), "/reply_")
	if !ok {
		return "", false
	}
	rest, _, _ = strings.Cut(rest, "@")
	return domain.ParseID(rest)
}

func (cm *Commands) text(c telebot.Context) error {
	text := c.Text()
	if id, ok := ReplyCommand(text); ok {
		return cm.openComposer(c, id)
	}
	if strings.HasPrefix(text, "/") {
		return c.Send("Unknown command. Try /help.")
	}

	var (
		p  *dashboard.Page
		id domain.ID
	)
	if pageID, alertID, ok := cm.opts.View.Target(c.Message().ReplyTo); ok {
		if p, ok = cm.opts.Pages.Get(pageID); !ok {
			return c.Send("That dashboard is closed. Use /alerts.")
		}
		id = alertID
	} else {
		p = cm.page()
		if id, ok = p.PendingReplyTarget(); !ok {
			return c.Send("Pick an alert to answer from /alerts.")
		}
	}

	p.SetComposerText(text)
	ctx, cancel := context.WithTimeout(cm.ctx, requestTimeout)
	defer cancel()
	err := p.SubmitReply(ctx, id, text)
	if errors.Is(err, domain.ErrEmptyReply) {
		return c.Send("Reply is empty.")
	}
	if err == nil {
		cm.opts.View.Forget(p.ID(), id)
	}
	// The view has already told the owner how it went.
	return nil
}

func (cm *Commands) openComposer(c telebot.Context, id domain.ID) error {
	p := cm.page()
	a, ok := p.Alert(id)
	if !ok {
		return c.Send(fmt.Sprintf("Alert #%s is not in your list.", id))
	}
	p.OpenComposer(id)
	cm.opts.View.Reveal(p, a)
	return nil
}
