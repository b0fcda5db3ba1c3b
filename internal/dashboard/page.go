// Package dashboard implements the owner's dashboard page: a poll loop that
// keeps a local copy of the owner's alerts in step with the server, the reply
// composer state, and deep-link handling for notification clicks.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/metrics"
	"github.com/khaliullov/scanmycar-agent/internal/router"
)

const DefaultInterval = 10 * time.Second

type AlertSource interface {
	AlertsByOwner(ctx context.Context, ownerID domain.ID) ([]domain.Alert, error)
	Reply(ctx context.Context, alertID domain.ID, text string) error
}

// View renders a page. Calls come from the page's loop goroutine or from the
// caller of SubmitReply, never while the page lock is held.
type View interface {
	Render(p *Page, alerts []domain.Alert)
	Reveal(p *Page, alert domain.Alert)
	Notify(p *Page, msg string, isErr bool)
}

// Ticker returns a tick channel and its release func.
type Ticker func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Options struct {
	Source   AlertSource
	View     View
	Owner    func(ctx context.Context) (domain.ID, bool)
	Interval time.Duration
	Ticker   Ticker
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
}

type Page struct {
	id   string
	opts Options
	log  *logger.Logger

	mu           sync.Mutex
	url          string
	deepLink     domain.ID
	deepLinkSeen bool
	alerts       []domain.Alert
	loaded       bool
	pending      *domain.PendingReplyTarget
	revealed     domain.ID
	composer     string
	focused      bool
	onFocus      func(*Page)

	refresh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPage(id, url string, opts Options) *Page {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Ticker == nil {
		opts.Ticker = realTicker
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	p := &Page{
		id:      id,
		opts:    opts,
		log:     log.WithComponent("dashboard").With(slog.String("page", id)),
		refresh: make(chan struct{}, 1),
	}
	p.setURL(url)
	return p
}

func (p *Page) ID() string { return p.id }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// setURL records the location and arms its deep link. Callers must not hold p.mu.
func (p *Page) setURL(url string) {
	id, ok := router.ReplyTargetFromURL(url)
	p.mu.Lock()
	p.url = url
	p.deepLink = id
	p.deepLinkSeen = !ok
	p.mu.Unlock()
}

// Mount starts polling: one fetch now, then one per interval. It is a no-op
// on an already mounted page.
func (p *Page) Mount(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.run(ctx, done)
}

// Unmount stops polling and waits for the loop to exit. No fetch starts
// after Unmount returns.
func (p *Page) Unmount() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Page) Mounted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Page) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	tick, release := p.opts.Ticker(p.opts.Interval)
	defer release()

	p.fetch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			p.fetch(ctx)
		case <-p.refresh:
			p.fetch(ctx)
		}
	}
}

// Refresh asks the loop for an out-of-cycle fetch. Requests coalesce.
func (p *Page) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

func (p *Page) fetch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	owner, ok := p.opts.Owner(ctx)
	if !ok {
		p.log.Debug("no owner identity yet, skipping fetch")
		return
	}

	alerts, err := p.opts.Source.AlertsByOwner(ctx, owner)
	if ctx.Err() != nil {
		return
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.Polls.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		p.log.Warn("failed to fetch alerts", slog.String("error", err.Error()))
		return
	}
	p.apply(alerts)
}

func (p *Page) apply(alerts []domain.Alert) {
	p.mu.Lock()
	p.alerts = append([]domain.Alert(nil), alerts...)
	p.loaded = true

	if !p.deepLinkSeen {
		p.deepLinkSeen = true
		if !p.pending.Is(p.deepLink) {
			p.composer = ""
		}
		p.pending = &domain.PendingReplyTarget{AlertID: p.deepLink}
		p.revealed = ""
	}

	var reveal *domain.Alert
	if p.pending != nil && p.revealed != p.pending.AlertID {
		for i := range p.alerts {
			if p.alerts[i].ID != p.pending.AlertID {
				continue
			}
			a := p.alerts[i]
			reveal = &a
			p.revealed = a.ID
			if a.Replied() {
				p.pending = nil
				p.composer = ""
			}
			break
		}
	}
	snapshot := append([]domain.Alert(nil), p.alerts...)
	p.mu.Unlock()

	if p.opts.View != nil {
		p.opts.View.Render(p, snapshot)
		if reveal != nil {
			p.opts.View.Reveal(p, *reveal)
		}
	}
}

// Alerts is the list from the most recent successful fetch.
func (p *Page) Alerts() []domain.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Alert(nil), p.alerts...)
}

func (p *Page) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *Page) Alert(id domain.ID) (domain.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.alerts {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Alert{}, false
}

func (p *Page) Thread() []Conversation {
	return BuildThread(p.Alerts())
}

func (p *Page) PendingReplyTarget() (domain.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return "", false
	}
	return p.pending.AlertID, true
}

// OpenComposer opens the reply composer for id, dropping any other one
// without submitting it.
func (p *Page) OpenComposer(id domain.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.Is(id) {
		return
	}
	p.pending = &domain.PendingReplyTarget{AlertID: id}
	p.revealed = id
	p.composer = ""
}

func (p *Page) CancelComposer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.composer = ""
}

func (p *Page) SetComposerText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.composer = text
}

func (p *Page) ComposerText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.composer
}

// SubmitReply sends text as the reply to id. Blank text is rejected before
// any network call. On failure the composer keeps the text.
func (p *Page) SubmitReply(ctx context.Context, id domain.ID, text string) error {
	if strings.TrimSpace(text) == "" {
		if p.opts.Metrics != nil {
			p.opts.Metrics.Replies.WithLabelValues("empty").Inc()
		}
		return domain.ErrEmptyReply
	}

	p.mu.Lock()
	if !p.pending.Is(id) {
		p.pending = &domain.PendingReplyTarget{AlertID: id}
		p.revealed = id
	}
	p.composer = text
	p.mu.Unlock()

	err := p.opts.Source.Reply(ctx, id, text)
	if p.opts.Metrics != nil {
		p.opts.Metrics.Replies.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		p.log.Warn("failed to send reply", slog.String("alert", id.String()), slog.String("error", err.Error()))
		if p.opts.View != nil {
			p.opts.View.Notify(p, "Failed to send reply", true)
		}
		return fmt.Errorf("reply to alert %s: %w", id, err)
	}

	p.mu.Lock()
	if p.pending.Is(id) {
		p.pending = nil
		p.composer = ""
	}
	p.mu.Unlock()

	if p.opts.View != nil {
		p.opts.View.Notify(p, "Reply sent!", false)
	}
	p.Refresh()
	return nil
}

// Navigate moves the page to url. A replyTo parameter is applied after the
// next fetch, which is requested right away.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.setURL(url)
	p.Refresh()
	return nil
}

func (p *Page) Focus(context.Context) error {
	p.mu.Lock()
	p.focused = true
	onFocus := p.onFocus
	p.mu.Unlock()
	if onFocus != nil {
		onFocus(p)
	}
	return nil
}

func (p *Page) blur() {
	p.mu.Lock()
	p.focused = false
	p.mu.Unlock()
}

func (p *Page) Focused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused
}
