// Package browser drives real browser windows with Playwright, so clicks on
// notifications can open the web dashboard instead of the chat one.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/router"
)

const DefaultProfileDir = "./chrome-profile-scanmycar"

type Options struct {
	// BaseURL is where the web dashboard is served, e.g. https://scanmycar.app.
	BaseURL    string
	ProfileDir string
	Headless   bool
	// Identity, when set, is seeded into the dashboard's local storage.
	Identity func(ctx context.Context) (*domain.Identity, bool)
	Logger   *logger.Logger
}

// Clients is the set of browser windows the notification worker controls.
type Clients struct {
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	bctx    playwright.BrowserContext
	ids     map[playwright.Page]string
	seq     int
	claimed bool
}

func New(opts Options) *Clients {
	if opts.ProfileDir == "" {
		opts.ProfileDir = DefaultProfileDir
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Clients{opts: opts, log: log.WithComponent("browser"), ids: make(map[playwright.Page]string)}
}

// Launch starts the browser with a persistent profile.
func (c *Clients) Launch(ctx context.Context) error {
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("playwright run: %w", err)
	}

	userDataDir, _ := filepath.Abs(c.opts.ProfileDir)
	_ = os.MkdirAll(userDataDir, 0755)

	bctx, err := pw.Chromium.LaunchPersistentContext(userDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(c.opts.Headless),
		Args:     []string{"--disable-blink-features=AutomationControlled"},
	})
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("playwright launch: %w", err)
	}

	if c.opts.Identity != nil {
		if id, ok := c.opts.Identity(ctx); ok {
			script, err := IdentityScript(*id)
			if err == nil {
				err = bctx.AddInitScript(playwright.Script{Content: &script})
			}
			if err != nil {
				c.log.Warn("failed to seed identity", slog.String("error", err.Error()))
			}
		}
	}

	c.mu.Lock()
	c.pw, c.bctx = pw, bctx
	c.mu.Unlock()
	c.log.Info("browser launched", slog.String("profile", userDataDir))
	return nil
}

func (c *Clients) Close() error {
	c.mu.Lock()
	pw, bctx := c.pw, c.bctx
	c.pw, c.bctx = nil, nil
	c.ids = make(map[playwright.Page]string)
	c.mu.Unlock()
	if bctx != nil {
		if err := bctx.Close(); err != nil {
			c.log.Warn("browser close error", slog.String("error", err.Error()))
		}
	}
	if pw != nil {
		return pw.Stop()
	}
	return nil
}

func (c *Clients) context() (playwright.BrowserContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bctx == nil {
		return nil, fmt.Errorf("%w: browser not launched", domain.ErrUnsupportedEnvironment)
	}
	return c.bctx, nil
}

func (c *Clients) wrap(p playwright.Page) *Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[p]
	if !ok {
		c.seq++
		id = "window-" + strconv.Itoa(c.seq)
		c.ids[p] = id
	}
	return &Window{id: id, page: p, base: c.opts.BaseURL}
}

// MatchAll lists open windows. Every window of the profile is controlled
// once claimed.
func (c *Clients) MatchAll(_ context.Context, opts router.MatchOptions) ([]router.Client, error) {
	bctx, err := c.context()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	claimed := c.claimed
	c.mu.Unlock()
	if !claimed && !opts.IncludeUncontrolled {
		return nil, nil
	}
	var out []router.Client
	for _, p := range bctx.Pages() {
		if p.IsClosed() {
			continue
		}
		out = append(out, c.wrap(p))
	}
	return out, nil
}

func (c *Clients) OpenWindow(_ context.Context, target string) (router.Client, error) {
	bctx, err := c.context()
	if err != nil {
		return nil, err
	}
	p, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	w := c.wrap(p)
	if _, err := p.Goto(ResolveURL(c.opts.BaseURL, target)); err != nil {
		return nil, fmt.Errorf("goto %s: %w", target, err)
	}
	return w, nil
}

func (c *Clients) Claim(context.Context) error {
	c.mu.Lock()
	c.claimed = true
	c.mu.Unlock()
	return nil
}

// Window is one browser tab.
type Window struct {
	id   string
	page playwright.Page
	base string
}

func (w *Window) ID() string  { return w.id }
func (w *Window) URL() string { return w.page.URL() }

func (w *Window) Navigate(_ context.Context, target string) error {
	_, err := w.page.Goto(ResolveURL(w.base, target))
	return err
}

func (w *Window) Focus(context.Context) error {
	return w.page.BringToFront()
}

// ResolveURL resolves a worker target such as /dashboard?replyTo=4 against
// the dashboard's base URL.
func ResolveURL(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// IdentityScript stores the owner identity under the key the web dashboard
// reads on load.
func IdentityScript(id domain.Identity) (string, error) {
	value, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	quoted, err := json.Marshal(string(value))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("window.localStorage.setItem(%q, %s);", domain.IdentityStorageKey, quoted), nil
}
