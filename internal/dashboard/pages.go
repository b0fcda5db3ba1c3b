package dashboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/khaliullov/scanmycar-agent/internal/router"
)

// Pages is the set of open dashboard instances in this process. It is the
// client set the notification worker routes clicks into.
type Pages struct {
	opts Options
	ctx  context.Context

	mu         sync.Mutex
	seq        int
	pages      []*Page
	controlled map[string]bool
	onEmpty    func()
}

func NewPages(ctx context.Context, opts Options) *Pages {
	return &Pages{
		opts:       opts,
		ctx:        ctx,
		controlled: make(map[string]bool),
	}
}

// OnEmpty registers fn to run after the last page closes.
func (ps *Pages) OnEmpty(fn func()) {
	ps.mu.Lock()
	ps.onEmpty = fn
	ps.mu.Unlock()
}

// Open creates and mounts a page at url.
func (ps *Pages) Open(url string) *Page {
	ps.mu.Lock()
	ps.seq++
	p := NewPage(fmt.Sprintf("page-%d", ps.seq), url, ps.opts)
	p.onFocus = ps.focused
	ps.pages = append(ps.pages, p)
	ps.mu.Unlock()

	p.Mount(ps.ctx)
	return p
}

func (ps *Pages) focused(p *Page) {
	ps.mu.Lock()
	others := make([]*Page, 0, len(ps.pages))
	for _, o := range ps.pages {
		if o != p {
			others = append(others, o)
		}
	}
	ps.mu.Unlock()
	for _, o := range others {
		o.blur()
	}
}

// Close unmounts and forgets the page.
func (ps *Pages) Close(id string) bool {
	ps.mu.Lock()
	var p *Page
	for i, o := range ps.pages {
		if o.ID() == id {
			p = o
			ps.pages = append(ps.pages[:i], ps.pages[i+1:]...)
			break
		}
	}
	delete(ps.controlled, id)
	empty := len(ps.pages) == 0
	onEmpty := ps.onEmpty
	ps.mu.Unlock()

	if p == nil {
		return false
	}
	p.Unmount()
	if empty && onEmpty != nil {
		onEmpty()
	}
	return true
}

func (ps *Pages) CloseAll() {
	for _, p := range ps.List() {
		ps.Close(p.ID())
	}
}

func (ps *Pages) List() []*Page {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]*Page(nil), ps.pages...)
}

func (ps *Pages) Get(id string) (*Page, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ps.pages {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// Focused returns the page with focus, if any.
func (ps *Pages) Focused() (*Page, bool) {
	for _, p := range ps.List() {
		if p.Focused() {
			return p, true
		}
	}
	return nil, false
}

func (ps *Pages) MatchAll(_ context.Context, opts router.MatchOptions) ([]router.Client, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]router.Client, 0, len(ps.pages))
	for _, p := range ps.pages {
		if opts.IncludeUncontrolled || ps.controlled[p.ID()] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (ps *Pages) OpenWindow(ctx context.Context, url string) (router.Client, error) {
	p := ps.Open(url)
	if err := p.Focus(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Claim puts every open page under the active worker's control.
func (ps *Pages) Claim(context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ps.pages {
		ps.controlled[p.ID()] = true
	}
	return nil
}

func (ps *Pages) Controlled(id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.controlled[id]
}
