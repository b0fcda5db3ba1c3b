package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/router"
)

var base = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func alert(id, vehicle string, minutes int) domain.Alert {
	return domain.Alert{
		ID:        domain.ID(id),
		VehicleID: domain.ID(vehicle),
		Message:   "Your car is blocking my exit.",
		CreatedAt: base.Add(time.Duration(minutes) * time.Minute),
		Vehicle:   domain.Vehicle{VehicleNumber: "DL8CAS" + vehicle},
	}
}

type fakeSource struct {
	mu        sync.Mutex
	responses [][]domain.Alert
	fetches   int
	inFlight  int
	maxFlight int
	gate      chan struct{}
	fetchErr  error

	replies  []string
	replyErr error
}

func (s *fakeSource) AlertsByOwner(ctx context.Context, owner domain.ID) ([]domain.Alert, error) {
	s.mu.Lock()
	s.fetches++
	s.inFlight++
	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if len(s.responses) == 0 {
		return nil, nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func (s *fakeSource) Reply(_ context.Context, id domain.ID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, id.String()+":"+text)
	return s.replyErr
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *fakeSource) replyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

type fakeView struct {
	mu      sync.Mutex
	renders int
	reveals []domain.ID
	notes   []string
}

func (v *fakeView) Render(*Page, []domain.Alert) {
	v.mu.Lock()
	v.renders++
	v.mu.Unlock()
}

func (v *fakeView) Reveal(_ *Page, a domain.Alert) {
	v.mu.Lock()
	v.reveals = append(v.reveals, a.ID)
	v.mu.Unlock()
}

func (v *fakeView) Notify(_ *Page, msg string, _ bool) {
	v.mu.Lock()
	v.notes = append(v.notes, msg)
	v.mu.Unlock()
}

func (v *fakeView) revealed() []domain.ID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.ID(nil), v.reveals...)
}

type manualTicker struct {
	ch       chan time.Time
	released chan struct{}
	once     sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time, 1), released: make(chan struct{})}
}

func (m *manualTicker) ticker(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() { m.once.Do(func() { close(m.released) }) }
}

func (m *manualTicker) tick() {
	m.ch <- time.Now()
}

func newTestPage(t *testing.T, url string, src *fakeSource, view *fakeView, tk *manualTicker) *Page {
	t.Helper()
	p := NewPage("page-1", url, Options{
		Source: src,
		View:   view,
		Owner:  func(context.Context) (domain.ID, bool) { return "1", true },
		Ticker: tk.ticker,
	})
	t.Cleanup(p.Unmount)
	return p
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestMountFetchesImmediatelyThenOnTick(t *testing.T) {
	src := &fakeSource{responses: [][]domain.Alert{{alert("1", "1", 0)}}}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard", src, &fakeView{}, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return src.fetchCount() == 1 })
	assert.True(t, p.Loaded())

	tk.tick()
	eventually(t, func() bool { return src.fetchCount() == 2 })
}

func TestUnmountStopsPolling(t *testing.T) {
	src := &fakeSource{}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard", src, &fakeView{}, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return src.fetchCount() == 1 })

	p.Unmount()
	<-tk.released
	assert.False(t, p.Mounted())

	tk.tick()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, src.fetchCount())
}

func TestPollReplacesListAndKeepsPendingTarget(t *testing.T) {
	a1, a2 := alert("1", "1", 0), alert("2", "1", 5)
	src := &fakeSource{responses: [][]domain.Alert{{a1}, {a1, a2}}}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard", src, &fakeView{}, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return len(p.Alerts()) == 1 })

	p.OpenComposer(a1.ID)
	tk.tick()
	eventually(t, func() bool { return len(p.Alerts()) == 2 })

	thread := p.Thread()
	require.Len(t, thread, 2)
	assert.Equal(t, a1.ID, thread[0].AlertID)
	assert.Equal(t, a2.ID, thread[1].AlertID)

	id, ok := p.PendingReplyTarget()
	assert.True(t, ok)
	assert.Equal(t, a1.ID, id)
}

func TestFetchFailureKeepsListAndRetriesNextTick(t *testing.T) {
	src := &fakeSource{responses: [][]domain.Alert{{alert("1", "1", 0)}}}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard", src, &fakeView{}, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return len(p.Alerts()) == 1 })

	src.mu.Lock()
	src.fetchErr = errors.New("connection refused")
	src.mu.Unlock()
	tk.tick()
	eventually(t, func() bool { return src.fetchCount() == 2 })
	assert.Len(t, p.Alerts(), 1)

	src.mu.Lock()
	src.fetchErr = nil
	src.mu.Unlock()
	tk.tick()
	eventually(t, func() bool { return src.fetchCount() == 3 })
}

func TestTicksNeverStackFetches(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard", src, &fakeView{}, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return src.fetchCount() == 1 })

	tk.tick()
	p.Refresh()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, src.fetchCount(), "next fetch waits for the previous one")

	close(src.gate)
	eventually(t, func() bool { return src.fetchCount() >= 2 })

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.maxFlight)
}

func TestDeepLinkOpensComposerAndRevealsOnce(t *testing.T) {
	a1, a2 := alert("1", "1", 0), alert("2", "1", 5)
	src := &fakeSource{responses: [][]domain.Alert{{a1}, {a1, a2}, {a1, a2}}}
	view := &fakeView{}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard?replyTo=2", src, view, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return src.fetchCount() == 1 })

	id, ok := p.PendingReplyTarget()
	require.True(t, ok)
	assert.Equal(t, a2.ID, id)
	assert.Empty(t, view.revealed(), "nothing to reveal until the alert is listed")

	tk.tick()
	eventually(t, func() bool { return len(view.revealed()) == 1 })
	tk.tick()
	eventually(t, func() bool { return src.fetchCount() == 3 })
	assert.Equal(t, []domain.ID{a2.ID}, view.revealed())
}

func TestDeepLinkIsConsumedOnce(t *testing.T) {
	a1 := alert("1", "1", 0)
	src := &fakeSource{responses: [][]domain.Alert{{a1}}}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard?replyTo=1", src, &fakeView{}, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { _, ok := p.PendingReplyTarget(); return ok })

	p.CancelComposer()
	tk.tick()
	eventually(t, func() bool { return src.fetchCount() == 2 })
	_, ok := p.PendingReplyTarget()
	assert.False(t, ok)
}

func TestInvalidDeepLinkIgnored(t *testing.T) {
	src := &fakeSource{responses: [][]domain.Alert{{alert("1", "1", 0)}}}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard?replyTo=abc", src, &fakeView{}, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return src.fetchCount() == 1 })
	_, ok := p.PendingReplyTarget()
	assert.False(t, ok)
}

func TestNavigateAppliesNewDeepLink(t *testing.T) {
	a1, a2 := alert("1", "1", 0), alert("2", "2", 1)
	src := &fakeSource{responses: [][]domain.Alert{{a1, a2}}}
	view := &fakeView{}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard", src, view, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return src.fetchCount() == 1 })

	require.NoError(t, p.Navigate(context.Background(), "/dashboard?replyTo=2"))
	eventually(t, func() bool { return len(view.revealed()) == 1 })
	assert.Equal(t, "/dashboard?replyTo=2", p.URL())
	id, _ := p.PendingReplyTarget()
	assert.Equal(t, a2.ID, id)
}

func TestOpeningAnotherComposerCancelsPending(t *testing.T) {
	p := NewPage("p", "/dashboard", Options{Owner: func(context.Context) (domain.ID, bool) { return "", false }})
	p.OpenComposer("1")
	p.SetComposerText("half typed")
	p.OpenComposer("2")

	id, _ := p.PendingReplyTarget()
	assert.Equal(t, domain.ID("2"), id)
	assert.Empty(t, p.ComposerText())
}

func TestEmptyReplyNeverHitsNetwork(t *testing.T) {
	src := &fakeSource{}
	p := NewPage("p", "/dashboard", Options{Source: src})
	for _, text := range []string{"", "   ", "\n\t"} {
		assert.ErrorIs(t, p.SubmitReply(context.Background(), "1", text), domain.ErrEmptyReply)
	}
	assert.Equal(t, 0, src.replyCount())
}

func TestSubmitReplySuccessClearsTargetAndRefetches(t *testing.T) {
	a1 := alert("1", "1", 0)
	replied := a1
	replied.Reply = "Moving it now"
	src := &fakeSource{responses: [][]domain.Alert{{a1}, {replied}}}
	view := &fakeView{}
	tk := newManualTicker()
	p := newTestPage(t, "/dashboard", src, view, tk)

	p.Mount(context.Background())
	eventually(t, func() bool { return src.fetchCount() == 1 })

	p.OpenComposer(a1.ID)
	p.SetComposerText("Moving it now")
	require.NoError(t, p.SubmitReply(context.Background(), a1.ID, "Moving it now"))

	_, ok := p.PendingReplyTarget()
	assert.False(t, ok)
	assert.Empty(t, p.ComposerText())

	// No tick: the reply shows up through the out-of-cycle fetch.
	eventually(t, func() bool {
		a, ok := p.Alert(a1.ID)
		return ok && a.Replied()
	})
	assert.Contains(t, view.notes, "Reply sent!")
}

func TestSubmitReplyFailureKeepsComposer(t *testing.T) {
	src := &fakeSource{replyErr: domain.ErrNetwork}
	view := &fakeView{}
	p := NewPage("p", "/dashboard", Options{Source: src, View: view})

	p.OpenComposer("5")
	err := p.SubmitReply(context.Background(), "5", "On my way")
	assert.ErrorIs(t, err, domain.ErrNetwork)

	id, ok := p.PendingReplyTarget()
	assert.True(t, ok)
	assert.Equal(t, domain.ID("5"), id)
	assert.Equal(t, "On my way", p.ComposerText())
	assert.Equal(t, []string{"Failed to send reply"}, view.notes)
}

func TestBuildThreadOrdersWithinVehicle(t *testing.T) {
	thread := BuildThread([]domain.Alert{
		alert("3", "1", 10),
		alert("4", "2", 1),
		alert("1", "1", 0),
	})
	require.Len(t, thread, 3)
	assert.Equal(t, []domain.ID{"1", "3", "4"}, []domain.ID{thread[0].AlertID, thread[1].AlertID, thread[2].AlertID})
}

func TestPagesRouteFocusesExactlyOne(t *testing.T) {
	src := &fakeSource{responses: [][]domain.Alert{{alert("42", "1", 0)}}}
	ps := NewPages(context.Background(), Options{
		Source: src,
		Owner:  func(context.Context) (domain.ID, bool) { return "1", true },
		Ticker: newManualTicker().ticker,
	})
	t.Cleanup(ps.CloseAll)

	first := ps.Open("/dashboard")
	second := ps.Open("/dashboard")
	require.NoError(t, second.Focus(context.Background()))

	got, err := router.Route(context.Background(), ps, "/dashboard", "/dashboard?replyTo=42")
	require.NoError(t, err)
	assert.Equal(t, first.ID(), got.ID())

	focused := 0
	for _, p := range ps.List() {
		if p.Focused() {
			focused++
			assert.Equal(t, "/dashboard?replyTo=42", p.URL())
		}
	}
	assert.Equal(t, 1, focused)
	assert.Len(t, ps.List(), 2, "no new page opened")

	eventually(t, func() bool { id, ok := first.PendingReplyTarget(); return ok && id == "42" })
}

func TestPagesOpenWindowAndClaim(t *testing.T) {
	ps := NewPages(context.Background(), Options{
		Source: &fakeSource{},
		Owner:  func(context.Context) (domain.ID, bool) { return "1", true },
		Ticker: newManualTicker().ticker,
	})
	emptied := make(chan struct{})
	ps.OnEmpty(func() { close(emptied) })

	c, err := router.Route(context.Background(), ps, "/dashboard", "/dashboard")
	require.NoError(t, err)
	p, ok := ps.Focused()
	require.True(t, ok)
	assert.Equal(t, c.ID(), p.ID())

	controlled, _ := ps.MatchAll(context.Background(), router.MatchOptions{})
	assert.Empty(t, controlled)
	require.NoError(t, ps.Claim(context.Background()))
	controlled, _ = ps.MatchAll(context.Background(), router.MatchOptions{})
	assert.Len(t, controlled, 1)

	assert.True(t, ps.Close(p.ID()))
	<-emptied
	assert.False(t, p.Mounted())
}
