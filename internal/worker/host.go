// Package worker hosts the notification worker: a background actor that
// turns push messages into notifications and notification clicks into
// dashboard navigation. The Host owns lifecycle and the event loop; the
// handlers in handlers.go are stateless.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/metrics"
)

type State int

const (
	StateNone State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "none"
}

// ExtendableEvent keeps the worker busy until every promise passed to
// WaitUntil has settled.
type ExtendableEvent struct {
	mu       sync.Mutex
	promises []func(context.Context) error
}

func (e *ExtendableEvent) WaitUntil(p func(context.Context) error) {
	e.mu.Lock()
	e.promises = append(e.promises, p)
	e.mu.Unlock()
}

func (e *ExtendableEvent) settle(ctx context.Context) []error {
	e.mu.Lock()
	promises := e.promises
	e.mu.Unlock()

	errs := make([]error, len(promises))
	var wg sync.WaitGroup
	for i, p := range promises {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("promise panicked: %v", r)
				}
			}()
			errs[i] = p(ctx)
		}()
	}
	wg.Wait()

	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

type InstallEvent struct{ ExtendableEvent }

type ActivateEvent struct{ ExtendableEvent }

type PushEvent struct {
	ExtendableEvent
	Data []byte
}

type NotificationClickEvent struct {
	ExtendableEvent
	Notification domain.Notification
	Action       string
	Close        func() error
}

// Worker is one version of the worker script.
type Worker struct {
	Version string
}

func New(version string) *Worker {
	return &Worker{Version: version}
}

func (w *Worker) dispatch(ev any, s Scope) {
	switch e := ev.(type) {
	case *InstallEvent:
		OnInstall(e, s)
	case *ActivateEvent:
		OnActivate(e, s)
	case *PushEvent:
		OnPush(e, s)
	case *NotificationClickEvent:
		OnNotificationClick(e, s)
	}
}

type version struct {
	worker      *Worker
	state       State
	skipWaiting bool
}

type task struct {
	v    *version
	ev   any
	ext  *ExtendableEvent
	errs []error
	done chan struct{}
}

type HostOptions struct {
	Registration  Registration
	Clients       Clients
	DashboardPath string
	Now           func() time.Time
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
	QueueSize     int
}

type Host struct {
	opts HostOptions
	log  *logger.Logger

	events chan *task

	regMu      sync.Mutex
	mu         sync.Mutex
	installing *version
	waiting    *version
	active     *version
	ready      chan struct{}
	readyOnce  sync.Once

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewHost(opts HostOptions) *Host {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DashboardPath == "" {
		opts.DashboardPath = domain.DefaultDashboardPath
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Host{
		opts:   opts,
		log:    log.WithComponent("worker"),
		events: make(chan *task, opts.QueueSize),
		ready:  make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the event loop. Events are handled one at a time, each until all
// of its WaitUntil promises settle.
func (h *Host) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(h.done)
		for {
			select {
			case t := <-h.events:
				h.run(t)
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *Host) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	if h.started.Load() {
		<-h.done
	}
}

func (h *Host) run(t *task) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event handler panicked", slog.Any("panic", r))
			t.errs = append(t.errs, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	t.v.worker.dispatch(t.ev, h.scope(t.v))
	t.errs = t.ext.settle(context.Background())
	for _, err := range t.errs {
		h.log.Error("event failed", slog.String("event", fmt.Sprintf("%T", t.ev)), slog.String("error", err.Error()))
	}
}

func (h *Host) scope(v *version) Scope {
	return Scope{
		Registration:  h.opts.Registration,
		Clients:       h.opts.Clients,
		DashboardPath: h.opts.DashboardPath,
		Now:           h.opts.Now,
		Log:           h.log,
		Metrics:       h.opts.Metrics,
		SkipWaiting: func() error {
			h.mu.Lock()
			v.skipWaiting = true
			h.mu.Unlock()
			return nil
		},
	}
}

func (h *Host) enqueue(v *version, ev any, ext *ExtendableEvent) *task {
	t := &task{v: v, ev: ev, ext: ext, done: make(chan struct{})}
	select {
	case h.events <- t:
	case <-h.stop:
		t.errs = []error{errors.New("worker host stopped")}
		close(t.done)
	}
	return t
}

func (h *Host) await(ctx context.Context, t *task) error {
	select {
	case <-t.done:
		return errors.Join(t.errs...)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register installs w unless the same version is already active or waiting.
func (h *Host) Register(ctx context.Context, w *Worker) error {
	h.regMu.Lock()
	defer h.regMu.Unlock()

	h.mu.Lock()
	if h.active != nil && h.active.worker.Version == w.Version {
		h.mu.Unlock()
		return nil
	}
	if h.waiting != nil && h.waiting.worker.Version == w.Version {
		h.mu.Unlock()
		return nil
	}
	v := &version{worker: w, state: StateInstalling}
	h.installing = v
	h.mu.Unlock()

	ev := &InstallEvent{}
	installErr := h.await(ctx, h.enqueue(v, ev, &ev.ExtendableEvent))

	h.mu.Lock()
	h.installing = nil
	if installErr != nil {
		v.state = StateRedundant
		h.mu.Unlock()
		return fmt.Errorf("install worker %s: %w", w.Version, installErr)
	}
	if h.active != nil && !v.skipWaiting {
		if h.waiting != nil {
			h.waiting.state = StateRedundant
		}
		v.state = StateWaiting
		h.waiting = v
		h.mu.Unlock()
		h.log.Info("worker waiting", slog.String("version", w.Version))
		return nil
	}
	if h.waiting != nil {
		h.waiting.state = StateRedundant
		h.waiting = nil
	}
	h.mu.Unlock()

	return h.activate(ctx, v)
}

func (h *Host) activate(ctx context.Context, v *version) error {
	h.mu.Lock()
	if h.active != nil {
		h.active.state = StateRedundant
	}
	v.state = StateActivating
	h.active = v
	h.mu.Unlock()

	// The transition completes even if ctx ends first; h.active already
	// names v, so an unfinished activation would never be retried.
	ev := &ActivateEvent{}
	t := h.enqueue(v, ev, &ev.ExtendableEvent)
	activated := make(chan struct{})
	go func() {
		defer close(activated)
		h.finishActivation(v, t)
	}()

	select {
	case <-activated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) finishActivation(v *version, t *task) {
	<-t.done
	if err := errors.Join(t.errs...); err != nil {
		// A rejected activate promise does not stop activation.
		h.log.Warn("activate handler failed", slog.String("error", err.Error()))
	}

	h.mu.Lock()
	if h.active == v {
		v.state = StateActive
		h.readyOnce.Do(func() { close(h.ready) })
	}
	h.mu.Unlock()
	h.log.Info("worker active", slog.String("version", v.worker.Version))
}

// ClientsReleased promotes a waiting version once no page is left open.
func (h *Host) ClientsReleased(ctx context.Context) error {
	h.regMu.Lock()
	defer h.regMu.Unlock()

	h.mu.Lock()
	v := h.waiting
	h.waiting = nil
	h.mu.Unlock()
	if v == nil {
		return nil
	}
	return h.activate(ctx, v)
}

// Ready blocks until some version is active.
func (h *Host) Ready(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the newest version's state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.installing != nil:
		return h.installing.state
	case h.waiting != nil:
		return h.waiting.state
	case h.active != nil:
		return h.active.state
	}
	return StateNone
}

// ActiveVersion returns the version receiving functional events.
func (h *Host) ActiveVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return ""
	}
	return h.active.worker.Version
}

func (h *Host) controller() *version {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// DispatchPush delivers a push message to the active worker. The returned
// channel closes when the event has been fully handled.
func (h *Host) DispatchPush(data []byte) <-chan struct{} {
	v := h.controller()
	if v == nil {
		h.log.Warn("push dropped: no active worker")
		return closedChan()
	}
	ev := &PushEvent{Data: data}
	return h.enqueue(v, ev, &ev.ExtendableEvent).done
}

// DispatchClick delivers a notification click to the active worker.
func (h *Host) DispatchClick(n domain.Notification, action string, closeFn func() error) <-chan struct{} {
	v := h.controller()
	if v == nil {
		h.log.Warn("click dropped: no active worker")
		return closedChan()
	}
	ev := &NotificationClickEvent{Notification: n, Action: action, Close: closeFn}
	return h.enqueue(v, ev, &ev.ExtendableEvent).done
}

// Container binds a worker version to the host for registration.
type Container struct {
	host   *Host
	worker *Worker
}

func (h *Host) Container(w *Worker) *Container {
	return &Container{host: h, worker: w}
}

func (c *Container) Register(ctx context.Context) error {
	return c.host.Register(ctx, c.worker)
}

func (c *Container) Ready(ctx context.Context) error {
	return c.host.Ready(ctx)
}
