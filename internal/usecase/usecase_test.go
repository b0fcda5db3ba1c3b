package usecase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaliullov/scanmycar-agent/internal/api"
	"github.com/khaliullov/scanmycar-agent/internal/autopush"
	"github.com/khaliullov/scanmycar-agent/internal/codec"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

type fakeWorkers struct {
	registered int
	readyErr   error
}

func (w *fakeWorkers) Register(context.Context) error { w.registered++; return nil }
func (w *fakeWorkers) Ready(context.Context) error    { return w.readyErr }

type fakePermission struct {
	answer domain.Permission
	asked  int
}

func (p *fakePermission) RequestPermission(context.Context) (domain.Permission, error) {
	p.asked++
	return p.answer, nil
}

type fakeService struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	acked        []string
	registerErr  error
}

func (s *fakeService) Register(_ context.Context, channelID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return "", s.registerErr
	}
	s.registered = append(s.registered, key)
	return "https://updates.push.example/wpush/v2/" + channelID, nil
}

func (s *fakeService) Unregister(channelID string) error {
	s.mu.Lock()
	s.unregistered = append(s.unregistered, channelID)
	s.mu.Unlock()
	return nil
}

func (s *fakeService) Ack(channelID, version string) error {
	s.mu.Lock()
	s.acked = append(s.acked, version)
	s.mu.Unlock()
	return nil
}

type fakeDispatcher struct {
	got [][]byte
}

func (d *fakeDispatcher) DispatchPush(data []byte) <-chan struct{} {
	d.got = append(d.got, data)
	ch := make(chan struct{})
	close(ch)
	return ch
}

func newPushManager(svc *fakeService, disp *fakeDispatcher) (*PushManager, *domain.Config) {
	cfg := &domain.Config{}
	cfg.ApplyDefaults()
	return NewPushManager(PushManagerOptions{
		Service:     svc,
		Dispatcher:  disp,
		Config:      cfg,
		ConfigMutex: &sync.RWMutex{},
	}), cfg
}

func serverKey(t *testing.T) string {
	t.Helper()
	_, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return pub
}

func TestEnsureSubscriptionIsIdempotent(t *testing.T) {
	svc := &fakeService{}
	pm, _ := newPushManager(svc, nil)
	workers := &fakeWorkers{}
	m := NewSubscriptionManager(Environment{
		Workers:     workers,
		Push:        pm,
		Permissions: &fakePermission{answer: domain.PermissionGranted},
	}, nil)
	key := serverKey(t)

	first, err := m.EnsureSubscription(context.Background(), key)
	require.NoError(t, err)
	second, err := m.EnsureSubscription(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, svc.registered, 1)
	assert.NotEmpty(t, first.Endpoint)
	assert.NotEmpty(t, first.Keys.P256DH)
	assert.NotEmpty(t, first.Keys.Auth)
	assert.Nil(t, first.ExpirationTime)
}

func TestEnsureSubscriptionUnsupported(t *testing.T) {
	pm, _ := newPushManager(&fakeService{}, nil)
	perm := &fakePermission{answer: domain.PermissionGranted}
	for name, env := range map[string]Environment{
		"no workers":     {Push: pm, Permissions: perm},
		"no push":        {Workers: &fakeWorkers{}, Permissions: perm},
		"no permissions": {Workers: &fakeWorkers{}, Push: pm},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewSubscriptionManager(env, nil).EnsureSubscription(context.Background(), serverKey(t))
			assert.ErrorIs(t, err, domain.ErrUnsupportedEnvironment)
		})
	}
}

func TestEnsureSubscriptionPermissionNotGranted(t *testing.T) {
	for _, answer := range []domain.Permission{domain.PermissionDenied, domain.PermissionDefault} {
		svc := &fakeService{}
		pm, _ := newPushManager(svc, nil)
		m := NewSubscriptionManager(Environment{
			Workers:     &fakeWorkers{},
			Push:        pm,
			Permissions: &fakePermission{answer: answer},
		}, nil)
		_, err := m.EnsureSubscription(context.Background(), serverKey(t))
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Empty(t, svc.registered)
	}
}

func TestEnsureSubscriptionMalformedKey(t *testing.T) {
	svc := &fakeService{}
	pm, _ := newPushManager(svc, nil)
	m := NewSubscriptionManager(Environment{
		Workers:     &fakeWorkers{},
		Push:        pm,
		Permissions: &fakePermission{answer: domain.PermissionGranted},
	}, nil)
	_, err := m.EnsureSubscription(context.Background(), "not*base64")
	assert.ErrorIs(t, err, domain.ErrDecode)
	assert.Empty(t, svc.registered)
}

func TestEnsureSubscriptionWorkerNeverReady(t *testing.T) {
	pm, _ := newPushManager(&fakeService{}, nil)
	m := NewSubscriptionManager(Environment{
		Workers:     &fakeWorkers{readyErr: context.DeadlineExceeded},
		Push:        pm,
		Permissions: &fakePermission{answer: domain.PermissionGranted},
	}, nil)
	_, err := m.EnsureSubscription(context.Background(), serverKey(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeWithAnotherKeyConflicts(t *testing.T) {
	pm, _ := newPushManager(&fakeService{}, nil)
	ctx := context.Background()
	a, _ := codec.DecodeKey(serverKey(t))
	b, _ := codec.DecodeKey(serverKey(t))

	_, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: a})
	require.NoError(t, err)
	_, err = pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: b})
	assert.ErrorIs(t, err, domain.ErrSubscriptionConflict)

	_, err = pm.Subscribe(ctx, SubscribeOptions{ApplicationServerKey: a})
	assert.Error(t, err)
}

func TestSubscribeRegisterFailureStoresNothing(t *testing.T) {
	svc := &fakeService{registerErr: errors.New("register abc failed: status=409")}
	pm, cfg := newPushManager(svc, nil)
	key, _ := codec.DecodeKey(serverKey(t))
	_, err := pm.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	assert.Error(t, err)
	assert.Empty(t, cfg.Channels)
	_, ok := pm.GetSubscription(context.Background())
	assert.False(t, ok)
}

func TestUnsubscribe(t *testing.T) {
	svc := &fakeService{}
	pm, cfg := newPushManager(svc, nil)
	ctx := context.Background()
	key, _ := codec.DecodeKey(serverKey(t))
	_, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	require.NoError(t, err)
	channelID := cfg.Channels[domain.DefaultScope].ChannelID
	assert.Equal(t, []string{channelID}, pm.ChannelIDs())

	existed, err := pm.Unsubscribe(ctx)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []string{channelID}, svc.unregistered)
	assert.Empty(t, pm.ChannelIDs())

	existed, err = pm.Unsubscribe(ctx)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestNewUAIDDropsStaleChannels(t *testing.T) {
	svc := &fakeService{}
	pm, cfg := newPushManager(svc, nil)
	ctx := context.Background()
	key, _ := codec.DecodeKey(serverKey(t))
	opts := SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key}

	// First UAID ever issued: nothing to drop.
	reset, err := pm.UpdateUAID("uaid-1")
	require.NoError(t, err)
	assert.False(t, reset)

	first, err := pm.Subscribe(ctx, opts)
	require.NoError(t, err)

	reset, err = pm.UpdateUAID("uaid-1")
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Len(t, pm.ChannelIDs(), 1)

	reset, err = pm.UpdateUAID("uaid-2")
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, "uaid-2", pm.UAID())
	assert.Empty(t, pm.ChannelIDs())
	_, ok := pm.GetSubscription(ctx)
	assert.False(t, ok)

	second, err := pm.Subscribe(ctx, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first.Endpoint, second.Endpoint)
	assert.Len(t, svc.registered, 2)
	assert.Equal(t, "uaid-2", cfg.Main.UAID)
}

func TestUpdateUAIDSavesUnderConfigLock(t *testing.T) {
	cfg := &domain.Config{}
	cfg.ApplyDefaults()
	mu := &sync.RWMutex{}
	held := false
	pm := NewPushManager(PushManagerOptions{
		Service:     &fakeService{},
		Config:      cfg,
		ConfigMutex: mu,
		SaveConfig: func() error {
			held = !mu.TryRLock()
			return nil
		},
	})
	_, err := pm.UpdateUAID("uaid-1")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestHandleNotificationDecryptsAndDispatches(t *testing.T) {
	svc := &fakeService{}
	disp := &fakeDispatcher{}
	pm, cfg := newPushManager(svc, disp)

	vapidPriv, vapidPub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	key, _ := codec.DecodeKey(vapidPub)
	sub, err := pm.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	require.NoError(t, err)

	// Capture what a real application server would post to the endpoint.
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	payload := []byte(`{"title":"DL8CAS6880","body":"Please move your vehicle.","alertId":42}`)
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: srv.URL + "/wpush/v2/abc",
		Keys:     webpush.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      "alerts@scanmycar.example",
		VAPIDPublicKey:  vapidPub,
		VAPIDPrivateKey: vapidPriv,
		TTL:             60,
	})
	require.NoError(t, err)
	resp.Body.Close()

	var body []byte
	select {
	case body = <-bodies:
	case <-time.After(5 * time.Second):
		t.Fatal("no push posted")
	}

	pm.HandleNotification(autopush.Notification{
		ChannelID: cfg.Channels[domain.DefaultScope].ChannelID,
		Version:   "v1",
		Data:      codec.EncodeKey(body),
		Headers:   map[string]string{"encoding": "aes128gcm"},
	})

	require.Len(t, disp.got, 1)
	assert.Equal(t, payload, disp.got[0])
	assert.Equal(t, []string{"v1"}, svc.acked)
}

func TestHandleNotificationUndecryptableStillDispatches(t *testing.T) {
	svc := &fakeService{}
	disp := &fakeDispatcher{}
	pm, cfg := newPushManager(svc, disp)
	key, _ := codec.DecodeKey(serverKey(t))
	_, err := pm.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	require.NoError(t, err)

	pm.HandleNotification(autopush.Notification{
		ChannelID: cfg.Channels[domain.DefaultScope].ChannelID,
		Version:   "v2",
		Data:      codec.EncodeKey([]byte("definitely not ciphertext")),
	})
	require.Len(t, disp.got, 1)
	assert.Empty(t, disp.got[0])
	assert.Equal(t, []string{"v2"}, svc.acked)
}

func TestHandleNotificationUnknownChannel(t *testing.T) {
	svc := &fakeService{}
	disp := &fakeDispatcher{}
	pm, _ := newPushManager(svc, disp)

	pm.HandleNotification(autopush.Notification{ChannelID: "stale", Version: "v9"})
	assert.Empty(t, disp.got)
	assert.Equal(t, []string{"v9"}, svc.acked)
	assert.Equal(t, []string{"stale"}, svc.unregistered)
}

func TestHeaderParam(t *testing.T) {
	salt, ok := headerParam(`salt=AAEC;rs=4096`, "salt")
	require.True(t, ok)
	assert.Equal(t, []byte{0, 1, 2}, salt)

	dh, ok := headerParam(`keyid=p256dh; dh="AAEC", p256ecdsa=BBBB`, "dh")
	require.True(t, ok)
	assert.Equal(t, []byte{0, 1, 2}, dh)

	_, ok = headerParam("", "dh")
	assert.False(t, ok)
}

type memoryPrompt struct {
	answers []domain.Permission
	asked   int
}

func (p *memoryPrompt) RequestPermission(context.Context) (domain.Permission, error) {
	a := p.answers[p.asked]
	p.asked++
	return a, nil
}

func TestRememberedPermission(t *testing.T) {
	cfg := &domain.Config{}
	saves := 0
	prompt := &memoryPrompt{answers: []domain.Permission{domain.PermissionDenied, domain.PermissionGranted}}
	p := NewRememberedPermission(prompt, cfg, &sync.RWMutex{}, func() error { saves++; return nil }, nil)
	ctx := context.Background()

	assert.Equal(t, domain.PermissionDefault, p.Current())

	perm, err := p.RequestPermission(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionDenied, perm)
	assert.Zero(t, saves)

	perm, _ = p.RequestPermission(ctx)
	assert.Equal(t, domain.PermissionGranted, perm)
	assert.Equal(t, 1, saves)

	// Remembered: no third prompt.
	perm, _ = p.RequestPermission(ctx)
	assert.Equal(t, domain.PermissionGranted, perm)
	assert.Equal(t, 2, prompt.asked)

	require.NoError(t, p.Revoke())
	assert.Equal(t, domain.PermissionDefault, p.Current())
}

type fakeAPI struct {
	got []api.SubscribeRequest
	err error
}

func (a *fakeAPI) Subscribe(_ context.Context, req api.SubscribeRequest) error {
	a.got = append(a.got, req)
	return a.err
}

type fakeOwner struct{ id *domain.Identity }

func (o fakeOwner) Current(context.Context) (*domain.Identity, bool) { return o.id, o.id != nil }

func newNotifications(owner fakeOwner, server *fakeAPI) *Notifications {
	pm, _ := newPushManager(&fakeService{}, nil)
	_, pub, _ := webpush.GenerateVAPIDKeys()
	return NewNotifications(NotificationsOptions{
		Manager: NewSubscriptionManager(Environment{
			Workers:     &fakeWorkers{},
			Push:        pm,
			Permissions: &fakePermission{answer: domain.PermissionGranted},
		}, nil),
		API:            server,
		Owner:          owner,
		Push:           pm,
		VAPIDPublicKey: pub,
	})
}

func TestEnableNotificationsPostsForOwner(t *testing.T) {
	server := &fakeAPI{}
	n := newNotifications(fakeOwner{&domain.Identity{OwnerID: "12", VehicleID: "34", MobileNumber: "9876543210"}}, server)

	desc, err := n.Enable(context.Background())
	require.NoError(t, err)
	require.Len(t, server.got, 1)
	assert.Equal(t, domain.ID("12"), server.got[0].UserID)
	assert.Equal(t, domain.ID("34"), server.got[0].VehicleID)
	assert.Equal(t, desc, server.got[0].Subscription)

	require.NoError(t, n.Disable(context.Background()))
	assert.ErrorIs(t, n.Disable(context.Background()), domain.ErrNotFound)
}

func TestEnableNotificationsFailures(t *testing.T) {
	_, err := newNotifications(fakeOwner{}, &fakeAPI{}).Enable(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoIdentity)

	server := &fakeAPI{err: &api.StatusError{Op: "Subscription", Status: 500}}
	_, err = newNotifications(fakeOwner{&domain.Identity{OwnerID: "1"}}, server).Enable(context.Background())
	assert.EqualError(t, err, "Subscription failed: 500")
}
