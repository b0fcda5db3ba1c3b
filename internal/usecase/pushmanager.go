package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/khaliullov/scanmycar-agent/internal/autopush"
	"github.com/khaliullov/scanmycar-agent/internal/codec"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/metrics"
)

// PushService is the connection to the push service.
type PushService interface {
	Register(ctx context.Context, channelID, key string) (string, error)
	Unregister(channelID string) error
	Ack(channelID, version string) error
}

// PushDispatcher delivers decrypted push data to the notification worker.
type PushDispatcher interface {
	DispatchPush(data []byte) <-chan struct{}
}

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// PushSubscription is a registered push channel as seen by its owner.
type PushSubscription struct {
	Endpoint       string
	ExpirationTime *int64
	P256DH         string
	Auth           string
	ServerKey      string
}

// ToJSON returns the descriptor the server stores.
func (s *PushSubscription) ToJSON() domain.SubscriptionDescriptor {
	return domain.SubscriptionDescriptor{
		Endpoint:       s.Endpoint,
		ExpirationTime: s.ExpirationTime,
		Keys:           domain.SubscriptionKeys{P256DH: s.P256DH, Auth: s.Auth},
	}
}

type PushManagerOptions struct {
	Scope       string
	Service     PushService
	Dispatcher  PushDispatcher
	Config      *domain.Config
	ConfigMutex *sync.RWMutex
	SaveConfig  func() error
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

// PushManager owns the push channel of one worker registration scope. Channel
// records, receiver keys included, live in the config file.
type PushManager struct {
	opts PushManagerOptions
	log  *logger.Logger

	// serializes Subscribe and Unsubscribe
	mu sync.Mutex
}

func NewPushManager(opts PushManagerOptions) *PushManager {
	if opts.Scope == "" {
		opts.Scope = domain.DefaultScope
	}
	if opts.SaveConfig == nil {
		opts.SaveConfig = func() error { return nil }
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &PushManager{opts: opts, log: log.WithComponent("push")}
}

func (pm *PushManager) record() (domain.ChannelRecord, bool) {
	pm.opts.ConfigMutex.RLock()
	defer pm.opts.ConfigMutex.RUnlock()
	rec, ok := pm.opts.Config.Channels[pm.opts.Scope]
	return rec, ok && rec.Complete()
}

func subscriptionFrom(rec domain.ChannelRecord) *PushSubscription {
	return &PushSubscription{
		Endpoint:  rec.Endpoint,
		P256DH:    rec.P256DH,
		Auth:      rec.Auth,
		ServerKey: rec.ServerKey,
	}
}

// Subscribe returns the scope's channel, registering one if needed. A channel
// bound to another application server key is a conflict.
func (pm *PushManager) Subscribe(ctx context.Context, opts SubscribeOptions) (*PushSubscription, error) {
	if !opts.UserVisibleOnly {
		return nil, errors.New("push subscriptions must be user visible")
	}
	if len(opts.ApplicationServerKey) == 0 {
		return nil, fmt.Errorf("%w: empty application server key", domain.ErrDecode)
	}
	key := codec.EncodeKey(opts.ApplicationServerKey)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if rec, ok := pm.record(); ok {
		if rec.ServerKey != key {
			return nil, domain.ErrSubscriptionConflict
		}
		return subscriptionFrom(rec), nil
	}

	pub, priv, err := codec.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	auth, err := codec.NewAuthSecret()
	if err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	channelID := uuid.New().String()

	endpoint, err := pm.opts.Service.Register(ctx, channelID, key)
	if err != nil {
		return nil, fmt.Errorf("register push channel: %w", err)
	}

	rec := domain.ChannelRecord{
		ChannelID:  channelID,
		Endpoint:   endpoint,
		P256DH:     pub,
		PrivateKey: priv,
		Auth:       auth,
		ServerKey:  key,
	}
	pm.opts.ConfigMutex.Lock()
	pm.opts.Config.Channels[pm.opts.Scope] = rec
	saveErr := pm.opts.SaveConfig()
	pm.opts.ConfigMutex.Unlock()
	if saveErr != nil {
		pm.log.LogError(saveErr, "failed to persist push channel", slog.String("channel", channelID))
	}

	pm.log.Info("push channel registered", slog.String("scope", pm.opts.Scope), slog.String("endpoint", endpoint))
	return subscriptionFrom(rec), nil
}

func (pm *PushManager) GetSubscription(context.Context) (*PushSubscription, bool) {
	rec, ok := pm.record()
	if !ok {
		return nil, false
	}
	return subscriptionFrom(rec), true
}

// Unsubscribe drops the scope's channel. It reports whether one existed.
func (pm *PushManager) Unsubscribe(context.Context) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.opts.ConfigMutex.Lock()
	rec, ok := pm.opts.Config.Channels[pm.opts.Scope]
	if ok {
		delete(pm.opts.Config.Channels, pm.opts.Scope)
	}
	saveErr := pm.opts.SaveConfig()
	pm.opts.ConfigMutex.Unlock()
	if !ok {
		return false, nil
	}
	if saveErr != nil {
		return true, fmt.Errorf("persist unsubscribe: %w", saveErr)
	}

	if rec.ChannelID != "" {
		if err := pm.opts.Service.Unregister(rec.ChannelID); err != nil {
			pm.log.Warn("unregister send failed", slog.String("channel", rec.ChannelID), slog.String("error", err.Error()))
		}
	}
	pm.log.Info("push channel removed", slog.String("scope", pm.opts.Scope))
	return true, nil
}

// ChannelIDs lists every persisted channel, for the hello handshake.
func (pm *PushManager) ChannelIDs() []string {
	pm.opts.ConfigMutex.RLock()
	defer pm.opts.ConfigMutex.RUnlock()
	ids := make([]string, 0, len(pm.opts.Config.Channels))
	for _, rec := range pm.opts.Config.Channels {
		if rec.ChannelID != "" {
			ids = append(ids, rec.ChannelID)
		}
	}
	sort.Strings(ids)
	return ids
}

// UAID is the push service identity sent in hello.
func (pm *PushManager) UAID() string {
	pm.opts.ConfigMutex.RLock()
	defer pm.opts.ConfigMutex.RUnlock()
	return pm.opts.Config.Main.UAID
}

// UpdateUAID records the UAID issued by the push service. A UAID replacing an
// earlier one means the service dropped every channel of the old one, so the
// stored records are discarded and the next Subscribe registers afresh. It
// reports whether channels were dropped.
func (pm *PushManager) UpdateUAID(uaid string) (bool, error) {
	pm.opts.ConfigMutex.Lock()
	defer pm.opts.ConfigMutex.Unlock()

	prev := pm.opts.Config.Main.UAID
	if uaid == "" || uaid == prev {
		return false, nil
	}
	pm.opts.Config.Main.UAID = uaid
	reset := prev != "" && len(pm.opts.Config.Channels) > 0
	if reset {
		pm.log.Warn("push service issued a new uaid, dropping stale channels",
			slog.String("uaid", uaid), slog.Int("channels", len(pm.opts.Config.Channels)))
		pm.opts.Config.Channels = make(map[string]domain.ChannelRecord)
	}
	if err := pm.opts.SaveConfig(); err != nil {
		return reset, fmt.Errorf("persist uaid: %w", err)
	}
	return reset, nil
}

func (pm *PushManager) channel(channelID string) (domain.ChannelRecord, bool) {
	pm.opts.ConfigMutex.RLock()
	defer pm.opts.ConfigMutex.RUnlock()
	for _, rec := range pm.opts.Config.Channels {
		if rec.ChannelID == channelID {
			return rec, true
		}
	}
	return domain.ChannelRecord{}, false
}

// HandleNotification decrypts a push message and hands it to the worker.
// Messages for unknown channels are acked and the channel unregistered.
func (pm *PushManager) HandleNotification(n autopush.Notification) {
	rec, ok := pm.channel(n.ChannelID)
	if !ok {
		pm.log.Warn("notification for unknown channel, unsubscribing", slog.String("channel", n.ChannelID))
		pm.ack(n)
		if err := pm.opts.Service.Unregister(n.ChannelID); err != nil {
			pm.log.Warn("unregister send failed", slog.String("channel", n.ChannelID), slog.String("error", err.Error()))
		}
		return
	}

	var data []byte
	if n.Data != "" {
		plain, err := Decrypt(rec, n)
		if err != nil {
			pm.log.Warn("failed to decrypt push message", slog.String("channel", n.ChannelID), slog.String("error", err.Error()))
		} else {
			data = plain
		}
	}
	pm.log.Debug("push message received", slog.String("version", n.Version), slog.Int("bytes", len(data)))

	if pm.opts.Dispatcher != nil {
		pm.opts.Dispatcher.DispatchPush(data)
	}
	pm.ack(n)
}

func (pm *PushManager) ack(n autopush.Notification) {
	if err := pm.opts.Service.Ack(n.ChannelID, n.Version); err != nil {
		pm.log.Warn("ack failed", slog.String("channel", n.ChannelID), slog.String("error", err.Error()))
	}
}
