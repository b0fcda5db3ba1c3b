// Package usecase holds the agent's flows: obtaining a push subscription,
// remembering the notification permission and enabling alerts for an owner.
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/khaliullov/scanmycar-agent/internal/codec"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
)

// WorkerContainer registers the notification worker and waits for it.
type WorkerContainer interface {
	Register(ctx context.Context) error
	Ready(ctx context.Context) error
}

type PushRegistrar interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (*PushSubscription, error)
	GetSubscription(ctx context.Context) (*PushSubscription, bool)
}

type PermissionRequester interface {
	RequestPermission(ctx context.Context) (domain.Permission, error)
}

// Environment is the set of platform capabilities a subscription needs. A nil
// capability means the platform lacks it.
type Environment struct {
	Workers     WorkerContainer
	Push        PushRegistrar
	Permissions PermissionRequester
}

type SubscriptionManager struct {
	env Environment
	log *logger.Logger
}

func NewSubscriptionManager(env Environment, log *logger.Logger) *SubscriptionManager {
	if log == nil {
		log = logger.Discard()
	}
	return &SubscriptionManager{env: env, log: log.WithComponent("subscription")}
}

// EnsureSubscription yields a push subscription bound to publicKey, an
// unpadded URL-safe Base64 application server key. It never talks to the
// ScanMyCar server.
func (m *SubscriptionManager) EnsureSubscription(ctx context.Context, publicKey string) (domain.SubscriptionDescriptor, error) {
	if m.env.Workers == nil {
		return domain.SubscriptionDescriptor{}, fmt.Errorf("%w: no worker support", domain.ErrUnsupportedEnvironment)
	}
	if m.env.Push == nil {
		return domain.SubscriptionDescriptor{}, fmt.Errorf("%w: no push support", domain.ErrUnsupportedEnvironment)
	}
	if m.env.Permissions == nil {
		return domain.SubscriptionDescriptor{}, fmt.Errorf("%w: no notification support", domain.ErrUnsupportedEnvironment)
	}

	if err := m.env.Workers.Register(ctx); err != nil {
		return domain.SubscriptionDescriptor{}, fmt.Errorf("register worker: %w", err)
	}
	if err := m.env.Workers.Ready(ctx); err != nil {
		return domain.SubscriptionDescriptor{}, fmt.Errorf("worker not ready: %w", err)
	}

	perm, err := m.env.Permissions.RequestPermission(ctx)
	if err != nil {
		return domain.SubscriptionDescriptor{}, fmt.Errorf("request permission: %w", err)
	}
	if perm != domain.PermissionGranted {
		m.log.Info("notification permission not granted", slog.String("permission", string(perm)))
		return domain.SubscriptionDescriptor{}, domain.ErrPermissionDenied
	}

	key, err := codec.DecodeKey(publicKey)
	if err != nil {
		return domain.SubscriptionDescriptor{}, err
	}
	sub, err := m.env.Push.Subscribe(ctx, SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: key,
	})
	if err != nil {
		return domain.SubscriptionDescriptor{}, err
	}
	return sub.ToJSON(), nil
}
