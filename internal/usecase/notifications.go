package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/khaliullov/scanmycar-agent/internal/api"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/metrics"
)

type SubscriptionAPI interface {
	Subscribe(ctx context.Context, req api.SubscribeRequest) error
}

type Owner interface {
	Current(ctx context.Context) (*domain.Identity, bool)
}

type Unsubscriber interface {
	Unsubscribe(ctx context.Context) (bool, error)
}

type NotificationsOptions struct {
	Manager        *SubscriptionManager
	API            SubscriptionAPI
	Owner          Owner
	Push           Unsubscriber
	VAPIDPublicKey string
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
}

// Notifications is the "enable notifications" action: obtain a subscription
// and register it with the server for the current owner.
type Notifications struct {
	opts NotificationsOptions
	log  *logger.Logger
}

func NewNotifications(opts NotificationsOptions) *Notifications {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Notifications{opts: opts, log: log.WithComponent("notifications")}
}

func (n *Notifications) Enable(ctx context.Context) (domain.SubscriptionDescriptor, error) {
	desc, err := n.enable(ctx)
	if n.opts.Metrics != nil {
		n.opts.Metrics.Subscriptions.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		n.log.Warn("failed to enable notifications", slog.String("error", err.Error()))
		return domain.SubscriptionDescriptor{}, err
	}
	n.log.Info("push notifications enabled", slog.String("endpoint", desc.Endpoint))
	return desc, nil
}

func (n *Notifications) enable(ctx context.Context) (domain.SubscriptionDescriptor, error) {
	id, ok := n.opts.Owner.Current(ctx)
	if !ok {
		return domain.SubscriptionDescriptor{}, domain.ErrNoIdentity
	}
	desc, err := n.opts.Manager.EnsureSubscription(ctx, n.opts.VAPIDPublicKey)
	if err != nil {
		return domain.SubscriptionDescriptor{}, err
	}
	err = n.opts.API.Subscribe(ctx, api.SubscribeRequest{
		UserID:       id.OwnerID,
		VehicleID:    id.VehicleID,
		MobileNumber: id.MobileNumber,
		Subscription: desc,
	})
	if err != nil {
		return domain.SubscriptionDescriptor{}, err
	}
	return desc, nil
}

// Disable drops the local push channel. The server learns about it the next
// time it posts to the dead endpoint.
func (n *Notifications) Disable(ctx context.Context) error {
	if n.opts.Push == nil {
		return fmt.Errorf("%w: no push support", domain.ErrUnsupportedEnvironment)
	}
	existed, err := n.opts.Push.Unsubscribe(ctx)
	if err != nil {
		return err
	}
	if !existed {
		return domain.ErrNotFound
	}
	return nil
}
