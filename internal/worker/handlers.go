package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/metrics"
	"github.com/khaliullov/scanmycar-agent/internal/router"
)

// Registration is the display capability of the worker's registration.
type Registration interface {
	ShowNotification(ctx context.Context, title string, opts domain.NotificationOptions) error
}

// Clients is the page instance set as the worker sees it.
type Clients interface {
	router.Clients
	Claim(ctx context.Context) error
}

// Scope is what a handler may touch. It carries capability handles only; no
// state survives between events.
type Scope struct {
	Registration  Registration
	Clients       Clients
	DashboardPath string
	SkipWaiting   func() error
	Now           func() time.Time
	Log           *logger.Logger
	Metrics       *metrics.Metrics
}

func OnInstall(ev *InstallEvent, s Scope) {
	ev.WaitUntil(func(context.Context) error {
		return s.SkipWaiting()
	})
}

func OnActivate(ev *ActivateEvent, s Scope) {
	ev.WaitUntil(s.Clients.Claim)
}

func OnPush(ev *PushEvent, s Scope) {
	if s.Metrics != nil {
		s.Metrics.PushesReceived.Inc()
	}
	n, err := BuildNotification(ev.Data, s.DashboardPath, s.Now())
	if err != nil {
		s.Log.Warn("failed to parse push data", slog.String("error", err.Error()))
	}
	s.Log.Info("showing notification", slog.String("title", n.Title), slog.String("url", n.Data.URL))

	ev.WaitUntil(func(ctx context.Context) error {
		err := s.Registration.ShowNotification(ctx, n.Title, n.NotificationOptions)
		if s.Metrics != nil {
			result := "shown"
			if err != nil {
				result = "failed"
			}
			s.Metrics.Notifications.WithLabelValues(result).Inc()
		}
		if err != nil {
			return fmt.Errorf("show notification: %w", err)
		}
		return nil
	})
}

func OnNotificationClick(ev *NotificationClickEvent, s Scope) {
	if ev.Close != nil {
		if err := ev.Close(); err != nil {
			s.Log.Warn("failed to close notification", slog.String("error", err.Error()))
		}
	}
	if s.Metrics != nil {
		action := ev.Action
		if action == "" {
			action = "default"
		}
		s.Metrics.Clicks.WithLabelValues(action).Inc()
	}

	target := router.ResolveTarget(s.DashboardPath, ev.Action, ev.Notification.Data)
	ev.WaitUntil(func(ctx context.Context) error {
		c, err := router.Route(ctx, s.Clients, s.DashboardPath, target)
		if err != nil {
			return err
		}
		s.Log.Info("routed notification click", slog.String("client", c.ID()), slog.String("target", target))
		return nil
	})
}

// BuildNotification derives the displayed notification from raw push data.
// Unparseable data yields the defaults together with an ErrPayloadParse.
func BuildNotification(data []byte, dashboardPath string, now time.Time) (domain.Notification, error) {
	var p domain.NotificationPayload
	var parseErr error
	if len(bytes.TrimSpace(data)) == 0 {
		parseErr = fmt.Errorf("%w: empty payload", domain.ErrPayloadParse)
	} else if err := json.Unmarshal(data, &p); err != nil {
		p = domain.NotificationPayload{}
		parseErr = fmt.Errorf("%w: %v", domain.ErrPayloadParse, err)
	}

	n := domain.Notification{
		Title: p.Title,
		NotificationOptions: domain.NotificationOptions{
			Body:               p.Body,
			Data:               domain.NotificationData{URL: p.URL, AlertID: p.AlertID},
			Icon:               "/icon.png",
			Badge:              "/badge.png",
			Vibrate:            []int{200, 100, 200},
			RequireInteraction: true,
			Renotify:           true,
			Tag:                domain.AlertTag,
			Timestamp:          now,
			Actions: []domain.NotificationAction{
				{Action: domain.ActionView, Title: "👀 View"},
				{Action: domain.ActionReply, Title: "💬 Reply"},
			},
		},
	}
	if n.Title == "" {
		n.Title = domain.DefaultNotificationTitle
	}
	if n.Body == "" {
		n.Body = domain.DefaultNotificationBody
	}
	if n.Data.URL == "" {
		n.Data.URL = dashboardPath
	}
	return n, parseErr
}
