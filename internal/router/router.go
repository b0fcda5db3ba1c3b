// Package router turns a notification click into a dashboard location and
// brings exactly one page instance to the front at that location.
package router

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

const ReplyParam = "replyTo"

// Client is one open page instance.
type Client interface {
	ID() string
	URL() string
	Navigate(ctx context.Context, url string) error
	Focus(ctx context.Context) error
}

type MatchOptions struct {
	IncludeUncontrolled bool
}

type Clients interface {
	MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
}

type targetKind int

const (
	targetDashboard targetKind = iota
	targetPayloadURL
	targetReplyLink
)

type clickKey struct {
	reply      bool
	hasAlertID bool
	hasURL     bool
}

// clickTargets is the full decision table; every combination is listed.
var clickTargets = map[clickKey]targetKind{
	{reply: true, hasAlertID: true, hasURL: true}:    targetReplyLink,
	{reply: true, hasAlertID: true, hasURL: false}:   targetReplyLink,
	{reply: true, hasAlertID: false, hasURL: true}:   targetPayloadURL,
	{reply: true, hasAlertID: false, hasURL: false}:  targetDashboard,
	{reply: false, hasAlertID: true, hasURL: true}:   targetPayloadURL,
	{reply: false, hasAlertID: true, hasURL: false}:  targetDashboard,
	{reply: false, hasAlertID: false, hasURL: true}:  targetPayloadURL,
	{reply: false, hasAlertID: false, hasURL: false}: targetDashboard,
}

// ResolveTarget computes where a click on a notification carrying data
// should land.
func ResolveTarget(dashboardPath, action string, data domain.NotificationData) string {
	key := clickKey{
		reply:      action == domain.ActionReply,
		hasAlertID: data.AlertID != "",
		hasURL:     data.URL != "",
	}
	switch clickTargets[key] {
	case targetReplyLink:
		return DeepLink(dashboardPath, data.AlertID)
	case targetPayloadURL:
		return data.URL
	default:
		return dashboardPath
	}
}

// DeepLink builds {dashboardPath}?replyTo={id}.
func DeepLink(dashboardPath string, id domain.ID) string {
	return dashboardPath + "?" + ReplyParam + "=" + url.QueryEscape(id.String())
}

// ReplyTargetFromURL extracts a valid reply target from a page location.
func ReplyTargetFromURL(raw string) (domain.ID, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	v := u.Query().Get(ReplyParam)
	if v == "" {
		return "", false
	}
	return domain.ParseID(v)
}

// IsDashboard reports whether a page location is on the dashboard.
func IsDashboard(location, dashboardPath string) bool {
	return location != "" && strings.Contains(location, dashboardPath)
}

// Route sends the first dashboard instance to target and focuses it, or opens
// a new instance when none exists. The returned client is the focused one.
func Route(ctx context.Context, clients Clients, dashboardPath, target string) (Client, error) {
	list, err := clients.MatchAll(ctx, MatchOptions{IncludeUncontrolled: true})
	if err != nil {
		return nil, fmt.Errorf("match clients: %w", err)
	}
	for _, c := range list {
		if !IsDashboard(c.URL(), dashboardPath) {
			continue
		}
		if err := c.Navigate(ctx, target); err != nil {
			return nil, fmt.Errorf("navigate %s: %w", c.ID(), err)
		}
		if err := c.Focus(ctx); err != nil {
			return nil, fmt.Errorf("focus %s: %w", c.ID(), err)
		}
		return c, nil
	}

	c, err := clients.OpenWindow(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("open window: %w", err)
	}
	if err := c.Focus(ctx); err != nil {
		return nil, fmt.Errorf("focus %s: %w", c.ID(), err)
	}
	return c, nil
}
