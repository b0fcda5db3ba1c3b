package domain

import "time"

const (
	DefaultNotificationTitle = "🚗 ScanMyCar Alert"
	DefaultNotificationBody  = "You have a new vehicle alert"
	AlertTag                 = "scanmycar-alert"
	TestTag                  = "test"

	ActionView  = "view"
	ActionReply = "reply"
)

// NotificationPayload is the JSON body of a push message. Every field is
// optional.
type NotificationPayload struct {
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`
	URL     string `json:"url,omitempty"`
	AlertID ID     `json:"alertId,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	URL     string `json:"url"`
	AlertID ID     `json:"alertId,omitempty"`
}

type NotificationOptions struct {
	Body               string               `json:"body"`
	Data               NotificationData     `json:"data"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Renotify           bool                 `json:"renotify"`
	Tag                string               `json:"tag,omitempty"`
	Timestamp          time.Time            `json:"timestamp"`
	Actions            []NotificationAction `json:"actions,omitempty"`
}

type Notification struct {
	Title string `json:"title"`
	NotificationOptions
}

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// SubscriptionDescriptor is the serialisable form of a push channel, ready to
// be posted to the server.
type SubscriptionDescriptor struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime"`
	Keys           SubscriptionKeys `json:"keys"`
}

// NewTestNotification is shown locally to check that notifications display. It
// carries no actions and its own tag, so it never replaces an alert.
func NewTestNotification(dashboardPath string, now time.Time) Notification {
	return Notification{
		Title: "Test Notification",
		NotificationOptions: NotificationOptions{
			Body:      "This is a test notification",
			Data:      NotificationData{URL: dashboardPath},
			Tag:       TestTag,
			Timestamp: now,
		},
	}
}
