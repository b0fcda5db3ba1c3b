package telegram

import (
	"fmt"
	"html"
	"strings"

	"github.com/khaliullov/scanmycar-agent/internal/dashboard"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

const timeLayout = "02 Jan 15:04"

func FormatNotification(title string, opts domain.NotificationOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 <b>%s</b>", html.EscapeString(title))
	if opts.Body != "" {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(opts.Body))
	}
	if !opts.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\n<i>%s</i>", opts.Timestamp.Format(timeLayout))
	}
	return b.String()
}

// FormatThread lists conversations grouped under their vehicle.
func FormatThread(thread []dashboard.Conversation) string {
	if len(thread) == 0 {
		return "No alerts yet."
	}
	var b strings.Builder
	var vehicle domain.ID
	for i, c := range thread {
		if i == 0 || c.VehicleID != vehicle {
			if i > 0 {
				b.WriteString("\n")
			}
			vehicle = c.VehicleID
			fmt.Fprintf(&b, "🚗 <b>%s</b>\n", html.EscapeString(vehicleLabel(c.VehicleNumber, c.VehicleID)))
		}
		fmt.Fprintf(&b, "#%s · %s\n%s\n", c.AlertID, c.CreatedAt.Format(timeLayout), html.EscapeString(c.Message))
		if c.Replied() {
			fmt.Fprintf(&b, "↳ <i>%s</i>\n", html.EscapeString(c.Reply))
		} else {
			fmt.Fprintf(&b, "↳ /reply_%s\n", c.AlertID)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatComposerPrompt(a domain.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💬 Reply to alert #%s for <b>%s</b>\n", a.ID, html.EscapeString(vehicleLabel(a.VehicleNumber(), a.VehicleID)))
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n", html.EscapeString(a.Message))
	if a.Replied() {
		fmt.Fprintf(&b, "Already replied: <i>%s</i>", html.EscapeString(a.Reply))
		return b.String()
	}
	b.WriteString("Send your reply, or /cancel.")
	return b.String()
}

func vehicleLabel(number string, id domain.ID) string {
	if number != "" {
		return number
	}
	return "vehicle " + id.String()
}
