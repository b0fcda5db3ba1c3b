package dashboard

import (
	"sort"
	"time"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

// Conversation pairs an alert's message with its reply.
type Conversation struct {
	AlertID       domain.ID `json:"alertId"`
	VehicleID     domain.ID `json:"vehicleId"`
	VehicleNumber string    `json:"vehicleNumber"`
	Message       string    `json:"message"`
	Reply         string    `json:"reply,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (c Conversation) Replied() bool {
	return c.Reply != ""
}

// BuildThread groups conversations by vehicle, in the order vehicles first
// appear, and orders each vehicle's conversations by creation time.
func BuildThread(alerts []domain.Alert) []Conversation {
	rank := make(map[domain.ID]int)
	for _, a := range alerts {
		if _, ok := rank[a.VehicleID]; !ok {
			rank[a.VehicleID] = len(rank)
		}
	}

	out := make([]Conversation, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, Conversation{
			AlertID:       a.ID,
			VehicleID:     a.VehicleID,
			VehicleNumber: a.VehicleNumber(),
			Message:       a.Message,
			Reply:         a.Reply,
			CreatedAt:     a.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank[out[i].VehicleID], rank[out[j].VehicleID]
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
