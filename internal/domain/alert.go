package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ID is a server identifier. The server emits numbers, push payloads and
// query strings carry strings; both decode to the same value.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

// Valid reports whether id is a positive integer, the only form the server issues.
func (id ID) Valid() bool {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil && n > 0
}

func (id ID) String() string { return string(id) }

// ParseID returns the identifier in s when it is valid.
func ParseID(s string) (ID, bool) {
	id := ID(s)
	if !id.Valid() {
		return "", false
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return ID(strconv.FormatInt(n, 10)), true
}

type Vehicle struct {
	VehicleNumber string `json:"vehicleNumber"`
}

// Alert is server-owned. The only mutation it ever sees is Reply going from
// empty to set.
type Alert struct {
	ID        ID        `json:"id"`
	VehicleID ID        `json:"vehicleId"`
	Message   string    `json:"message"`
	Reply     string    `json:"reply,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Vehicle   Vehicle   `json:"vehicle"`
}

func (a Alert) Replied() bool {
	return a.Reply != ""
}

func (a Alert) VehicleNumber() string {
	return a.Vehicle.VehicleNumber
}

// PendingReplyTarget marks the alert whose reply composer is open.
type PendingReplyTarget struct {
	AlertID ID
}

func (t *PendingReplyTarget) Is(id ID) bool {
	return t != nil && t.AlertID == id
}

// Identity is the owner/vehicle descriptor cached after a successful lookup.
type Identity struct {
	OwnerID       ID     `json:"ownerId" yaml:"owner_id"`
	VehicleID     ID     `json:"vehicleId" yaml:"vehicle_id"`
	VehicleNumber string `json:"vehicleNumber" yaml:"vehicle_number"`
	MobileNumber  string `json:"mobileNumber" yaml:"mobile_number"`
}
