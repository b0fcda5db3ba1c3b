// Package api talks to the ScanMyCar server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

const DefaultTimeout = 15 * time.Second

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d", e.Op, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == domain.ErrNetwork
}

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// SubscribeRequest registers a push subscription for an owner or a vehicle.
type SubscribeRequest struct {
	VehicleID    domain.ID                     `json:"vehicleId,omitempty"`
	UserID       domain.ID                     `json:"userId,omitempty"`
	MobileNumber string                        `json:"mobileNumber,omitempty"`
	Subscription domain.SubscriptionDescriptor `json:"subscription"`
}

func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) error {
	return c.do(ctx, "Subscription", http.MethodPost, "/notifications/subscribe", req, nil)
}

func (c *Client) AlertsByOwner(ctx context.Context, ownerID domain.ID) ([]domain.Alert, error) {
	var alerts []domain.Alert
	path := "/alerts/owner/" + url.PathEscape(ownerID.String())
	if err := c.do(ctx, "Fetch alerts", http.MethodGet, path, nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *Client) Reply(ctx context.Context, alertID domain.ID, text string) error {
	body := struct {
		AlertID domain.ID `json:"alertId"`
		Reply   string    `json:"reply"`
	}{alertID, text}
	return c.do(ctx, "Reply", http.MethodPost, "/alerts/reply", body, nil)
}

func (c *Client) SendAlert(ctx context.Context, vehicleID domain.ID, message string) error {
	body := struct {
		VehicleID domain.ID `json:"vehicleId"`
		Message   string    `json:"message"`
	}{vehicleID, message}
	return c.do(ctx, "Send alert", http.MethodPost, "/alerts/send", body, nil)
}

// VehicleRecord is the lookup answer. Older servers send the vehicle id as _id.
type VehicleRecord struct {
	ID            domain.ID `json:"id"`
	LegacyID      domain.ID `json:"_id"`
	OwnerID       domain.ID `json:"ownerId"`
	VehicleNumber string    `json:"vehicleNumber"`
	MobileNumber  string    `json:"mobileNumber"`
}

func (v VehicleRecord) VehicleID() domain.ID {
	if v.ID != "" {
		return v.ID
	}
	return v.LegacyID
}

func (v VehicleRecord) Identity() domain.Identity {
	return domain.Identity{
		OwnerID:       v.OwnerID,
		VehicleID:     v.VehicleID(),
		VehicleNumber: v.VehicleNumber,
		MobileNumber:  v.MobileNumber,
	}
}

// LookupVehicle finds a vehicle by plate and owner phone. An unknown pair
// returns domain.ErrNotFound.
func (c *Client) LookupVehicle(ctx context.Context, vehicleNumber, mobileNumber string) (VehicleRecord, error) {
	q := url.Values{}
	q.Set("vehicleNumber", strings.TrimSpace(vehicleNumber))
	q.Set("mobileNumber", strings.TrimSpace(mobileNumber))

	var v VehicleRecord
	err := c.do(ctx, "Lookup", http.MethodGet, "/vehicles/lookup?"+q.Encode(), nil, &v)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return VehicleRecord{}, fmt.Errorf("vehicle %s: %w", vehicleNumber, domain.ErrNotFound)
	}
	if err != nil {
		return VehicleRecord{}, err
	}
	if v.VehicleID() == "" && v.OwnerID == "" {
		return VehicleRecord{}, fmt.Errorf("vehicle %s: %w", vehicleNumber, domain.ErrNotFound)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Op: op, Status: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w: %v", op, domain.ErrNetwork, err)
	}
	return nil
}
