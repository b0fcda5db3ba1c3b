// Package http serves the agent's local API: subscription control, vehicle
// lookup, the alert thread and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/khaliullov/scanmycar-agent/internal/api"
	"github.com/khaliullov/scanmycar-agent/internal/dashboard"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/metrics"
	"github.com/khaliullov/scanmycar-agent/internal/usecase"
)

type Notifications interface {
	Enable(ctx context.Context) (domain.SubscriptionDescriptor, error)
	Disable(ctx context.Context) error
}

type SubscriptionReader interface {
	GetSubscription(ctx context.Context) (*usecase.PushSubscription, bool)
}

type Server interface {
	LookupVehicle(ctx context.Context, vehicleNumber, mobileNumber string) (api.VehicleRecord, error)
	AlertsByOwner(ctx context.Context, ownerID domain.ID) ([]domain.Alert, error)
	Reply(ctx context.Context, alertID domain.ID, text string) error
}

type IdentityStore interface {
	Current(ctx context.Context) (*domain.Identity, bool)
	Set(ctx context.Context, id domain.Identity) error
}

type Displayer interface {
	ShowNotification(ctx context.Context, title string, opts domain.NotificationOptions) error
}

type HandlerOptions struct {
	Notifications  Notifications
	Subscriptions  SubscriptionReader
	Server         Server
	Identity       IdentityStore
	Display        Displayer
	DashboardPath  string
	AllowedOrigins []string
	Now            func() time.Time
	Metrics        *metrics.Metrics
	Logger         *logger.Logger
}

type Handler struct {
	opts HandlerOptions
	log  *logger.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DashboardPath == "" {
		opts.DashboardPath = domain.DefaultDashboardPath
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{opts: opts, log: log.WithComponent("http")}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/subscription", h.getSubscription)
	mux.HandleFunc("POST /api/subscription", h.enable)
	mux.HandleFunc("DELETE /api/subscription", h.disable)
	mux.HandleFunc("POST /api/lookup", h.lookup)
	mux.HandleFunc("GET /api/alerts", h.alerts)
	mux.HandleFunc("POST /api/alerts/{id}/reply", h.reply)
	mux.HandleFunc("POST /api/test-notification", h.testNotification)
	if h.opts.Metrics != nil {
		mux.Handle("GET /metrics", h.opts.Metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: h.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoIdentity), errors.Is(err, domain.ErrSubscriptionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyReply):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsupportedEnvironment):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.log.LogError(err, "request failed", slog.String("path", r.URL.Path))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.opts.Subscriptions.GetSubscription(r.Context())
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no subscription"})
		return
	}
	writeJSON(w, http.StatusOK, sub.ToJSON())
}

// enable waits for the permission answer, so the request lives as long as
// the client keeps it open.
func (h *Handler) enable(w http.ResponseWriter, r *http.Request) {
	desc, err := h.opts.Notifications.Enable(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Notifications.Disable(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleNumber string `json:"vehicleNumber"`
		MobileNumber  string `json:"mobileNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.VehicleNumber) == "" || strings.TrimSpace(req.MobileNumber) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "vehicleNumber and mobileNumber are required"})
		return
	}

	v, err := h.opts.Server.LookupVehicle(r.Context(), strings.ToUpper(req.VehicleNumber), req.MobileNumber)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id := v.Identity()
	if err := h.opts.Identity.Set(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (h *Handler) owner(r *http.Request) (domain.ID, error) {
	id, ok := h.opts.Identity.Current(r.Context())
	if !ok {
		return "", domain.ErrNoIdentity
	}
	return id.OwnerID, nil
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	alerts, err := h.opts.Server.AlertsByOwner(r.Context(), owner)
	if h.opts.Metrics != nil {
		h.opts.Metrics.Polls.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard.BuildThread(alerts))
}

func (h *Handler) reply(w http.ResponseWriter, r *http.Request) {
	id, ok := domain.ParseID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert id"})
		return
	}
	var req struct {
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Reply) == "" {
		h.fail(w, r, domain.ErrEmptyReply)
		return
	}
	err := h.opts.Server.Reply(r.Context(), id, req.Reply)
	if h.opts.Metrics != nil {
		h.opts.Metrics.Replies.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testNotification(w http.ResponseWriter, r *http.Request) {
	n := domain.NewTestNotification(h.opts.DashboardPath, h.opts.Now())
	if err := h.opts.Display.ShowNotification(r.Context(), n.Title, n.NotificationOptions); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

// StartWebServer serves handler on port until ctx ends, then drains.
func StartWebServer(ctx context.Context, port int, handler http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("local API listening", slog.String("addr", "http://localhost"+srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
