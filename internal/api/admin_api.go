// Package api exposes the daemon's control channel over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Controller is the part of the daemon the admin API drives.
type Controller interface {
	// TriggerSync asks the synchronizer for an immediate pass.
	TriggerSync()
	// Wakeup interrupts the feeder's sleep.
	Wakeup()
	ReopenLogs()
	Status() any
}

type AdminAPI struct {
	Store   push.Store
	Control Controller
	Logger  *slog.Logger
}

func NewAdminAPI(store push.Store, control Controller, logger *slog.Logger) *AdminAPI {
	return &AdminAPI{
		Store:   store,
		Control: control,
		Logger:  logger.With("component", "AdminAPI"),
	}
}

// Register mounts every route on mux, each wrapped by wrap.
func (api *AdminAPI) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, wrap(handlerFunc))
	}
	handle("POST /admin/v1/sync", api.Sync)
	handle("POST /admin/v1/wake", api.Wake)
	handle("POST /admin/v1/reopen-logs", api.ReopenLogs)
	handle("GET /admin/v1/status", api.Status)
	handle("POST /admin/v1/notifications", api.CreateNotification)
	handle("GET /admin/v1/apps", api.ListApps)
	handle("PUT /admin/v1/apps/{id}", api.PutApp)
	handle("DELETE /admin/v1/apps/{id}", api.DeleteApp)
}

// --- Signals ---

func (api *AdminAPI) Sync(w http.ResponseWriter, r *http.Request) {
	api.Control.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

func (api *AdminAPI) Wake(w http.ResponseWriter, r *http.Request) {
	api.Control.Wakeup()
	w.WriteHeader(http.StatusAccepted)
}

func (api *AdminAPI) ReopenLogs(w http.ResponseWriter, r *http.Request) {
	api.Control.ReopenLogs()
	w.WriteHeader(http.StatusNoContent)
}

func (api *AdminAPI) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.Control.Status())
}

// --- Notifications ---

type CreateNotificationResponse struct {
	ID string `json:"id"`
}

func (api *AdminAPI) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req push.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := req.Validate(); err != nil {
		api.Logger.Warn("CreateNotification: Validation failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := api.Store.App(ctx, req.AppID); err != nil {
		if errors.Is(err, push.ErrNotFound) {
			response.WriteJSONError(w, http.StatusUnprocessableEntity, "unknown app")
			return
		}
		api.Logger.Error("failed to load app", "app_id", req.AppID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	n := req.Notification()
	if err := api.Store.CreateNotification(ctx, n); err != nil {
		api.Logger.Error("failed to create notification", "app_id", req.AppID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Control.Wakeup()

	writeJSON(w, http.StatusCreated, CreateNotificationResponse{ID: n.ID})
}

// --- Apps ---

// AppSummary is an app without its credentials.
type AppSummary struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Service     push.ServiceKind `json:"service"`
	Connections int              `json:"connections"`
	Environment string           `json:"environment,omitempty"`
}

func (api *AdminAPI) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := api.Store.AllApps(r.Context())
	if err != nil {
		api.Logger.Error("failed to list apps", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	out := make([]AppSummary, 0, len(apps))
	for _, a := range apps {
		out = append(out, AppSummary{
			ID:          a.ID,
			Name:        a.Name,
			Service:     a.Service,
			Connections: a.Connections,
			Environment: a.Environment,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *AdminAPI) PutApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var app push.App
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if app.ID != "" && app.ID != id {
		response.WriteJSONError(w, http.StatusBadRequest, "id does not match path")
		return
	}
	app.ID = id
	if !app.Service.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "unknown service")
		return
	}
	if app.Connections < 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "connections must not be negative")
		return
	}

	if err := api.Store.SaveApp(r.Context(), app); err != nil {
		api.Logger.Error("failed to save app", "app_id", id, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("PutApp: App saved", "app_id", id, "service", app.Service)
	api.Control.TriggerSync()

	w.WriteHeader(http.StatusNoContent)
}

func (api *AdminAPI) DeleteApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := api.Store.DeleteApp(r.Context(), id); err != nil {
		if errors.Is(err, push.ErrNotFound) {
			response.WriteJSONError(w, http.StatusNotFound, "app not found")
			return
		}
		api.Logger.Error("failed to delete app", "app_id", id, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("DeleteApp: App deleted", "app_id", id)
	api.Control.TriggerSync()

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
