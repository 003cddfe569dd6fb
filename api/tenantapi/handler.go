// Package tenantapi serves endpoints scoped to the tenant of the request.
// Every route runs behind the resolver middleware and reaches the tenant
// database only through the request's resolved context.
package tenantapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/ruteri/tenant-provisioning-backend/resolver"
)

// Middleware is the tenant resolution middleware, usually
// (*resolver.Resolver).Middleware.
type Middleware func(http.Handler) http.Handler

type Handler struct {
	middleware Middleware
	log        *slog.Logger
}

func NewHandler(middleware Middleware, log *slog.Logger) *Handler {
	return &Handler{middleware: middleware, log: log.With("component", "tenant-api")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tenant", func(r chi.Router) {
		r.Use(h.middleware)
		r.Get("/context", h.HandleContext)
		r.Get("/health", h.HandleHealth)
		r.Get("/settings", h.HandleSettings)
	})
}

// HandleContext describes the tenant the request was routed to.
func (h *Handler) HandleContext(w http.ResponseWriter, r *http.Request) {
	tc := resolver.MustFromContext(r.Context())
	api.WriteJSON(w, http.StatusOK, api.TenantContextResponse{
		TenantID:     tc.TenantID,
		Slug:         tc.Slug,
		DisplayName:  tc.DisplayName,
		Plan:         tc.Plan,
		Status:       tc.Status,
		DatabaseName: tc.DatabaseName,
	})
}

// HandleHealth pings the tenant database.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	tc := resolver.MustFromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	db, err := tc.DB(ctx)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		h.log.Warn("Tenant database unhealthy", "tenant", tc, "err", err)
		api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "tenant": tc.Slug})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "tenant": tc.Slug})
}

// HandleSettings returns the tenant's store settings.
func (h *Handler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	tc := resolver.MustFromContext(r.Context())

	db, err := tc.DB(r.Context())
	if err != nil {
		h.log.Error("Tenant database unavailable", "tenant", tc, "err", err)
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusServiceUnavailable, Err: err})
		return
	}

	query, args, err := dbutil.Builder(db.DriverName()).Select("name", "value").From("settings").OrderBy("name").ToSql()
	if err != nil {
		api.WriteError(w, err)
		return
	}

	var rows []struct {
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	if err := db.SelectContext(r.Context(), &rows, query, args...); err != nil {
		h.log.Error("Failed to read tenant settings", "tenant", tc, "err", err)
		api.WriteError(w, err)
		return
	}

	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[row.Name] = row.Value
	}
	api.WriteJSON(w, http.StatusOK, settings)
}
