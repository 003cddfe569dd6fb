package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// TenantHeader carries the tenant slug on internal and gateway traffic.
const TenantHeader = "X-Tenant-Slug"

// Identify extracts the tenant slug of a request: the X-Tenant-Slug header
// first, then the tenant_slug claim of a verified bearer token.
func (r *Resolver) Identify(req *http.Request) (string, error) {
	if slug := strings.TrimSpace(req.Header.Get(TenantHeader)); slug != "" {
		slug = strings.ToLower(slug)
		if err := interfaces.ValidateSlug(slug); err != nil {
			return "", fmt.Errorf("%w: malformed %s header", interfaces.ErrTenantRequired, TenantHeader)
		}
		return slug, nil
	}

	if token, ok := bearerToken(req); ok && r.verifier != nil {
		slug, err := r.verifier.TenantSlug(token)
		if err != nil {
			return "", err
		}
		return slug, nil
	}

	return "", interfaces.ErrTenantRequired
}

func bearerToken(req *http.Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[7:])
	return token, token != ""
}

// resolveHeld resolves slug and holds the context for the caller, retrying
// when an invalidation closed it in between.
func (r *Resolver) resolveHeld(ctx context.Context, slug string) (Resolution, error) {
	for attempt := 1; ; attempt++ {
		res, err := r.Resolve(ctx, slug)
		if err != nil || res.Kind != Resolved || res.Tenant.acquire() {
			return res, err
		}
		if attempt == maxPopulateAttempts {
			return Resolution{}, errContextClosed
		}
	}
}

// Middleware resolves the tenant of every request and stores it in the
// request context. Unidentified requests get 400, unknown tenants 404,
// tenants that are not Ready 403 and infrastructure failures 500.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		slug, err := r.Identify(req)
		if err != nil {
			switch {
			case errors.Is(err, interfaces.ErrInvalidToken):
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			default:
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}

		res, err := r.resolveHeld(req.Context(), slug)
		if err != nil {
			r.log.Error("Tenant resolution failed", "slug", slug, "err", err)
			http.Error(w, "tenant resolution failed", http.StatusInternalServerError)
			return
		}

		switch res.Kind {
		case NotFound:
			http.Error(w, "tenant not found", http.StatusNotFound)
			return
		case NotReady:
			http.Error(w, fmt.Sprintf("tenant is not ready (%s)", res.Status), http.StatusForbidden)
			return
		}

		defer res.Tenant.release()
		if res.Tenant.ephemeral {
			defer res.Tenant.close()
		}
		next.ServeHTTP(w, req.WithContext(WithTenant(req.Context(), res.Tenant)))
	})
}
