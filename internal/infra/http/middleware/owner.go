package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/openctemio/orchestrator/pkg/apierror"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// OwnerHeader names the caller whose runs, schedules and endpoints a request acts on.
const OwnerHeader = "X-Owner"

// OwnerKey is the context key of the request owner.
const OwnerKey logger.ContextKey = "owner"

const maxOwnerLength = 255

// Owner reads the owner header into the request context. Authentication is
// done in front of the service; the header is trusted as given. An absent
// header leaves the owner empty, which lists across all owners.
func Owner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if len(owner) > maxOwnerLength {
				apierror.BadRequest("X-Owner header is too long").WriteJSON(w)
				return
			}
			ctx := context.WithValue(r.Context(), OwnerKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOwner returns the owner stored by Owner, or "".
func GetOwner(ctx context.Context) string {
	if owner, ok := ctx.Value(OwnerKey).(string); ok {
		return owner
	}
	return ""
}
