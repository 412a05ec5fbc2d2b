package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-examiner/backend/pkg/utils"
)

// OwnerHeader carries the authenticated user id. Browsers that cannot set
// headers on a websocket upgrade pass it as the "owner" query parameter.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

// Owner copies the caller's owner id into the request context.
func Owner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get("owner"))
		}
		if owner != "" {
			r = r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner))
		}
		next.ServeHTTP(w, r)
	})
}

// OwnerFrom returns the owner id stored by Owner, or "".
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// RequireOwner rejects requests that carry no owner id.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if OwnerFrom(r.Context()) == "" {
			utils.RespondError(w, http.StatusBadRequest, "owner id is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
