package api

import (
	"context"
	"net/http"
	"strings"
)

// ClientHeader carries the page-context id of the caller.
const ClientHeader = "X-Soilsnap-Client"

const maxClientIDLength = 64

type clientIDContextKey struct{}

// WithClientID returns a new context with the page-context id attached.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDContextKey{}, id)
}

// ClientIDFromContext extracts the page-context id from the context.
// Returns "anonymous" if not present or empty.
func ClientIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(clientIDContextKey{}).(string)
	if !ok || id == "" {
		return "anonymous"
	}
	return id
}

// ClientIDMiddleware copies the ClientHeader value into the request context.
// Oversized values are ignored.
func ClientIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ClientHeader))
		if id != "" && len(id) <= maxClientIDLength {
			r = r.WithContext(WithClientID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
