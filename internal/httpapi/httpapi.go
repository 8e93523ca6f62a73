// Package httpapi is the HTTP surface over the core: message enqueueing,
// the SSE event stream, and task administration. Request parsing and
// routing live here; authentication middleware is an external collaborator
// that deposits the user id into the request context.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

type ctxKey int

const userIDKey ctxKey = iota

// WithUserID returns a context carrying the authenticated user id. The
// authentication middleware calls this; tests call it directly.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom extracts the authenticated user id from a context.
func UserIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// UserFromRequest adapts UserIDFrom to the sse.UserFunc contract.
func UserFromRequest(r *http.Request) (int64, bool) {
	return UserIDFrom(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
