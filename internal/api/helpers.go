// Package api implements the HTTP API through which consumers read the store
// configuration.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tienda-app/tienda-go/internal/configctx"
	"github.com/tienda-app/tienda-go/internal/identity"
	"github.com/tienda-app/tienda-go/internal/models"
)

// Handlers holds dependencies for all HTTP handlers. The configuration scope
// itself travels in the request context.
type Handlers struct {
	info identity.Info
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an AppError as a JSON response.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*models.AppError); ok {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrInternal(err.Error()))
}

// withScope attaches scope to every request context. A nil scope attaches
// nothing.
func withScope(scope *configctx.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if scope != nil {
				r = r.WithContext(configctx.WithScope(r.Context(), scope))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// scopeRecoverer turns a ScopeMissing panic into a JSON 500. Any other panic
// is passed on to the outer recoverer.
func scopeRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if !configctx.IsScopeMissing(rec) {
					panic(rec)
				}
				slog.Error("api: config read outside scope", "path", r.URL.Path)
				writeError(w, models.ErrInternal(models.MsgScopeMissing))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
