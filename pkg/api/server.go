package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/agent-guardian/pkg/auth"
	"github.com/psantana5/agent-guardian/pkg/ratelimit"
	"github.com/psantana5/agent-guardian/pkg/tracing"
)

// OpenPaths skip API key checks
var OpenPaths = []string{"/health", "/metrics"}

// NewRouter builds the full middleware chain: tracing, rate limiting, then
// authentication. A nil limiter or verifier disables that layer.
func NewRouter(h *Handler, verifier *auth.KeyVerifier, limiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware)
	if limiter != nil {
		r.Use(mux.MiddlewareFunc(limiter.Middleware(ratelimit.APIKeyFunc)))
	}
	if verifier != nil && verifier.Enabled() {
		r.Use(mux.MiddlewareFunc(verifier.Middleware(OpenPaths...)))
	}
	h.RegisterRoutes(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})
	return r
}
