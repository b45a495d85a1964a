package relay

import (
	"net/http"

	"github.com/adityaadpandey/ephemeral-relay/internals/utils"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

const contentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"

// corsHandler reflects any origin in development. Elsewhere only the
// configured origin is allowed.
func (r *Relay) corsHandler() func(http.Handler) http.Handler {
	opts := []handlers.CORSOption{
		handlers.MaxAge(3600),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.ExposedHeaders([]string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"}),
		handlers.AllowCredentials(),
	}
	if r.config.IsDevelopment() {
		opts = append(opts, handlers.AllowedOriginValidator(func(string) bool { return true }))
	} else {
		opts = append(opts, handlers.AllowedOrigins([]string{r.config.Server.CORSOrigin}))
	}
	return handlers.CORS(opts...)
}

func (r *Relay) securityHeaders(next http.Handler) http.Handler {
	production := r.config.IsProduction()
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if production {
			h.Set("Content-Security-Policy", contentSecurityPolicy)
		}
		next.ServeHTTP(w, req)
	})
}

// recoverer turns a handler panic into a 500 {"error":"server_error"}.
func (r *Relay) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				r.logger.Error("Panic in HTTP handler",
					zap.String("method", req.Method),
					zap.String("path", req.URL.Path),
					zap.Error(utils.PanicError(rec)),
				)
				w.Header().Set("Connection", "close")
				writeError(w, http.StatusInternalServerError, "server_error")
			}
		}()

		next.ServeHTTP(w, req)
	})
}
