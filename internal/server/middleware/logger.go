package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each request hitting a relay endpoint before the rest
// of the chain runs. Most traffic here is the /ws handshake, so the remote
// address matters more than timing.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remote := r.RemoteAddr
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				remote = reqMeta.IP
			}

			logger.Info("Endpoint request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", remote),
			)
			next.ServeHTTP(w, r)
		})
	}
}
