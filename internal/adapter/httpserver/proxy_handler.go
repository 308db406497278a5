package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ProxyHandler forwards /amap/<endpoint> calls through the credential pool.
// The response is either the upstream payload untouched or the vendor-style
// error envelope the forwarder builds.
func (s *Server) ProxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := chi.URLParam(r, "*")
		params := r.URL.Query()
		// Never trust a caller-supplied key; the pool injects its own.
		params.Del("key")

		res := s.Proxy.Forward(r.Context(), endpoint, params)
		if res.StatusCode >= 500 {
			LoggerFrom(r).Warn("proxy forward degraded",
				slog.String("endpoint", endpoint),
				slog.Int("status", res.StatusCode))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Body)
	}
}
