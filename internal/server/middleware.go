package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/llmgateway/internal/log"
	"github.com/howard-nolan/llmgateway/internal/proxy"
	"github.com/howard-nolan/llmgateway/internal/store"
)

// accessLog writes one structured line per request once it completes.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WrapResponseWriter records the status and byte count while still
		// exposing Flush, which streamed responses depend on.
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log.Infow("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// adminAuth guards the admin API with the configured admin token. With no
// token configured the admin API is closed.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Server.AdminToken
		got := r.Header.Get("X-Admin-Token")
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			proxy.WriteError(w, http.StatusUnauthorized, proxy.CodeInvalidToken, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenAuth resolves the caller's gateway key into an access token and
// stores it in the request context for the proxy.
func (s *Server) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := credential(r)
		if key == "" {
			proxy.WriteError(w, http.StatusUnauthorized, proxy.CodeInvalidToken, "missing gateway key")
			return
		}
		tok, err := s.deps.Tokens.LookupToken(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			proxy.WriteError(w, http.StatusUnauthorized, proxy.CodeInvalidToken, "unknown gateway key")
			return
		}
		if err != nil {
			log.Errorf("token lookup: %v", err)
			proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, "could not verify gateway key")
			return
		}
		next.ServeHTTP(w, r.WithContext(proxy.WithToken(r.Context(), tok)))
	})
}

// credential finds the gateway key wherever the caller's SDK put it:
// OpenAI clients send a bearer token, Anthropic clients x-api-key, and
// Gemini clients x-goog-api-key or a "key" query parameter.
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	for _, name := range []string{"X-Api-Key", "X-Goog-Api-Key"} {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}
