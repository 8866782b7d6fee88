// Package api serves the front-end REST surface: login, refresh, logout,
// and health. All credential checks happen in the auth sub-daemon; this
// layer is JSON plumbing plus public-key token verification.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quillnotes/quill/internal/auth/token"
	"github.com/quillnotes/quill/internal/logger"
)

// NewRouter configures the chi router.
//
// Routes:
//   - GET  /health               - liveness probe
//   - POST /api/v1/auth/login    - authenticate, returns a token pair
//   - POST /api/v1/auth/refresh  - rotate the refresh token
//   - POST /api/v1/auth/logout   - destroy the session
//   - GET  /api/v1/auth/me       - decode the bearer token
func NewRouter(auth AuthService, verifier *token.Verifier) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{Status: "ok"})
	})

	authHandler := NewAuthHandler(auth, verifier)
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	return r
}

// requestLogger logs completed requests. Health probes log at DEBUG to keep
// the noise down.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logFn := logger.Info
		if strings.HasPrefix(r.URL.Path, "/health") {
			logFn = logger.Debug
		}
		logFn("request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			logger.KeyPath, r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
