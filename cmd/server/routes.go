package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/pkg/logger"
)

// setupRoutes registers all HTTP routes and middleware
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Root and health endpoints
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)

	// Auth endpoints
	mux.HandleFunc("/api/v1/auth/register", s.handleRegister)
	mux.HandleFunc("/api/v1/auth/login", s.handleLogin)

	// API key management
	mux.HandleFunc("/api/v1/keys", s.handleKeys)
	mux.HandleFunc("/api/v1/keys/", s.handleKey)

	// Voice analysis endpoints
	mux.HandleFunc("/api/v1/voice/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/v1/voice/analyze-json", s.handleAnalyzeJSON)

	// History endpoints
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/history/", s.handleHistoryItem)

	// Admin endpoints
	mux.HandleFunc("/api/v1/admin/health", s.handleAdminHealth)
	mux.HandleFunc("/api/v1/admin/stats", s.handleAdminStats)

	handler := s.identityMiddleware(mux)
	handler = loggingMiddleware(handler)
	return corsMiddleware(s.config.AllowedOrigins)(handler)
}

// identityMiddleware resolves the request's credential, if any, into a
// principal on the context. Handlers decide whether one is required. A
// credential that is present but invalid is rejected here.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal *model.Principal

		apiKey := r.Header.Get("X-API-KEY")
		authHeader := r.Header.Get("Authorization")
		if apiKey == "" && strings.HasPrefix(authHeader, "ApiKey ") {
			apiKey = strings.TrimPrefix(authHeader, "ApiKey ")
		}

		switch {
		case apiKey != "":
			p, err := s.auth.PrincipalFromAPIKey(apiKey)
			if err != nil {
				s.log.Warnf("Rejected api key from %s: %v", getClientIP(r), err)
				s.respondError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			principal = p
		case strings.HasPrefix(authHeader, "Bearer "):
			p, err := s.auth.PrincipalFromToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				s.log.Warnf("Rejected bearer token from %s: %v", getClientIP(r), err)
				s.respondError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			principal = p
		}

		if principal != nil {
			r = r.WithContext(context.WithValue(r.Context(), principalKey{}, principal))
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				allowed = true
			} else {
				for _, allowedOrigin := range allowedOrigins {
					if allowedOrigin == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-KEY, X-Requested-With")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs all HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		log := logger.GetLogger()
		log.Infof("%s %s from %s", r.Method, r.URL.Path, getClientIP(r))

		next.ServeHTTP(wrapped, r)

		log.Infof("%s %s -> %d", r.Method, r.URL.Path, wrapped.statusCode)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// Start starts the HTTP server
func (s *Server) Start() error {
	handler := s.setupRoutes()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.log.Infof("EchoTruth server starting on %s", addr)
	s.log.Infof("   Database: %s", s.config.DBPath)
	s.log.Infof("   Analyzer: %s (mock=%v)", s.config.AIServiceURL, s.config.MockMode)
	s.log.Infof("   CORS Origins: %v", s.config.AllowedOrigins)
	s.log.Infof("Endpoints:")
	s.log.Infof("   GET    /health                       - Health check")
	s.log.Infof("   POST   /api/v1/auth/register         - Create account")
	s.log.Infof("   POST   /api/v1/auth/login            - Log in")
	s.log.Infof("   POST   /api/v1/keys                  - Issue API key")
	s.log.Infof("   GET    /api/v1/keys                  - List API keys")
	s.log.Infof("   DELETE /api/v1/keys/{id}             - Revoke API key")
	s.log.Infof("   POST   /api/v1/voice/analyze         - Analyze upload or URL")
	s.log.Infof("   POST   /api/v1/voice/analyze-json    - Analyze base64 payload")
	s.log.Infof("   GET    /api/v1/history               - Detection history")
	s.log.Infof("   GET    /api/v1/history/{id}          - Get detection")
	s.log.Infof("   DELETE /api/v1/history/{id}          - Delete detection")
	s.log.Infof("   GET    /api/v1/admin/health          - System health (admin)")
	s.log.Infof("   GET    /api/v1/admin/stats           - Platform stats (admin)")

	return http.ListenAndServe(addr, handler)
}
