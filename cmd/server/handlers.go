package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/echotruth/echotruth/internal/analysis"
	"github.com/echotruth/echotruth/internal/auth"
	"github.com/echotruth/echotruth/internal/detection"
	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/internal/storage"
	"github.com/echotruth/echotruth/pkg/logger"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	detections *detection.Service
	auth       *auth.Service
	analyzer   *analysis.Client
	store      *storage.DBClient
	config     *ServerConfig
	log        *logger.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	DBPath         string
	TempDir        string
	MaxUploadBytes int64
	AIServiceURL   string
	MockMode       bool
	AllowedOrigins []string
}

// NewServer creates a new server instance
func NewServer(detections *detection.Service, authService *auth.Service, analyzer *analysis.Client, store *storage.DBClient, config *ServerConfig) *Server {
	return &Server{
		detections: detections,
		auth:       authService,
		analyzer:   analyzer,
		store:      store,
		config:     config,
		log:        logger.GetLogger(),
	}
}

type principalKey struct{}

// principalFrom returns the principal the identity middleware resolved, or
// nil for anonymous requests.
func principalFrom(r *http.Request) *model.Principal {
	p, _ := r.Context().Value(principalKey{}).(*model.Principal)
	return p
}

// requireUser responds 401 and returns false when the request is anonymous.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*model.Principal, bool) {
	p := principalFrom(r)
	if p == nil {
		s.respondError(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	return p, true
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role string) (*model.Principal, bool) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return nil, false
	}
	if !p.HasRole(role) {
		s.respondError(w, http.StatusForbidden, "Insufficient privileges")
		return nil, false
	}
	return p, true
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// respondServiceError maps the detection error taxonomy onto status codes.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, detection.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, detection.ErrUnauthenticated):
		s.respondError(w, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, detection.ErrForbidden):
		s.respondError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, detection.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "Detection not found")
	default:
		s.log.Errorf("Request failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"service": "EchoTruth API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":      "GET /health",
			"register":    "POST /api/v1/auth/register",
			"login":       "POST /api/v1/auth/login",
			"analyze":     "POST /api/v1/voice/analyze",
			"analyzeJSON": "POST /api/v1/voice/analyze-json",
			"history":     "GET /api/v1/history",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleRegister handles POST /api/v1/auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := s.auth.Register(req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrMissingField):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUserExists):
		s.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Errorf("Registration failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Registration failed")
	default:
		s.respondJSON(w, http.StatusCreated, session)
	}
}

// handleLogin handles POST /api/v1/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := s.auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.respondError(w, http.StatusUnauthorized, "Invalid username or password")
	case err != nil:
		s.log.Errorf("Login failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Login failed")
	default:
		s.respondJSON(w, http.StatusOK, session)
	}
}

// handleKeys handles POST and GET /api/v1/keys
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req CreateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		secret, key, err := s.auth.CreateAPIKey(p.ID, req.Name, time.Duration(req.TTLHours)*time.Hour)
		if err != nil {
			s.log.Errorf("Failed to create api key: %v", err)
			s.respondError(w, http.StatusInternalServerError, "Failed to create API key")
			return
		}

		s.respondJSON(w, http.StatusCreated, CreateKeyResponse{
			Key:       secret,
			ID:        key.ID,
			Name:      key.Name,
			KeyPrefix: key.KeyPrefix,
			ExpiresAt: key.ExpiresAt,
		})

	case http.MethodGet:
		keys, err := s.auth.ListAPIKeys(p.ID)
		if err != nil {
			s.log.Errorf("Failed to list api keys: %v", err)
			s.respondError(w, http.StatusInternalServerError, "Failed to list API keys")
			return
		}

		dtos := make([]APIKeyDTO, len(keys))
		for i, k := range keys {
			dtos[i] = APIKeyDTO{
				ID:         k.ID,
				Name:       k.Name,
				KeyPrefix:  k.KeyPrefix,
				IsActive:   k.IsActive,
				ExpiresAt:  k.ExpiresAt,
				CreatedAt:  k.CreatedAt,
				LastUsedAt: k.LastUsedAt,
			}
		}
		s.respondJSON(w, http.StatusOK, dtos)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleKey handles DELETE /api/v1/keys/{id}
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	keyID := strings.TrimPrefix(r.URL.Path, "/api/v1/keys/")
	if keyID == "" {
		s.respondError(w, http.StatusBadRequest, "Key id is required")
		return
	}

	err := s.auth.RevokeAPIKey(p.ID, keyID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "API key not found")
	case err != nil:
		s.log.Errorf("Failed to revoke api key: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to revoke API key")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAnalyze handles POST /api/v1/voice/analyze (multipart upload or
// audioUrl form field).
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	// 64MB in-memory threshold; larger parts spill to disk.
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	languageHint := r.FormValue("languageHint")
	audioURL := strings.TrimSpace(r.FormValue("audioUrl"))

	file, header, err := r.FormFile("audio")
	switch {
	case err == nil:
		defer file.Close()

		// One byte past the ceiling so the resolver's size gate can reject
		// oversized uploads without this handler buffering all of them.
		data, readErr := io.ReadAll(io.LimitReader(file, s.config.MaxUploadBytes+1))
		if readErr != nil {
			s.respondError(w, http.StatusBadRequest, "Failed to read uploaded file")
			return
		}

		d, svcErr := s.detections.AnalyzeUpload(r.Context(), p, data, header.Filename, languageHint)
		if svcErr != nil {
			s.respondServiceError(w, svcErr)
			return
		}
		s.respondJSON(w, http.StatusOK, toDetectionDTO(d))

	case audioURL != "":
		d, svcErr := s.detections.AnalyzeURL(r.Context(), p, audioURL, languageHint)
		if svcErr != nil {
			s.respondServiceError(w, svcErr)
			return
		}
		s.respondJSON(w, http.StatusOK, toDetectionDTO(d))

	default:
		s.respondError(w, http.StatusBadRequest, "Either 'audio' file or 'audioUrl' must be provided")
	}
}

// handleAnalyzeJSON handles POST /api/v1/voice/analyze-json. The principal
// is optional here: API clients authenticated via the service key resolve to
// the synthetic api-client identity, and their records are stored without an
// owner.
func (s *Server) handleAnalyzeJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req AnalyzeJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Audio == "" {
		s.respondError(w, http.StatusBadRequest, "Audio data is required")
		return
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = "api_upload.mp3"
	}

	principal := principalFrom(r)
	var owner *model.Principal
	if principal != nil && !principal.HasRole(model.RoleAPIClient) {
		owner = principal
	}

	d, err := s.detections.AnalyzeEncoded(r.Context(), owner, req.Audio, fileName, req.Language)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toDetectionDTO(d))
}

// handleHistory handles GET /api/v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 0)
	size := queryInt(r, "size", 10)

	result, err := s.detections.History(r.Context(), p, page, size)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	items := make([]DetectionDTO, len(result.Items))
	for i := range result.Items {
		items[i] = toDetectionDTO(&result.Items[i])
	}
	s.respondJSON(w, http.StatusOK, HistoryResponse{
		Items:      items,
		Page:       result.Page,
		Size:       result.Size,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	})
}

// handleHistoryItem handles GET and DELETE /api/v1/history/{id}
func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/history/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Detection id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		d, err := s.detections.Get(r.Context(), p, id)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, toDetectionDTO(d))

	case http.MethodDelete:
		if err := s.detections.Delete(r.Context(), p, id); err != nil {
			s.respondServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleAdminHealth handles GET /api/v1/admin/health
func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, model.RoleAdmin); !ok {
		return
	}

	aiStatus := "unhealthy"
	if s.analyzer.CheckHealth(r.Context()) {
		aiStatus = "healthy"
	}

	s.respondJSON(w, http.StatusOK, AdminHealthResponse{
		Backend:   "healthy",
		AIService: aiStatus,
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleAdminStats handles GET /api/v1/admin/stats
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, model.RoleAdmin); !ok {
		return
	}

	detections, err := s.store.CountDetections()
	if err != nil {
		s.log.Errorf("Failed to count detections: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve stats")
		return
	}
	users, err := s.store.CountUsers()
	if err != nil {
		s.log.Errorf("Failed to count users: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve stats")
		return
	}

	s.respondJSON(w, http.StatusOK, StatsResponse{
		TotalDetections: detections,
		TotalUsers:      users,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
