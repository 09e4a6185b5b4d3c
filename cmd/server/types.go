package main

import (
	"time"

	"github.com/echotruth/echotruth/internal/model"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// RegisterRequest is the body for POST /api/v1/auth/register
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the body for POST /api/v1/auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AnalyzeJSONRequest is the body for POST /api/v1/voice/analyze-json
// (base64 payloads, the API-client path).
type AnalyzeJSONRequest struct {
	Audio    string `json:"audio"`
	FileName string `json:"file_name,omitempty"`
	Language string `json:"language,omitempty"`
}

// DetectionDTO is the client-facing projection of a detection record. The
// resolved storage path stays server-side.
type DetectionDTO struct {
	ID               string            `json:"id"`
	Classification   string            `json:"classification"`
	Confidence       float64           `json:"confidence"`
	Language         string            `json:"language"`
	Explanation      model.Explanation `json:"explanation"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	AudioFileName    string            `json:"audio_file_name"`
	CreatedAt        time.Time         `json:"created_at"`
}

func toDetectionDTO(d *model.Detection) DetectionDTO {
	return DetectionDTO{
		ID:               d.ID,
		Classification:   string(d.Classification),
		Confidence:       d.Confidence,
		Language:         d.Language,
		Explanation:      d.Explanation,
		ProcessingTimeMs: d.ProcessingTimeMs,
		AudioFileName:    d.AudioFileName,
		CreatedAt:        d.CreatedAt,
	}
}

// HistoryResponse is one page of the caller's detections.
type HistoryResponse struct {
	Items      []DetectionDTO `json:"items"`
	Page       int            `json:"page"`
	Size       int            `json:"size"`
	TotalItems int64          `json:"total_items"`
	TotalPages int            `json:"total_pages"`
}

// CreateKeyRequest is the body for POST /api/v1/keys
type CreateKeyRequest struct {
	Name     string `json:"name"`
	TTLHours int    `json:"ttl_hours,omitempty"`
}

// CreateKeyResponse carries the plaintext secret exactly once.
type CreateKeyResponse struct {
	Key       string     `json:"key"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// APIKeyDTO lists a key without any secret material.
type APIKeyDTO struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// AdminHealthResponse is the body for GET /api/v1/admin/health
type AdminHealthResponse struct {
	Backend   string `json:"backend"`
	AIService string `json:"ai_service"`
	Timestamp int64  `json:"timestamp"`
}

// StatsResponse is the body for GET /api/v1/admin/stats
type StatsResponse struct {
	TotalDetections int64 `json:"total_detections"`
	TotalUsers      int64 `json:"total_users"`
}
