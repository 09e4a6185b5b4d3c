package model

import (
	"strings"
	"time"
)

// Classification is the analyzer's verdict for one audio sample.
type Classification string

const (
	ClassificationAIGenerated Classification = "AI_GENERATED"
	ClassificationHuman       Classification = "HUMAN"
)

// Valid reports whether c is one of the known classification values.
func (c Classification) Valid() bool {
	return c == ClassificationAIGenerated || c == ClassificationHuman
}

// Explanation is the structured reasoning block attached to every analysis
// result, stored as JSON alongside the detection.
type Explanation struct {
	Reasoning         []string           `json:"reasoning"`
	ModelScores       map[string]float64 `json:"model_scores"`
	PitchAnomaly      bool               `json:"pitch_anomaly"`
	SpectralArtifacts bool               `json:"spectral_artifacts"`
	EnsembleAgreement string             `json:"ensemble_agreement"`
}

// AnalysisResult is the validated reply from the voice analyzer. Every field
// is populated: callers never have to null-check a live result against the
// mock one.
type AnalysisResult struct {
	Classification Classification
	Confidence     float64
	Language       string
	Explanation    Explanation
}

// Detection is one immutable voice-analysis outcome. Records are created
// once, never updated, and removed only by an ownership-checked delete.
// OwnerID is empty for anonymous API-client analyses.
type Detection struct {
	ID               string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID          string         `gorm:"type:varchar(36);index:idx_detection_owner" json:"owner_id,omitempty"`
	AudioFileName    string         `json:"audio_file_name"`
	AudioSource      string         `json:"audio_source"`
	Classification   Classification `gorm:"type:varchar(16)" json:"classification"`
	Confidence       float64        `json:"confidence"`
	Language         string         `json:"language"`
	Explanation      Explanation    `gorm:"serializer:json" json:"explanation"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Role names carried by principals.
const (
	RoleUser      = "USER"
	RoleAdmin     = "ADMIN"
	RoleAPIClient = "API_CLIENT"
)

// Principal is the resolved actor behind a request. The auth layer produces
// one from whichever credential scheme it accepted; everything downstream
// consumes only this.
type Principal struct {
	ID          string
	DisplayName string
	Roles       []string
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// User is a registered account able to own detections and API keys.
type User struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	Username     string `gorm:"uniqueIndex:idx_user_username"`
	Email        string `gorm:"uniqueIndex:idx_user_email"`
	PasswordHash string
	Roles        string // comma-separated role names
	IsActive     bool
	CreatedAt    time.Time
}

// RoleList splits the stored comma-separated roles.
func (u *User) RoleList() []string {
	if u.Roles == "" {
		return nil
	}
	parts := strings.Split(u.Roles, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// APIKey is a personal long-lived credential. Only the SHA-256 hash of the
// secret is stored; KeyPrefix keeps the first characters for display.
type APIKey struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	UserID     string `gorm:"type:varchar(36);index:idx_apikey_user"`
	KeyHash    string `gorm:"uniqueIndex:idx_apikey_hash"`
	Name       string
	KeyPrefix  string
	IsActive   bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
