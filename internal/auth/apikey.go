package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/internal/storage"
)

const apiKeyPrefixLen = 8

// CreateAPIKey issues a personal key for userID. The plaintext secret is
// returned exactly once; only its SHA-256 hash is stored.
func (s *Service) CreateAPIKey(userID, name string, ttl time.Duration) (string, *model.APIKey, error) {
	if name == "" {
		name = "default"
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generating api key: %w", err)
	}
	secret := "et_" + hex.EncodeToString(buf)

	key := &model.APIKey{
		UserID:    userID,
		KeyHash:   hashAPIKey(secret),
		Name:      name,
		KeyPrefix: secret[:apiKeyPrefixLen],
		IsActive:  true,
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		key.ExpiresAt = &expires
	}

	if err := s.store.CreateAPIKey(key); err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}

	s.log.Infof("Issued api key %s (%s...) for user %s", key.Name, key.KeyPrefix, userID)
	return secret, key, nil
}

// ListAPIKeys returns the caller's keys, hashes and all other secrets
// excluded by construction (only hashes are stored).
func (s *Service) ListAPIKeys(userID string) ([]model.APIKey, error) {
	return s.store.ListAPIKeysByUser(userID)
}

// RevokeAPIKey deactivates one of the caller's keys.
func (s *Service) RevokeAPIKey(userID, keyID string) error {
	return s.store.RevokeAPIKey(userID, keyID)
}

// PrincipalFromAPIKey resolves an API key to a principal. The static
// service key maps to the synthetic api-client identity; personal keys map
// to their owning user.
func (s *Service) PrincipalFromAPIKey(key string) (*model.Principal, error) {
	if key == "" {
		return nil, ErrInvalidAPIKey
	}

	if s.serviceKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.serviceKey)) == 1 {
		return &model.Principal{
			ID:          "api-client",
			DisplayName: "api-client",
			Roles:       []string{model.RoleAPIClient},
		}, nil
	}

	stored, err := s.store.GetAPIKeyByHash(hashAPIKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}
	if !stored.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if stored.ExpiresAt != nil && time.Now().After(*stored.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	if err := s.store.TouchAPIKey(stored.ID); err != nil {
		s.log.Warnf("Failed to record api key usage for %s: %v", stored.ID, err)
	}

	user, err := s.store.GetUserByID(stored.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("loading key owner: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidAPIKey
	}

	return &model.Principal{
		ID:          user.ID,
		DisplayName: user.Username,
		Roles:       user.RoleList(),
	}, nil
}

func hashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
