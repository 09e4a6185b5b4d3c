package auth

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/internal/storage"
)

func setupAuth(t *testing.T) (*Service, *storage.DBClient) {
	t.Helper()

	store, err := storage.NewDBClientWithPath(filepath.Join(t.TempDir(), "auth.sqlite3"))
	if err != nil {
		t.Fatalf("Failed to create test DB client: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, Config{
		JWTSecret:     []byte("test-secret"),
		TokenTTL:      time.Hour,
		ServiceAPIKey: "svc-static-key",
	})
	return svc, store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := setupAuth(t)

	session, err := svc.Register("alice", "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if session.Token == "" {
		t.Error("Expected a token from register")
	}
	if session.Username != "alice" {
		t.Errorf("Username = %q, want alice", session.Username)
	}

	login, err := svc.Login("alice", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login.Token == "" {
		t.Error("Expected a token from login")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := setupAuth(t)

	if _, err := svc.Register("", "a@example.com", "pw"); !errors.Is(err, ErrMissingField) {
		t.Errorf("Empty username: expected ErrMissingField, got %v", err)
	}
	if _, err := svc.Register("bob", "", "pw"); !errors.Is(err, ErrMissingField) {
		t.Errorf("Empty email: expected ErrMissingField, got %v", err)
	}
	if _, err := svc.Register("bob", "b@example.com", ""); !errors.Is(err, ErrMissingField) {
		t.Errorf("Empty password: expected ErrMissingField, got %v", err)
	}
}

func TestRegisterDuplicates(t *testing.T) {
	svc, _ := setupAuth(t)

	if _, err := svc.Register("alice", "alice@example.com", "pw123456"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := svc.Register("alice", "other@example.com", "pw123456"); !errors.Is(err, ErrUserExists) {
		t.Errorf("Duplicate username: expected ErrUserExists, got %v", err)
	}
	if _, err := svc.Register("other", "alice@example.com", "pw123456"); !errors.Is(err, ErrUserExists) {
		t.Errorf("Duplicate email: expected ErrUserExists, got %v", err)
	}
}

func TestLoginFailures(t *testing.T) {
	svc, store := setupAuth(t)

	if _, err := svc.Register("alice", "alice@example.com", "correct-horse"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := svc.Login("alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login("nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Unknown user: expected ErrInvalidCredentials, got %v", err)
	}

	// Deactivated accounts cannot log in even with the right password.
	user, err := store.GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("GetUserByUsername failed: %v", err)
	}
	user.IsActive = false
	if err := store.DB.Save(user).Error; err != nil {
		t.Fatalf("Failed to deactivate user: %v", err)
	}
	if _, err := svc.Login("alice", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Inactive user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	svc, store := setupAuth(t)

	session, err := svc.Register("alice", "alice@example.com", "pw123456")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	principal, err := svc.PrincipalFromToken(session.Token)
	if err != nil {
		t.Fatalf("PrincipalFromToken failed: %v", err)
	}
	if principal.DisplayName != "alice" {
		t.Errorf("DisplayName = %q, want alice", principal.DisplayName)
	}
	if !principal.HasRole(model.RoleUser) {
		t.Errorf("Expected USER role, got %v", principal.Roles)
	}

	user, _ := store.GetUserByUsername("alice")
	if principal.ID != user.ID {
		t.Errorf("Principal ID = %q, want user id %q", principal.ID, user.ID)
	}
}

func TestTokenRejection(t *testing.T) {
	svc, _ := setupAuth(t)

	session, err := svc.Register("alice", "alice@example.com", "pw123456")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := svc.PrincipalFromToken("garbage.token.here"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Garbage token: expected ErrInvalidToken, got %v", err)
	}

	// A token signed with a different secret must not verify.
	other := NewService(svc.store, Config{JWTSecret: []byte("different-secret")})
	if _, err := other.PrincipalFromToken(session.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Wrong secret: expected ErrInvalidToken, got %v", err)
	}

	// An expired token must not verify.
	expired := NewService(svc.store, Config{JWTSecret: []byte("test-secret"), TokenTTL: -time.Minute})
	oldSession, err := expired.Login("alice", "pw123456")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := svc.PrincipalFromToken(oldSession.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expired token: expected ErrInvalidToken, got %v", err)
	}
}

func TestServiceAPIKey(t *testing.T) {
	svc, _ := setupAuth(t)

	principal, err := svc.PrincipalFromAPIKey("svc-static-key")
	if err != nil {
		t.Fatalf("PrincipalFromAPIKey failed: %v", err)
	}
	if principal.ID != "api-client" {
		t.Errorf("ID = %q, want api-client", principal.ID)
	}
	if !principal.HasRole(model.RoleAPIClient) {
		t.Errorf("Expected API_CLIENT role, got %v", principal.Roles)
	}

	if _, err := svc.PrincipalFromAPIKey("wrong-key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Wrong key: expected ErrInvalidAPIKey, got %v", err)
	}
	if _, err := svc.PrincipalFromAPIKey(""); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Empty key: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestPersonalAPIKeyLifecycle(t *testing.T) {
	svc, store := setupAuth(t)

	if _, err := svc.Register("alice", "alice@example.com", "pw123456"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	user, _ := store.GetUserByUsername("alice")

	secret, key, err := svc.CreateAPIKey(user.ID, "ci", 0)
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}
	if !strings.HasPrefix(secret, "et_") {
		t.Errorf("Secret %q missing et_ prefix", secret)
	}
	if key.KeyPrefix != secret[:len(key.KeyPrefix)] {
		t.Errorf("KeyPrefix %q does not match secret start", key.KeyPrefix)
	}
	if key.KeyHash == secret {
		t.Error("Plaintext secret must not be stored")
	}

	principal, err := svc.PrincipalFromAPIKey(secret)
	if err != nil {
		t.Fatalf("PrincipalFromAPIKey failed: %v", err)
	}
	if principal.ID != user.ID {
		t.Errorf("Principal ID = %q, want %q", principal.ID, user.ID)
	}
	if !principal.HasRole(model.RoleUser) {
		t.Errorf("Expected USER role, got %v", principal.Roles)
	}

	keys, err := svc.ListAPIKeys(user.ID)
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys = %d keys, %v; want 1, nil", len(keys), err)
	}

	if err := svc.RevokeAPIKey(user.ID, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey failed: %v", err)
	}
	if _, err := svc.PrincipalFromAPIKey(secret); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Revoked key: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestExpiredAPIKeyRejected(t *testing.T) {
	svc, store := setupAuth(t)

	if _, err := svc.Register("alice", "alice@example.com", "pw123456"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	user, _ := store.GetUserByUsername("alice")

	secret, key, err := svc.CreateAPIKey(user.ID, "short", time.Hour)
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}
	if key.ExpiresAt == nil {
		t.Fatal("Expected an expiry to be set")
	}

	// Push the expiry into the past directly.
	past := time.Now().Add(-time.Minute)
	key.ExpiresAt = &past
	if err := store.DB.Save(key).Error; err != nil {
		t.Fatalf("Failed to backdate key: %v", err)
	}

	if _, err := svc.PrincipalFromAPIKey(secret); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expired key: expected ErrInvalidAPIKey, got %v", err)
	}
}
