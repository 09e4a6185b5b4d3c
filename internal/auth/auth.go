// Package auth resolves credentials into principals. Two schemes are
// accepted, bearer JWTs for registered users and API keys for machine
// clients, and both end in the same model.Principal so nothing downstream
// cares which one was presented.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/internal/storage"
	"github.com/echotruth/echotruth/pkg/logger"
)

const DefaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username or email already taken")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidAPIKey      = errors.New("invalid api key")
	ErrMissingField       = errors.New("username, email and password are required")
)

// Store is the persistence surface auth needs.
type Store interface {
	CreateUser(u *model.User) error
	GetUserByUsername(username string) (*model.User, error)
	GetUserByID(id string) (*model.User, error)
	UsernameExists(username string) (bool, error)
	EmailExists(email string) (bool, error)
	CreateAPIKey(k *model.APIKey) error
	GetAPIKeyByHash(hash string) (*model.APIKey, error)
	ListAPIKeysByUser(userID string) ([]model.APIKey, error)
	RevokeAPIKey(userID, keyID string) error
	TouchAPIKey(keyID string) error
}

type Config struct {
	JWTSecret []byte
	TokenTTL  time.Duration

	// ServiceAPIKey is the static shared secret that maps to the synthetic
	// api-client principal. Empty disables the scheme.
	ServiceAPIKey string
}

type Service struct {
	store      Store
	secret     []byte
	tokenTTL   time.Duration
	serviceKey string
	log        *logger.Logger
}

func NewService(store Store, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return &Service{
		store:      store,
		secret:     cfg.JWTSecret,
		tokenTTL:   cfg.TokenTTL,
		serviceKey: cfg.ServiceAPIKey,
		log:        logger.GetLogger(),
	}
}

// Session is the reply to a successful register or login.
type Session struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Register creates a user with the USER role and logs them straight in.
func (s *Service) Register(username, email, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return nil, ErrMissingField
	}

	if taken, err := s.store.UsernameExists(username); err != nil {
		return nil, fmt.Errorf("checking username: %w", err)
	} else if taken {
		return nil, ErrUserExists
	}
	if taken, err := s.store.EmailExists(email); err != nil {
		return nil, fmt.Errorf("checking email: %w", err)
	} else if taken {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Roles:        model.RoleUser,
		IsActive:     true,
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.log.Infof("Registered user %s", username)
	return s.issueSession(user)
}

// Login verifies a password and issues a fresh token.
func (s *Service) Login(username, password string) (*Session, error) {
	user, err := s.store.GetUserByUsername(strings.TrimSpace(username))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	s.log.Infof("User %s logged in", user.Username)
	return s.issueSession(user)
}

type tokenClaims struct {
	Username string   `json:"preferred_username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

func (s *Service) issueSession(user *model.User) (*Session, error) {
	now := time.Now()
	claims := tokenClaims{
		Username: user.Username,
		Roles:    user.RoleList(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &Session{Token: token, Username: user.Username, Email: user.Email}, nil
}

// PrincipalFromToken verifies a bearer JWT and produces the principal it
// encodes. The user record is not re-read; tokens are short-lived enough
// that role changes ride the next login.
func (s *Service) PrincipalFromToken(raw string) (*model.Principal, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &model.Principal{
		ID:          claims.Subject,
		DisplayName: claims.Username,
		Roles:       claims.Roles,
	}, nil
}
