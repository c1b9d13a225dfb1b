// Package auth handles password hashing, bearer tokens and credential checks.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
)

var (
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("incorrect email or password")
	ErrInactiveUser        = errors.New("inactive user")
	ErrInvalidToken        = errors.New("could not validate credentials")
	errSecretNotConfigured = errors.New("jwt secret not configured")
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Tokens issues and validates HS256 bearer tokens.
type Tokens struct {
	Secret string
	TTL    time.Duration

	now func() time.Time
}

// NewTokens returns a Tokens signer. A non-positive ttl means one day.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{Secret: secret, TTL: ttl, now: time.Now}
}

// Issue signs a token whose subject is the user's email.
func (t *Tokens) Issue(subject string) (string, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", errSecretNotConfigured
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.TTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates token and returns its subject.
func (t *Tokens) Parse(token string) (string, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", errSecretNotConfigured
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(t.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Email    string
	FullName string
	Password string
	Role     string
}

// Service ties credentials and tokens to the user store.
type Service struct {
	store  store.Store
	tokens *Tokens
}

// NewService creates an auth service.
func NewService(s store.Store, tokens *Tokens) *Service {
	return &Service{store: s, tokens: tokens}
}

// Tokens returns the token signer.
func (s *Service) Tokens() *Tokens { return s.tokens }

// Register creates an active user. Emails are unique.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" {
		return nil, errors.New("email and password are required")
	}

	_, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return nil, ErrEmailTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	u := &models.User{
		Email:          email,
		FullName:       in.FullName,
		HashedPassword: hash,
		IsActive:       true,
		Role:           in.Role,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate verifies credentials. Unknown email and wrong password
// produce the same error.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !CheckPassword(u.HashedPassword, password) {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrInactiveUser
	}
	return u, nil
}

// Login authenticates and issues a token for the user.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return "", err
	}
	return s.tokens.Issue(u.Email)
}

// UserFromToken resolves a bearer token to an active user.
func (s *Service) UserFromToken(ctx context.Context, token string) (*models.User, error) {
	subject, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUserByEmail(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrInactiveUser
	}
	return u, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
