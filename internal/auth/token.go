// Package auth turns a bearer token into a user. Tokens are issued by the
// account service; this package only verifies them and looks the user up.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labelflow/internal/models"
	"labelflow/internal/repository"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrUserNotFound = errors.New("user not found")
	ErrUserDisabled = errors.New("user is disabled")
)

// UserLookup is satisfied by repository.UserRepositoryImpl.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// TokenService verifies HS256 tokens whose subject is the user id.
type TokenService struct {
	secret []byte
	users  UserLookup
	now    func() time.Time
}

func NewTokenService(secret string, users UserLookup) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		users:  users,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for expiry checks. Tests only.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// IssueToken signs a token for userID valid for ttl.
func (s *TokenService) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Authenticate validates raw and returns the active user it names.
func (s *TokenService) Authenticate(ctx context.Context, raw string) (*models.User, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	return user, nil
}
