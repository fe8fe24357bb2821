package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketdata-relay/config"
	"marketdata-relay/internal/redis"
	relay_errors "marketdata-relay/pkg/errors"
	"marketdata-relay/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionStore is the cache that backs issued sessions.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*redis.SessionCache, error)
	SetSession(ctx context.Context, session *redis.SessionCache) error
	InvalidateSession(ctx context.Context, sessionID string) error
}

type AuthService struct {
	sessions  SessionStore
	jwtSecret []byte
	expiryH   int
	expiryM   int
	location  *time.Location
	now       func() time.Time
}

func NewAuthService(sessions SessionStore, cfg *config.Config) (*AuthService, error) {
	cutoff, err := time.Parse("15:04", cfg.SessionExpiryTime)
	if err != nil {
		return nil, fmt.Errorf("session expiry time: %w", err)
	}
	loc, err := time.LoadLocation(cfg.SessionTimezone)
	if err != nil {
		return nil, fmt.Errorf("session timezone: %w", err)
	}
	return &AuthService{
		sessions:  sessions,
		jwtSecret: []byte(cfg.JWTSecret),
		expiryH:   cutoff.Hour(),
		expiryM:   cutoff.Minute(),
		location:  loc,
		now:       time.Now,
	}, nil
}

type SessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (c SessionClaims) Username() string {
	return c.Subject
}

// NextSessionExpiry returns the first daily cutoff strictly after now.
func (s *AuthService) NextSessionExpiry(now time.Time) time.Time {
	local := now.In(s.location)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), s.expiryH, s.expiryM, 0, 0, s.location)
	if !cutoff.After(local) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff
}

// IssueSession mints a token for username and caches the session until the
// next daily cutoff.
func (s *AuthService) IssueSession(ctx context.Context, username string) (string, time.Time, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", time.Time{}, relay_errors.ErrInvalidInput
	}

	now := s.now()
	expiresAt := s.NextSessionExpiry(now)
	sessionID := uuid.NewString()

	claims := SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}

	err = s.sessions.SetSession(ctx, &redis.SessionCache{
		SessionID: sessionID,
		Username:  username,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cache session: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *AuthService) ParseToken(tokenString string) (SessionClaims, error) {
	if tokenString == "" {
		return SessionClaims{}, relay_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, relay_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, relay_errors.ErrSessionExpired
		}
		return SessionClaims{}, relay_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.SessionID == "" {
		return SessionClaims{}, relay_errors.ErrUnauthorized
	}
	return *claims, nil
}

// ValidateToken checks the signature and the cached session. It returns the
// session's username.
func (s *AuthService) ValidateToken(ctx context.Context, tokenString string) (string, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return "", err
	}

	session, err := s.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", relay_errors.ErrServiceUnavailable, err)
	}
	if session == nil || session.Username != claims.Username() {
		return "", relay_errors.ErrUnauthorized
	}
	if !s.now().Before(session.ExpiresAt) {
		_ = s.sessions.InvalidateSession(ctx, claims.SessionID)
		return "", relay_errors.ErrSessionExpired
	}
	return session.Username, nil
}

func (s *AuthService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return err
	}
	return s.sessions.InvalidateSession(ctx, claims.SessionID)
}

// HTTPStatus maps an error to the status the routes answer with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, relay_errors.ErrInvalidInput),
		errors.Is(err, relay_errors.ErrAPIKeyNotFound),
		errors.Is(err, relay_errors.ErrBrokerNotFound):
		return 400
	case errors.Is(err, relay_errors.ErrUnauthorized), errors.Is(err, relay_errors.ErrSessionExpired):
		return 401
	case errors.Is(err, relay_errors.ErrRateLimited):
		return 429
	case errors.Is(err, relay_errors.ErrServiceUnavailable):
		return 503
	default:
		return 500
	}
}

func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, logger.UsernameKey, username)
}

func UsernameFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(logger.UsernameKey).(string)
	if !ok || username == "" {
		return "", false
	}
	return username, true
}
