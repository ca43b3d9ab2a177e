package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agendaclinica/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Service verifies Supabase session tokens and the scheduler's cron secret.
type Service struct {
	Config config.Config
	Now    func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) AuthenticateRequest(r *http.Request) (Principal, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return s.VerifyJWT(authHeader)
	}
	return Principal{}, ErrUnauthorized
}

func (s *Service) VerifyJWT(authHeader string) (Principal, error) {
	rawToken, ok := bearerToken(authHeader)
	if !ok {
		return Principal{}, ErrUnauthorized
	}

	signingKey := []byte(s.Config.Auth.JWTSecret)
	if len(signingKey) == 0 {
		return Principal{}, fmt.Errorf("%w: jwt secret not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.Now),
		jwt.WithExpirationRequired(),
	}
	if iss := strings.TrimSpace(s.Config.Auth.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(s.Config.Auth.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrUnauthorized
	}

	ownerID := claimString(claims["sub"])
	if ownerID == "" {
		return Principal{}, ErrUnauthorized
	}
	// Supabase issues anon tokens with the same secret; only signed-in users pass.
	role := claimString(claims["role"])
	if role == "anon" {
		return Principal{}, ErrForbidden
	}

	return Principal{
		OwnerID:    ownerID,
		Email:      claimString(claims["email"]),
		Role:       role,
		AuthMethod: "jwt",
	}, nil
}

// VerifyCronSecret accepts "Authorization: Bearer <secret>" from the external
// scheduler. An unset secret rejects every call.
func (s *Service) VerifyCronSecret(r *http.Request) error {
	expected := s.Config.Security.CronSecret
	if expected == "" {
		return fmt.Errorf("%w: cron secret not configured", ErrUnauthorized)
	}
	got, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func bearerToken(authHeader string) (string, bool) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(headerParts[1]), true
}

func claimString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	default:
		return ""
	}
}
