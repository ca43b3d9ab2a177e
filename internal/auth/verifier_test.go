package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agendaclinica/internal/config"
)

const testSigningKey = "test-signing-key-for-unit-tests"

func testService() *Service {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSigningKey
	cfg.Auth.Audience = "authenticated"
	cfg.Security.CronSecret = "cron-secret"
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Unix(1000, 0) },
	}
}

func TestAuthenticateRequestJWT(t *testing.T) {
	svc := testService()
	token := signedJWT(t, jwt.MapClaims{
		"aud":   "authenticated",
		"exp":   2000,
		"sub":   "owner-1",
		"email": "clinica@example.com",
		"role":  "authenticated",
	})

	req, err := http.NewRequest(http.MethodGet, "/v1/access", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	principal, err := svc.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if principal.OwnerID != "owner-1" || principal.Email != "clinica@example.com" {
		t.Fatalf("unexpected principal identity: %+v", principal)
	}
	if principal.AuthMethod != "jwt" {
		t.Fatalf("expected jwt auth method, got %s", principal.AuthMethod)
	}
}

func TestVerifyJWTRejections(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   error
	}{
		{name: "missing sub", claims: jwt.MapClaims{"aud": "authenticated", "exp": 2000}, want: ErrUnauthorized},
		{name: "expired", claims: jwt.MapClaims{"aud": "authenticated", "exp": 900, "sub": "owner-1"}, want: ErrUnauthorized},
		{name: "no expiry", claims: jwt.MapClaims{"aud": "authenticated", "sub": "owner-1"}, want: ErrUnauthorized},
		{name: "wrong audience", claims: jwt.MapClaims{"aud": "other", "exp": 2000, "sub": "owner-1"}, want: ErrUnauthorized},
		{name: "anon role", claims: jwt.MapClaims{"aud": "authenticated", "exp": 2000, "sub": "owner-1", "role": "anon"}, want: ErrForbidden},
	}
	svc := testService()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.VerifyJWT("Bearer " + signedJWT(t, tc.claims))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifyJWTRejectsOtherSecret(t *testing.T) {
	svc := testService()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"aud": "authenticated", "exp": 2000, "sub": "owner-1"})
	signed, err := tok.SignedString([]byte("another-secret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	if _, err := svc.VerifyJWT("Bearer " + signed); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestVerifyJWTWithoutSecretConfigured(t *testing.T) {
	svc := testService()
	svc.Config.Auth.JWTSecret = ""
	if _, err := svc.VerifyJWT("Bearer abc.def.ghi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestVerifyCronSecret(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		secret  string
		wantErr bool
	}{
		{name: "matching", header: "Bearer cron-secret", secret: "cron-secret"},
		{name: "wrong secret", header: "Bearer nope", secret: "cron-secret", wantErr: true},
		{name: "missing header", secret: "cron-secret", wantErr: true},
		{name: "not configured", header: "Bearer ", secret: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := testService()
			svc.Config.Security.CronSecret = tc.secret
			req, _ := http.NewRequest(http.MethodPost, "/v1/subscriptions/sweep", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			err := svc.VerifyCronSecret(req)
			if tc.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}
