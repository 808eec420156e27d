package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return NewService(Config{
		Secret:       "test-signing-secret",
		TokenTTL:     time.Hour,
		AdminEmail:   "admin@metergate.test",
		PasswordHash: string(hash),
	})
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	svc := newTestService(t)

	pair, err := svc.Login("Admin@MeterGate.test", "s3cret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "admin@metergate.test" || claims.Role != roleAdmin {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Login("admin@metergate.test", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Login("other@metergate.test", "s3cret-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := newTestService(t)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	pair, err := svc.Login("admin@metergate.test", "s3cret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	svc.now = time.Now
	if _, err := svc.Verify(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other := newTestService(t)
	other.cfg.Secret = "a-different-secret"
	fresh, _ := other.Login("admin@metergate.test", "s3cret-pass")
	if _, err := svc.Verify(fresh.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign signature to be rejected, got %v", err)
	}
}
