package ws

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"boardsync/domain"
)

const testSecret = "test-secret"

func testAuth(t *testing.T) *Auth {
	t.Helper()
	t.Setenv("AUTH0_TEST_MODE", "1")
	t.Setenv("TEST_JWT_SECRET", testSecret)
	return NewAuth(nil, "", "")
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	a := testAuth(t)
	token := signedToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"name":  "Alice",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	id, err := a.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user-1" || id.Name != "Alice" || id.Email != "alice@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	a := testAuth(t)
	if _, err := a.Verify(""); err != domain.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	a := testAuth(t)
	token := signedToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-2 * time.Hour).Unix(),
	})
	if _, err := a.Verify(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyRejectsMissingSub(t *testing.T) {
	a := testAuth(t)
	token := signedToken(t, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Verify(token); err == nil {
		t.Fatal("expected token without sub to be rejected")
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	a := testAuth(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := a.Verify(signed); err == nil {
		t.Fatal("expected bad signature to be rejected")
	}
}
