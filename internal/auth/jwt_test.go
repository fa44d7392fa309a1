package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "unit-test-secret"

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken(secret, "javier@example.com")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	email, err := ValidateToken(secret, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if email != "javier@example.com" {
		t.Fatalf("email = %q, want %q", email, "javier@example.com")
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := GenerateToken(secret, "javier@example.com")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ValidateToken("a-different-secret", token); err == nil {
		t.Fatal("token signed with another secret must not validate")
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	for _, bad := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := ValidateToken(secret, bad); err == nil {
			t.Fatalf("garbage token %q must not validate", bad)
		}
	}
}

func TestValidateTokenExpired(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "javier@example.com",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateToken(secret, signed); err == nil {
		t.Fatal("expired token must not validate")
	}
}

func TestValidateTokenMissingSubject(t *testing.T) {
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateToken(secret, signed); err == nil {
		t.Fatal("token without a subject must not validate")
	}
}

func TestValidateTokenRejectsUnsignedAlg(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "javier@example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateToken(secret, signed); err == nil {
		t.Fatal(`alg "none" token must not validate`)
	}
}
