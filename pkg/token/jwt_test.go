package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Role: "doctor",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dr.ionescu",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func TestInspectUnverified(t *testing.T) {
	insp := NewInspector("")
	claims, err := insp.Inspect(sign(t, "whatever", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if claims.Subject != "dr.ionescu" || claims.Role != "doctor" {
		t.Errorf("claims = %+v", claims)
	}
	if left, ok := claims.ExpiresIn(time.Now()); !ok || left <= 0 {
		t.Errorf("ExpiresIn() = %s, %v", left, ok)
	}
}

func TestInspectExpired(t *testing.T) {
	for _, secret := range []string{"", "s3cret"} {
		_, err := NewInspector(secret).Inspect(sign(t, "s3cret", time.Now().Add(-time.Minute)))
		if !errors.Is(err, ErrExpired) {
			t.Errorf("secret=%q: error = %v, want ErrExpired", secret, err)
		}
	}
}

func TestInspectRejectsBadSignatureAndGarbage(t *testing.T) {
	if _, err := NewInspector("right").Inspect(sign(t, "wrong", time.Now().Add(time.Hour))); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad signature error = %v", err)
	}
	if _, err := NewInspector("").Inspect("not.a.jwt"); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage error = %v", err)
	}
}
