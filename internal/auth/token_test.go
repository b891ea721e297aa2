package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/descmd1/meetup-api/internal/auth"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := auth.NewIssuer("test-secret", time.Hour)

	token, err := issuer.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	identity, err := issuer.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if identity != "alice" {
		t.Errorf("identity = %q, want alice", identity)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := auth.NewIssuer("secret-a", time.Hour)
	other := auth.NewIssuer("secret-b", time.Hour)

	token, err := issuer.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := other.VerifyToken(token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("VerifyToken with wrong secret = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := auth.NewIssuer("test-secret", -time.Minute)

	token, err := issuer.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := issuer.VerifyToken(token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("VerifyToken with expired token = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := auth.NewIssuer("test-secret", time.Hour)

	if _, err := issuer.VerifyToken("not-a-token"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("VerifyToken with garbage = %v, want ErrInvalidToken", err)
	}
}

func TestIssueRequiresIdentity(t *testing.T) {
	issuer := auth.NewIssuer("test-secret", time.Hour)

	if _, err := issuer.IssueToken(""); err == nil {
		t.Error("IssueToken with empty identity should fail")
	}
}
