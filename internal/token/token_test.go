package token

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	issuer, err := NewIssuer([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	tok, err := issuer.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	subject, err := issuer.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if subject != "alice" {
		t.Errorf("subject = %q, want alice", subject)
	}
}

func TestEmptySecret(t *testing.T) {
	if _, err := NewIssuer(nil, time.Hour); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("got %v, want ErrEmptySecret", err)
	}
}

func TestEmptySubject(t *testing.T) {
	issuer, _ := NewIssuer([]byte("test-secret"), time.Hour)
	if _, err := issuer.Issue(""); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestWrongSecretRejected(t *testing.T) {
	issuer, _ := NewIssuer([]byte("test-secret"), time.Hour)
	other, _ := NewIssuer([]byte("other-secret"), time.Hour)

	tok, err := issuer.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := other.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestGarbageRejected(t *testing.T) {
	issuer, _ := NewIssuer([]byte("test-secret"), time.Hour)
	for _, tok := range []string{"", "garbage", "a.b.c"} {
		if _, err := issuer.Validate(tok); err == nil {
			t.Errorf("Validate(%q): expected error", tok)
		}
	}
}

func TestExpiryEarlyCutoff(t *testing.T) {
	issuer, _ := NewIssuer([]byte("test-secret"), time.Hour)

	base := time.Now()
	issuer.now = func() time.Time { return base }

	tok, err := issuer.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Well inside the lifetime: fine.
	issuer.now = func() time.Time { return base.Add(30 * time.Minute) }
	if _, err := issuer.Validate(tok); err != nil {
		t.Errorf("validate at 30m: %v", err)
	}

	// Inside the final minute before expiresAt: already invalid.
	issuer.now = func() time.Time { return base.Add(time.Hour - 30*time.Second) }
	if _, err := issuer.Validate(tok); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("validate at expiry-30s: got %v, want ErrExpiredToken", err)
	}

	// Past expiresAt: invalid.
	issuer.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := issuer.Validate(tok); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("validate at 2h: got %v, want ErrExpiredToken", err)
	}
}
