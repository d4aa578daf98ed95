package credential

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testIssuer(t *testing.T, revoker Revoker) *Issuer {
	t.Helper()
	issuer, err := New(testSecret, time.Hour, revoker, Options{})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestNewRejectsWeakSecret(t *testing.T) {
	if _, err := New([]byte("short"), time.Hour, nil, Options{}); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := New(testSecret, 0, nil, Options{}); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestMintAndResolve(t *testing.T) {
	issuer := testIssuer(t, nil)
	token, err := issuer.Mint("sess-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	sessionID, err := issuer.SessionID(token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sessionID != "sess-42" {
		t.Fatalf("resolved %q, want sess-42", sessionID)
	}
}

func TestTamperedCredentialRejected(t *testing.T) {
	issuer := testIssuer(t, nil)
	token, err := issuer.Mint("sess-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := issuer.SessionID(tampered); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("tampered token: got %v, want ErrInvalidCredential", err)
	}
	if _, err := issuer.SessionID("not.a.jwt"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("garbage token: got %v, want ErrInvalidCredential", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	a := testIssuer(t, nil)
	other, err := New([]byte(strings.Repeat("z", 32)), time.Hour, nil, Options{})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := a.Mint("sess-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := other.SessionID(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("cross-secret resolve: got %v, want ErrInvalidCredential", err)
	}
}

func TestExpiredCredentialRejected(t *testing.T) {
	issuer, err := New(testSecret, time.Minute, nil, Options{Leeway: time.Millisecond})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	issuer.now = func() time.Time { return time.Now().UTC().Add(-2 * time.Minute) }
	token, err := issuer.Mint("sess-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	issuer.now = func() time.Time { return time.Now().UTC() }
	if _, err := issuer.SessionID(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expired token: got %v, want ErrInvalidCredential", err)
	}
}

func TestRevokeWithMemoryRevoker(t *testing.T) {
	issuer := testIssuer(t, NewMemoryRevoker())
	token, err := issuer.Mint("sess-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := issuer.Revoke(token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := issuer.SessionID(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("revoked token: got %v, want ErrInvalidCredential", err)
	}
}

func TestRevokeWithRedisRevoker(t *testing.T) {
	mr := miniredis.RunT(t)
	issuer := testIssuer(t, NewRedisRevoker(mr.Addr(), ""))

	token, err := issuer.Mint("sess-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := issuer.SessionID(token); err != nil {
		t.Fatalf("resolve before revoke: %v", err)
	}
	if err := issuer.Revoke(token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := issuer.SessionID(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("revoked token: got %v, want ErrInvalidCredential", err)
	}

	// Another credential for the same session keeps working.
	fresh, err := issuer.Mint("sess-42")
	if err != nil {
		t.Fatalf("mint fresh: %v", err)
	}
	if _, err := issuer.SessionID(fresh); err != nil {
		t.Fatalf("fresh resolve: %v", err)
	}
}
