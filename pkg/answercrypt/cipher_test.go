package answercrypt

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := New(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); !errors.Is(err, ErrBadKey) {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := testCipher(t)
	cases := []string{
		"",
		"plain ascii answer",
		"unicode: Привет, 世界, नमस्ते, 🜍🜔",
		string(bytes.Repeat([]byte("long "), 4000)),
	}
	for _, plaintext := range cases {
		sealed, err := c.Seal("sess-1", []byte(plaintext))
		if err != nil {
			t.Fatalf("seal %q: %v", plaintext[:min(len(plaintext), 20)], err)
		}
		got, err := c.Open("sess-1", sealed)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if string(got) != plaintext {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
		}
	}
}

func TestFreshNoncePerSeal(t *testing.T) {
	c := testCipher(t)
	a, err := c.Seal("sess-1", []byte("same input"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := c.Seal("sess-1", []byte("same input"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatal("nonce reused across Seal calls")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("identical ciphertext for repeated Seal")
	}
}

func TestOpenFailsClosedOnBitFlip(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Seal("sess-1", []byte("the honest answer"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	for i := range sealed.Ciphertext {
		flipped := Sealed{
			Ciphertext: append([]byte(nil), sealed.Ciphertext...),
			Nonce:      sealed.Nonce,
		}
		flipped.Ciphertext[i] ^= 0x01
		if _, err := c.Open("sess-1", flipped); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("flip at byte %d: expected ErrIntegrity, got %v", i, err)
		}
	}
}

func TestOpenFailsOnWrongSession(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Seal("sess-1", []byte("answer"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := c.Open("sess-2", sealed); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("cross-session open should fail with ErrIntegrity, got %v", err)
	}
}

func TestOpenRejectsMalformedPayload(t *testing.T) {
	c := testCipher(t)
	bad := []Sealed{
		{},
		{Nonce: []byte("short")},
		{Nonce: make([]byte, NonceSize), Ciphertext: []byte("junk")},
	}
	for i, sealed := range bad {
		if _, err := c.Open("sess-1", sealed); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("case %d: expected ErrIntegrity, got %v", i, err)
		}
	}
}

func TestDigestDetectsSlotSwap(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Seal("sess-1", []byte("answer"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	digest := c.Digest("sess-1", 7, sealed.Ciphertext)
	if !c.VerifyDigest("sess-1", 7, sealed.Ciphertext, digest) {
		t.Fatal("digest should verify for original slot")
	}
	if c.VerifyDigest("sess-1", 8, sealed.Ciphertext, digest) {
		t.Fatal("digest verified after question slot swap")
	}
	if c.VerifyDigest("sess-2", 7, sealed.Ciphertext, digest) {
		t.Fatal("digest verified after session swap")
	}
}

func TestParseMasterKey(t *testing.T) {
	if _, err := ParseMasterKey("not base64!!"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := ParseMasterKey("c2hvcnQ"); !errors.Is(err, ErrBadKey) {
		t.Fatalf("expected ErrBadKey for short key, got %v", err)
	}
	// 32 zero bytes, std encoding.
	key, err := ParseMasterKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("key length %d", len(key))
	}
}
