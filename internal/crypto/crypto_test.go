package crypto

import (
	"encoding/base64"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	a, err := New(key)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := a.EncryptToString("s3cret-密码")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "s3cret-密码" {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := a.DecryptString(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got != "s3cret-密码" {
		t.Fatalf("round trip = %q", got)
	}

	// Nonces are random, so sealing twice must differ.
	again, err := a.EncryptToString("s3cret-密码")
	if err != nil {
		t.Fatal(err)
	}
	if again == sealed {
		t.Fatal("two seals produced identical ciphertext")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	a, err := New(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := a.EncryptToString("hello")
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := base64.RawStdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := a.DecryptString(base64.RawStdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}

	if _, err := a.DecryptString("c2hvcnQ"); err == nil {
		t.Fatal("truncated ciphertext accepted")
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	if _, err := New(make([]byte, 15)); err == nil {
		t.Fatal("15-byte key accepted")
	}
}

func TestGenerateKey(t *testing.T) {
	enc, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	key, err := base64.RawStdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d", len(key))
	}
	if _, err := New(key); err != nil {
		t.Fatal(err)
	}
}
