package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := "unit-test-secret"
	payload, err := EncryptString(secret, "BOT_TOKEN=abc123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(payload, []byte("abc123")) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	plain, err := DecryptToString(secret, payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "BOT_TOKEN=abc123" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	payload, err := EncryptString("secret-a", "value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptToString("secret-b", payload); err == nil {
		t.Fatalf("expected error decrypting with wrong secret")
	}
}

func TestDecryptShortPayload(t *testing.T) {
	if _, err := DecryptToString("secret", []byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}
