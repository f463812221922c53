package cipher

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewService("0123456789abcdef0123456789abcdef", true)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	plaintext := []byte(`{"cookies":["a=b","c=d"]}`)
	ciphertext, err := svc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := svc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptStrictRejectsPlaintext(t *testing.T) {
	svc, err := NewService("0123456789abcdef0123456789abcdef", true)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if _, err := svc.Decrypt([]byte("not-ciphertext-at-all")); err == nil {
		t.Fatal("expected error in strict mode for non-ciphertext input")
	}
}

func TestDecryptPassthroughReturnsLegacyPlaintext(t *testing.T) {
	svc, err := NewService("0123456789abcdef0123456789abcdef", false)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	legacy := []byte("legacy-plaintext-cookie-bag")
	got, err := svc.Decrypt(legacy)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(legacy) {
		t.Fatalf("passthrough mismatch: got %q want %q", got, legacy)
	}
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService("too-short", true); err == nil {
		t.Fatal("expected error for secret under 32 bytes")
	}
}
