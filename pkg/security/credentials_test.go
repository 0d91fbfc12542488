package security

import (
	"bytes"
	"testing"

	"golang.org/x/oauth2"
)

func TestNewCredentialVault(t *testing.T) {
	if _, err := NewCredentialVault(make([]byte, 32)); err != nil {
		t.Errorf("expected no error with 32-byte key, got %v", err)
	}
	if _, err := NewCredentialVault(make([]byte, 16)); err == nil {
		t.Error("expected error with 16-byte key")
	}
	if _, err := NewCredentialVault(nil); err == nil {
		t.Error("expected error with nil key")
	}
}

func TestNewCredentialVaultFromPassword(t *testing.T) {
	if _, err := NewCredentialVaultFromPassword("hunter2"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if _, err := NewCredentialVaultFromPassword(""); err == nil {
		t.Error("expected error with empty password")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	vault, err := NewCredentialVaultFromPassword("test-password")
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	plaintext := []byte(`{"accessKey":"AKIA...","secretKey":"shhh"}`)
	sealed, err := vault.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("shhh")) {
		t.Error("ciphertext leaks plaintext")
	}

	opened, err := vault.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestEncryptProducesUniqueNonces(t *testing.T) {
	vault, _ := NewCredentialVaultFromPassword("test-password")

	a, _ := vault.Encrypt([]byte("same input"))
	b, _ := vault.Encrypt([]byte("same input"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same input must differ")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	vault, _ := NewCredentialVaultFromPassword("test-password")

	sealed, _ := vault.Encrypt([]byte("credentials"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := vault.Decrypt(sealed); err == nil {
		t.Error("expected error decrypting tampered ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := NewCredentialVaultFromPassword("password-a")
	b, _ := NewCredentialVaultFromPassword("password-b")

	sealed, _ := a.Encrypt([]byte("credentials"))
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("expected error decrypting with the wrong key")
	}
}

func TestDecryptEdgeCases(t *testing.T) {
	vault, _ := NewCredentialVaultFromPassword("test-password")

	if _, err := vault.Decrypt(nil); err == nil {
		t.Error("expected error decrypting empty data")
	}
	if _, err := vault.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Error("expected error decrypting data shorter than the nonce")
	}
	if _, err := vault.Encrypt(nil); err == nil {
		t.Error("expected error encrypting empty data")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	vault, _ := NewCredentialVaultFromPassword("test-password")

	tok := &oauth2.Token{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		TokenType:    "Bearer",
	}
	sealed, err := vault.EncryptToken(tok)
	if err != nil {
		t.Fatalf("encrypt token failed: %v", err)
	}

	opened, err := vault.DecryptToken(sealed)
	if err != nil {
		t.Fatalf("decrypt token failed: %v", err)
	}
	if opened.AccessToken != tok.AccessToken || opened.RefreshToken != tok.RefreshToken {
		t.Errorf("token round trip mismatch: got %+v", opened)
	}
}
