package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewEncryptor(key)
	if err != nil {
		t.Fatal(err)
	}

	token := "xyzzy-plex-token-123"
	ct, err := e.Encrypt(token)
	if err != nil {
		t.Fatal(err)
	}
	if ct == token {
		t.Fatal("ciphertext equals plaintext")
	}
	pt, err := e.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != token {
		t.Errorf("round trip = %q, want %q", pt, token)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	e, _ := NewEncryptor(key)
	a, _ := e.Encrypt("secret")
	b, _ := e.Encrypt("secret")
	if a == b {
		t.Error("two encryptions produced identical ciphertext")
	}
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	if _, err := NewEncryptor("not-base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	if _, err := NewEncryptor("c2hvcnQ="); err == nil {
		t.Error("short key accepted")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	key, _ := GenerateKey()
	e, _ := NewEncryptor(key)
	for _, ct := range []string{"", "AAAA", "!!!"} {
		if _, err := e.Decrypt(ct); err == nil {
			t.Errorf("Decrypt(%q) succeeded", ct)
		}
	}

	other, _ := NewEncryptor(mustKey(t))
	ct, _ := e.Encrypt("secret")
	if _, err := other.Decrypt(ct); err == nil {
		t.Error("decryption with wrong key succeeded")
	}
}

func mustKey(t *testing.T) string {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}
