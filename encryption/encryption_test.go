package encryption

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.txt")
	enc := filepath.Join(dir, "plain.txt.enc")
	dec := filepath.Join(dir, "plain.txt.dec")

	want := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(src, want, 0644); err != nil {
		t.Fatal(err)
	}

	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	key := DeriveKey("correct horse battery staple", salt)

	if err := EncryptFile(key, src, enc); err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}

	ciphertext, err := os.ReadFile(enc)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(ciphertext, want) {
		t.Error("ciphertext must not contain the plaintext")
	}

	if err := DecryptFile(key, enc, dec); err != nil {
		t.Fatalf("DecryptFile: %v", err)
	}

	got, err := os.ReadFile(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("round trip mismatch: got %q, want %q", got, want)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.txt")
	enc := filepath.Join(dir, "plain.txt.enc")
	if err := os.WriteFile(src, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}

	salt, _ := NewSalt()
	key1 := DeriveKey("pass-one", salt)
	key2 := DeriveKey("pass-two", salt)

	if err := EncryptFile(key1, src, enc); err != nil {
		t.Fatal(err)
	}

	if err := DecryptFile(key2, enc, filepath.Join(dir, "out")); err == nil {
		t.Error("expected decryption with the wrong key to fail")
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := DeriveKey("passphrase", salt)
	k2 := DeriveKey("passphrase", salt)
	if k1 != k2 {
		t.Error("DeriveKey must be deterministic for the same passphrase and salt")
	}
}
