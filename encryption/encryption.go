// Package encryption implements the symmetric whole-file encryption helper
// described in section 2.c and section 6 of the design specification: a key
// derived from a passphrase, applied to an entire file as a single unit,
// with no chunk-level IV scheme.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	keyLen    = 32 // AES-256
	saltLen   = 16
	nonceLen  = 12
	timeCost  = 1
	memoryKiB = 64 * 1024
	threads   = 4
)

// Key is a derived 256-bit symmetric key. There is exactly one Key per job
// (see Design Notes open question 4: no key rotation path in this build).
type Key [keyLen]byte

// DeriveKey derives a Key from passphrase and salt using argon2id, the
// ecosystem's recommended password KDF — chosen over the original source's
// raw SHA-256(password) because the corpus already depends on
// golang.org/x/crypto and argon2id resists brute force far better than an
// unsalted single SHA-256 pass.
func DeriveKey(passphrase string, salt []byte) Key {
	derived := argon2.IDKey([]byte(passphrase), salt, timeCost, memoryKiB, threads, keyLen)
	var k Key
	copy(k[:], derived)
	return k
}

// NewSalt generates a random salt suitable for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("encryption: generate salt: %w", err)
	}
	return salt, nil
}

// EncryptFile reads srcPath in full, seals it with AES-256-GCM under key,
// and writes nonce||ciphertext to dstPath. The entire file is treated as a
// single plaintext unit, per section 6: "the cipher is applied to the
// payload as a single unit; no chunk-level IV scheme is required."
func EncryptFile(key Key, srcPath, dstPath string) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("encryption: read %s: %w", srcPath, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("encryption: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	if err := os.WriteFile(dstPath, ciphertext, 0600); err != nil {
		return fmt.Errorf("encryption: write %s: %w", dstPath, err)
	}
	return nil
}

// DecryptFile reverses EncryptFile.
func DecryptFile(key Key, srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("encryption: read %s: %w", srcPath, err)
	}
	if len(data) < nonceLen {
		return fmt.Errorf("encryption: %s is too short to contain a nonce", srcPath)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce, ciphertext := data[:nonceLen], data[nonceLen:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("encryption: decrypt %s: %w", srcPath, err)
	}
	if err := os.WriteFile(dstPath, plaintext, 0600); err != nil {
		return fmt.Errorf("encryption: write %s: %w", dstPath, err)
	}
	return nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("encryption: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: new gcm: %w", err)
	}
	return gcm, nil
}

// EncryptStream encrypts r into w as nonce||ciphertext without a plaintext
// temp file; the whole stream is read into memory first. (The full-archive
// engine does not use it: it encrypts its spooled tar.gz via EncryptFile.)
// It applies the cipher as a single AEAD seal over the fully-read stream, preserving the "whole file, one unit"
// contract; callers with very large archives should prefer EncryptFile
// against a spooled temp file instead.
func EncryptStream(key Key, r io.Reader, w io.Writer) error {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("encryption: read stream: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("encryption: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	if _, err := w.Write(ciphertext); err != nil {
		return fmt.Errorf("encryption: write stream: %w", err)
	}
	return nil
}
