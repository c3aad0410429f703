// Package crypto implements credential-at-rest encryption (spec §6) and
// webhook signature verification (spec §4.6).
//
// Every credential stored in a SourceConfig row is serialised as
// "{saltHex}:{ivHex}:{authTagHex}:{ciphertextHex}", produced by
// AES-256-GCM with a per-secret random 32-byte scrypt salt, a per-secret
// random 16-byte IV, and a key derived from a process-wide master key via
// scrypt (N=16384, r=8, p=1) into 32 bytes: a self-describing encoded
// string with constant-time comparison helpers, using AES-GCM/scrypt
// since credentials must be reversible rather than one-way hashed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 32
	ivSize   = 16
	keySize  = 32

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// encodedPattern matches the four-hex-field encoding; a value already in
// this shape is treated as encrypted and is not re-encrypted (spec §6, §8
// invariant 5).
var encodedPattern = regexp.MustCompile(`^[0-9a-f]+:[0-9a-f]+:[0-9a-f]+:[0-9a-f]+$`)

// ErrEmptyMasterKey is returned when encryption or decryption is attempted
// with an empty master key.
var ErrEmptyMasterKey = errors.New("crypto: master key must not be empty")

// ErrEmptyPlaintext is returned when Encrypt is called with an empty
// plaintext; spec's round-trip invariant is only defined over non-empty P.
var ErrEmptyPlaintext = errors.New("crypto: plaintext must not be empty")

// IsEncrypted reports whether value is already in the
// "salt:iv:tag:ciphertext" hex encoding produced by Encrypt.
func IsEncrypted(value string) bool {
	return encodedPattern.MatchString(value)
}

// Encrypt encrypts plaintext under masterKey, returning the colon-joined
// hex encoding described in the package doc. If plaintext is already
// encrypted (IsEncrypted), it is returned unchanged (idempotent, spec §8
// invariant 5).
func Encrypt(plaintext, masterKey string) (string, error) {
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	if masterKey == "" {
		return "", ErrEmptyMasterKey
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}

	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext := sealed[:tagStart]
	tag := sealed[tagStart:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. It fails if encoded is malformed, the key is
// wrong, or the ciphertext/tag was tampered with.
func Decrypt(encoded, masterKey string) (string, error) {
	if masterKey == "" {
		return "", ErrEmptyMasterKey
	}
	if !IsEncrypted(encoded) {
		return "", fmt.Errorf("crypto: value is not in the expected encoded format")
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 4 {
		return "", fmt.Errorf("crypto: expected 4 colon-separated fields, got %d", len(parts))
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("crypto: decode iv: %w", err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("crypto: decode auth tag: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}

	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt failed (wrong key or tampered ciphertext): %w", err)
	}
	return string(plaintext), nil
}

// RotateKey decrypts encoded under oldKey and re-encrypts the result under
// newKey (spec §6 key rotation).
func RotateKey(encoded, oldKey, newKey string) (string, error) {
	plaintext, err := Decrypt(encoded, oldKey)
	if err != nil {
		return "", fmt.Errorf("crypto: rotate: decrypt with old key: %w", err)
	}
	return Encrypt(plaintext, newKey)
}

func deriveKey(masterKey string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(masterKey), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}
