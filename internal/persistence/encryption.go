package persistence

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"clustermesh/internal/crypto"
)

// encryptedHeader marks a node-view file encrypted under a configured
// passphrase (spec §9.1's optional snapshot-at-rest encryption). The
// envelope is base64 text rather than raw ciphertext so WriteSnapshot's
// pad-with-newlines crash-safety scheme (spec §4.11) still applies to it
// unchanged.
const encryptedHeader = "CLUSTERMESH-ENCRYPTED-V1"

// encryptContent wraps content in an encrypted envelope, deriving the key
// from passphrase via the same PBKDF2 scheme internal/crypto already uses
// for at-rest encryption, adapted here to a serialized text payload instead
// of an arbitrary byte blob.
func encryptContent(content, passphrase string) (string, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return "", fmt.Errorf("persistence: generate salt: %w", err)
	}
	key := crypto.DeriveKey([]byte(passphrase), salt)
	ciphertext, err := crypto.Encrypt([]byte(content), key)
	if err != nil {
		return "", fmt.Errorf("persistence: encrypt: %w", err)
	}
	return encryptedHeader + "\n" +
		base64.StdEncoding.EncodeToString(salt) + "\n" +
		base64.StdEncoding.EncodeToString(ciphertext) + "\n", nil
}

// decryptContent reverses encryptContent. Content without the encrypted
// envelope header is returned unchanged, so a node-view written before
// encryption was configured (or with an empty passphrase) still loads.
func decryptContent(raw, passphrase string) (string, error) {
	lines := strings.SplitN(raw, "\n", 3)
	if len(lines) < 3 || lines[0] != encryptedHeader {
		return raw, nil
	}
	if passphrase == "" {
		return "", errors.New("persistence: node-view is encrypted but no passphrase is configured")
	}
	salt, err := base64.StdEncoding.DecodeString(lines[1])
	if err != nil {
		return "", fmt.Errorf("persistence: decode salt: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimRight(lines[2], "\n"))
	if err != nil {
		return "", fmt.Errorf("persistence: decode ciphertext: %w", err)
	}
	key := crypto.DeriveKey([]byte(passphrase), salt)
	plaintext, err := crypto.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("persistence: decrypt (wrong passphrase?): %w", err)
	}
	return string(plaintext), nil
}
