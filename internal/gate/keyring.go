package gate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const encPrefix = "gwenc:v"

// EncryptKey encrypts a raw API key for storage with the Gate's active
// keyring version, returning the stored form and the version it was
// encrypted under. When no passphrase is configured for KeyVersion, the key
// is stored in the clear under version 0 rather than failing issuance.
func (g *Gate) EncryptKey(rawKey string) (string, int, error) {
	passphrase, ok := g.cfg.Keyring[g.cfg.KeyVersion]
	if g.cfg.KeyVersion == 0 || !ok || passphrase == "" {
		return rawKey, 0, nil
	}

	sealed, err := encryptWithKey(rawKey, deriveKey(passphrase))
	if err != nil {
		return "", 0, fmt.Errorf("gate: encrypt key: %w", err)
	}
	return fmt.Sprintf("%s%d:%s", encPrefix, g.cfg.KeyVersion, sealed), g.cfg.KeyVersion, nil
}

// DecryptKey reverses EncryptKey. A value with no gwenc: prefix is returned
// unchanged — it was stored in the clear under version 0.
func (g *Gate) DecryptKey(stored string, version int) (string, error) {
	if version == 0 || !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}

	rest := strings.TrimPrefix(stored, encPrefix)
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return "", errors.New("gate: malformed keyring value")
	}
	storedVersion, err := strconv.Atoi(rest[:sep])
	if err != nil {
		return "", fmt.Errorf("gate: malformed keyring version: %w", err)
	}

	passphrase, ok := g.cfg.Keyring[storedVersion]
	if !ok || passphrase == "" {
		return "", fmt.Errorf("gate: no keyring entry for version %d", storedVersion)
	}

	plaintext, err := decryptWithKey(rest[sep+1:], deriveKey(passphrase))
	if err != nil {
		return "", fmt.Errorf("gate: decrypt key: %w", err)
	}
	return plaintext, nil
}

func deriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

func encryptWithKey(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decryptWithKey(encoded string, key []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
