package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	ivSize  = 16
	tagSize = 16

	encryptionInfo = "llm0-broker/vault/aes-256-gcm"
	eventMACInfo   = "llm0-broker/vault/usage-events"
)

// deriveKey stretches the configured secret into a 32-byte subkey for one purpose.
func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// seal encrypts plaintext under a fresh random IV and returns ciphertext, IV and tag separately.
func seal(aead cipher.AEAD, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	iv = make([]byte, ivSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	out := aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - tagSize
	return out[:split], iv, out[split:], nil
}

func open(aead cipher.AEAD, ciphertext, iv, tag []byte) ([]byte, error) {
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func eventPayload(e UsageEvent) []byte {
	return []byte(strings.Join([]string{
		strconv.FormatInt(e.Timestamp.UnixNano(), 10),
		e.KeyID,
		e.ClientIP,
		e.Operation,
		strconv.FormatBool(e.Success),
		e.ErrorCode,
	}, "\n"))
}

func signEvent(macKey []byte, e UsageEvent) string {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(eventPayload(e))
	return hex.EncodeToString(mac.Sum(nil))
}
