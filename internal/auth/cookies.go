package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// KeyEnv holds the 32-byte storage-state key, raw or hex encoded.
const KeyEnv = "COOKIE_ENCRYPTION_KEY"

var ErrNoKey = errors.New("auth: " + KeyEnv + " is not set")

// Cookie is one browser cookie as exported by browser extensions and
// storage-state files.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

type Cipher struct {
	gcm cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("auth: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{gcm: gcm}, nil
}

// CipherFromEnv builds a cipher from KeyEnv.
func CipherFromEnv() (*Cipher, error) {
	key := os.Getenv(KeyEnv)
	if key == "" {
		return nil, ErrNoKey
	}
	if len(key) == 64 {
		if raw, err := hex.DecodeString(key); err == nil {
			return NewCipher(raw)
		}
	}
	return NewCipher([]byte(key))
}

func (c *Cipher) EncryptCookies(cookies []Cookie) (string, error) {
	data, err := json.Marshal(cookies)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := c.gcm.Seal(nonce, nonce, data, nil)
	return hex.EncodeToString(ciphertext), nil
}

func (c *Cipher) DecryptCookies(encrypted string) ([]Cookie, error) {
	data, err := hex.DecodeString(encrypted)
	if err != nil {
		return nil, err
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt cookies: %w", err)
	}

	var cookies []Cookie
	if err := json.Unmarshal(plaintext, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}
