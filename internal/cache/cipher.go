package cache

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher encrypts cached payloads at rest.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(sealed string) (string, error)
}

const (
	hostCipherSalt = "uisassist cache"
	hostCipherInfo = "cache payload v1"
)

// HostCipher derives its key from identifiers of the machine and account the
// cache lives on. Anyone who can read those can derive the key, so this keeps
// cached snapshots from casual inspection and nothing more.
type HostCipher struct {
	aead cipher.AEAD
}

// HostIdentifiers lists the identifiers HostCipher keys are derived from.
func HostIdentifiers(portalHost, username string) []string {
	hostname, _ := os.Hostname()
	return []string{portalHost, username, hostname, os.Getenv("USER")}
}

func NewHostCipher(identifiers ...string) (HostCipher, error) {
	secret := []byte(strings.Join(identifiers, "\x00"))
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(hostCipherSalt), []byte(hostCipherInfo)), key)
	if err != nil {
		return HostCipher{}, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return HostCipher{}, fmt.Errorf("create cipher: %w", err)
	}
	return HostCipher{aead: aead}, nil
}

func (c HostCipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	_, err := rand.Read(nonce)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

var errShortCiphertext = errors.New("ciphertext too short")

func (c HostCipher) Decrypt(sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errShortCiphertext
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}
