package cache

import (
	"bytes"
	"context"

	"uisassist-backend/internal/components/assert"
	"uisassist-backend/internal/components/telemetry"
)

const (
	report_sealed_encrypt = "sealed.encrypt"
	report_sealed_decrypt = "sealed.decrypt"
)

var (
	sealedPrefix = []byte("e:")
	plainPrefix  = []byte("p:")
)

// Sealed encrypts payloads before they reach the inner store. When
// encryption fails the payload is stored in plain text instead of being
// lost.
type Sealed struct {
	inner  Store
	cipher Cipher
	tel    telemetry.API
}

func NewSealed(inner Store, cipher Cipher, tel telemetry.API) Sealed {
	assert.NotNil(inner)
	assert.NotNil(cipher)
	return Sealed{
		inner:  inner,
		cipher: cipher,
		tel:    telemetry.NewScopedAPI("cache", tel),
	}
}

func (s Sealed) Set(ctx context.Context, key string, entry Entry) error {
	encrypted, err := s.cipher.Encrypt(string(entry.Payload))
	if err != nil {
		s.tel.ReportWarning(report_sealed_encrypt, err, key)
		entry.Payload = append(append([]byte{}, plainPrefix...), entry.Payload...)
		return s.inner.Set(ctx, key, entry)
	}
	entry.Payload = append(append([]byte{}, sealedPrefix...), encrypted...)
	return s.inner.Set(ctx, key, entry)
}

// Get decrypts the entry under key. Entries that no longer decrypt (the host
// identifiers changed) are reported as misses so the caller refetches them.
func (s Sealed) Get(ctx context.Context, key string) (Entry, error) {
	entry, err := s.inner.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	switch {
	case bytes.HasPrefix(entry.Payload, sealedPrefix):
		plain, err := s.cipher.Decrypt(string(entry.Payload[len(sealedPrefix):]))
		if err != nil {
			s.tel.ReportWarning(report_sealed_decrypt, err, key)
			return Entry{}, ErrMiss
		}
		entry.Payload = []byte(plain)
	case bytes.HasPrefix(entry.Payload, plainPrefix):
		entry.Payload = entry.Payload[len(plainPrefix):]
	}
	return entry, nil
}

func (s Sealed) Close() error {
	return s.inner.Close()
}
