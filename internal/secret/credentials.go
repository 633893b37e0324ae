// Package secret holds exchange API credentials. The secret half is sealed
// in a memguard enclave and only decrypted for the duration of one MAC.
package secret

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/awnumar/memguard"
	"go.uber.org/zap/zapcore"
)

var ErrMissingCredentials = errors.New("api key and secret required")

type Credentials struct {
	apiKey  string
	enclave *memguard.Enclave
}

// New seals secret. The caller's copy of the string is not wiped; callers
// holding the secret in a byte slice should use NewFromBytes.
func New(apiKey, secret string) (*Credentials, error) {
	return NewFromBytes(apiKey, []byte(secret))
}

// NewFromBytes seals secret and wipes the slice.
func NewFromBytes(apiKey string, secret []byte) (*Credentials, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" || len(secret) == 0 {
		memguard.WipeBytes(secret)
		return nil, ErrMissingCredentials
	}
	return &Credentials{
		apiKey:  apiKey,
		enclave: memguard.NewEnclave(secret),
	}, nil
}

func (c *Credentials) APIKey() string {
	return c.apiKey
}

// HexMAC returns the lower-case hex HMAC of msg keyed by the secret.
func (c *Credentials) HexMAC(h func() hash.Hash, msg []byte) (string, error) {
	if c == nil || c.enclave == nil {
		return "", ErrMissingCredentials
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	defer buf.Destroy()
	mac := hmac.New(h, buf.Bytes())
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (c *Credentials) String() string {
	if c == nil {
		return "Credentials(nil)"
	}
	return "Credentials(api_key=" + redact(c.apiKey) + ")"
}

func (c *Credentials) GoString() string {
	return c.String()
}

func (c *Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("api_key", redact(c.apiKey))
	return nil
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
