package assistant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// apiTokenKeyEnv holds 32 raw bytes or their base64 encoding.
const apiTokenKeyEnv = "NHUTBOT_APIKEY_KEY"

const sealedPrefix = "gcm:"

var (
	errInvalidCiphertext = errors.New("invalid token ciphertext")
	errNoTokenKey        = errors.Errorf("%s not set", apiTokenKeyEnv)
)

type tokenCipher struct {
	aead cipher.AEAD
}

func newTokenCipherFromEnv() (*tokenCipher, error) {
	raw := strings.TrimSpace(os.Getenv(apiTokenKeyEnv))
	if raw == "" {
		return nil, errNoTokenKey
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", apiTokenKeyEnv)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return &tokenCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, errors.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (c *tokenCipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "nonce")
	}
	cipherText := c.aead.Seal(nil, nonce, []byte(plain), nil)
	buf := append(nonce, cipherText...)
	return sealedPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// isSealed reports whether value was produced by Encrypt.
func isSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

func (c *tokenCipher) Decrypt(input string) (string, error) {
	if !isSealed(input) {
		return "", errInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(input, sealedPrefix))
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	nonce := data[:ns]
	cipherText := data[ns:]
	plain, err := c.aead.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
