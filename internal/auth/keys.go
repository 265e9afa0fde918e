// ABOUTME: Website key pair generation and argon2id hashing.
// ABOUTME: Only salted digests are persisted; plain keys are shown once at creation.

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/2389/ria-gateway/internal/store"
)

// argon2id parameters for key digests.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	keyLen       = 24
)

// NewSalt returns a random base64 salt.
func NewSalt() (string, error) {
	return randomString(saltLen)
}

// NewKey returns a random website key.
func NewKey() (string, error) {
	return randomString(keyLen)
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the argon2id digest of key with salt.
func HashKey(key, salt string) string {
	sum := argon2.IDKey([]byte(key), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(sum)
}

// KeyPair is a freshly generated website credential.
type KeyPair struct {
	Key1, Key2 string
	Salt       string
	Hash1      string
	Hash2      string
}

// NewKeyPair generates both keys and their digests.
func NewKeyPair() (*KeyPair, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	k1, err := NewKey()
	if err != nil {
		return nil, err
	}
	k2, err := NewKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Key1:  k1,
		Key2:  k2,
		Salt:  salt,
		Hash1: HashKey(k1, salt),
		Hash2: HashKey(k2, salt),
	}, nil
}

// CheckKeys reports whether key1 and key2 match the website's digests.
// Both digests are always computed.
func CheckKeys(w *store.Website, key1, key2 string) bool {
	ok1 := subtle.ConstantTimeCompare([]byte(HashKey(key1, w.Salt)), []byte(w.Key1Hash))
	ok2 := subtle.ConstantTimeCompare([]byte(HashKey(key2, w.Salt)), []byte(w.Key2Hash))
	return ok1&ok2 == 1
}
