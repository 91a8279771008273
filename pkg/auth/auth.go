// Package auth guards the API with pre-shared keys stored as bcrypt hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
)

// KeySet validates presented keys against bcrypt hashes. Keys that passed a
// bcrypt check are remembered by digest so repeat requests skip the hash.
type KeySet struct {
	hashes [][]byte

	mu       sync.RWMutex
	verified [][sha256.Size]byte
}

// NewKeySet creates a key set. It fails on a value that is not a bcrypt hash.
func NewKeySet(hashes []string) (*KeySet, error) {
	ks := &KeySet{}
	for i, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d: %w", i, err)
		}
		ks.hashes = append(ks.hashes, []byte(h))
	}
	return ks, nil
}

// Enabled reports whether any key is configured
func (ks *KeySet) Enabled() bool {
	return ks != nil && len(ks.hashes) > 0
}

// Validate checks a presented key
func (ks *KeySet) Validate(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	digest := sha256.Sum256([]byte(key))

	ks.mu.RLock()
	for _, v := range ks.verified {
		if subtle.ConstantTimeCompare(v[:], digest[:]) == 1 {
			ks.mu.RUnlock()
			return nil
		}
	}
	ks.mu.RUnlock()

	for _, h := range ks.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			ks.mu.Lock()
			ks.verified = append(ks.verified, digest)
			ks.mu.Unlock()
			return nil
		}
	}
	return ErrInvalidKey
}

// GenerateAPIKey returns a new random key and its bcrypt hash
func GenerateAPIKey() (key, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = base64.RawURLEncoding.EncodeToString(keyBytes)
	hash, err = HashKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashKey hashes a key for the server configuration
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(h), nil
}

// KeyFromRequest extracts a bearer token or an X-API-Key header
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-API-Key")
}

// Middleware rejects requests without a valid key. onReject writes the
// response; when nil a plain 401 is sent. A set with no keys lets every
// request through.
func (ks *KeySet) Middleware(onReject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	if onReject == nil {
		onReject = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		if !ks.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := ks.Validate(KeyFromRequest(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="upscaler"`)
				onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
