package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidKey = errors.New("invalid API key")
	ErrMissingKey = errors.New("missing API key")
)

// KeyVerifier checks operator API keys against bcrypt hashes from config
type KeyVerifier struct {
	hashes []string

	mu       sync.RWMutex
	verified map[string]struct{} // sha256 of keys that already passed bcrypt
}

// NewKeyVerifier creates a verifier for the given bcrypt hashes.
// A verifier with no hashes accepts every request.
func NewKeyVerifier(hashes ...string) (*KeyVerifier, error) {
	kv := &KeyVerifier{verified: make(map[string]struct{})}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid key hash: %w", err)
		}
		kv.hashes = append(kv.hashes, h)
	}
	return kv, nil
}

// Enabled reports whether any key hashes are configured
func (kv *KeyVerifier) Enabled() bool {
	return len(kv.hashes) > 0
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify checks key against the configured hashes
func (kv *KeyVerifier) Verify(key string) error {
	if !kv.Enabled() {
		return nil
	}
	if key == "" {
		return ErrMissingKey
	}

	fp := fingerprint(key)
	kv.mu.RLock()
	_, ok := kv.verified[fp]
	kv.mu.RUnlock()
	if ok {
		return nil
	}

	for _, h := range kv.hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			kv.mu.Lock()
			kv.verified[fp] = struct{}{}
			kv.mu.Unlock()
			return nil
		}
	}
	return ErrInvalidKey
}

// GenerateAPIKey returns a new random key and its bcrypt hash for config
func GenerateAPIKey() (key, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = base64.URLEncoding.EncodeToString(keyBytes)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(hashed), nil
}

// KeyFromRequest reads the key from X-API-Key or a bearer Authorization header
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Middleware rejects requests without a valid key. Paths in open skip the check.
func (kv *KeyVerifier) Middleware(open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			if err := kv.Verify(KeyFromRequest(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="guardian"`)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
