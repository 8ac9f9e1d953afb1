package httpserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/ai-agent-runner/internal/config"
)

// Argon2Params defines parameters for Argon2id key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAPIKey creates an Argon2id hash of an API key, suitable for the
// API_KEY_HASHES env var.
func HashAPIKey(key string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifyAPIKey verifies a key against its Argon2id hash.
func VerifyAPIKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	if len(expected) == 0 {
		return false
	}
	actual := argon2.IDKey([]byte(key), salt, iters, mem, par, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// apiKeyFrom extracts the presented key from Authorization: Bearer or the
// X-API-Key header.
func apiKeyFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// APIKeyAuth guards mutating endpoints with the configured Argon2id key
// hashes. An empty hash list disables the guard (dev only).
func APIKeyAuth(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.APIAuthEnabled() {
				next.ServeHTTP(w, r)
				return
			}
			key := apiKeyFrom(r)
			if key != "" {
				for _, h := range cfg.APIKeyHashes {
					if VerifyAPIKey(key, h) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
				Code: "UNAUTHORIZED", Message: "valid API key required",
			}})
		})
	}
}

// parseUint32 parses a decimal string into uint32; returns error on failure.
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
