package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
)

// saltLen is the number of salt characters in freshly generated hashes.
const saltLen = 16

// HashPassword produces a SHA-512 crypt hash ($6$salt$hash) with a random
// url-safe base64 salt, compatible with the system mkpasswd.
func HashPassword(password string) (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	salt := base64.RawURLEncoding.EncodeToString(raw)[:saltLen]
	return crypt.SHA512.New().Generate([]byte(password), []byte("$6$"+salt))
}

// VerifyPassword checks a plaintext password against a crypt-format hash.
// Returns false for mismatches and for hash formats we do not support.
func VerifyPassword(hash, password string) bool {
	if !strings.HasPrefix(hash, "$6$") {
		return false
	}
	return crypt.SHA512.New().Verify(hash, []byte(password)) == nil
}
