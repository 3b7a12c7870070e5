package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2Time is the iteration count for Argon2id. OWASP's minimum is 1;
	// 2 gives a wider margin on this hardware class.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor.
	argon2Threads = 2

	// argon2KeyLen is the derived hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// HashSharedToken derives the argon2id hash of a shared token for storage in
// configuration.
//
// Format: saltHex:hashHex
func HashSharedToken(token string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}
	hash := deriveTokenHash([]byte(token), salt, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

func deriveTokenHash(token, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(token, salt, argon2Time, argon2Memory, argon2Threads, keyLen)
}
