// Package credential implements the password lifecycle: policy, tenant
// configured hashing, change/reset/set flows and the signed reset token with
// its encrypted redemption link.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"idcore/internal/identity"
)

// MinPasswordLength is the policy minimum.
const MinPasswordLength = 6

var (
	// ErrPasswordRequired rejects an absent or blank password.
	ErrPasswordRequired = errors.New("credential: password is required")
	// ErrPasswordTooShort rejects a password below the policy minimum.
	ErrPasswordTooShort = fmt.Errorf("credential: password must be at least %d characters", MinPasswordLength)
)

// EnsurePassword applies the password policy to a raw payload value.
func EnsurePassword(v any) (string, error) {
	password, _ := v.(string)
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	return password, nil
}

// Hash derives the stored hash using the membership's configured algorithm.
// Unknown algorithms fall back to bcrypt.
func Hash(m identity.Membership, password string) (string, error) {
	if m.HashAlgorithm == identity.HashArgon2id {
		return hashArgon2id(password)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares a plaintext password against a stored hash, detecting the
// hash scheme from its encoding.
func Verify(hash, password string) (bool, error) {
	if hash == "" {
		return false, errors.New("credential: password hash is empty")
	}
	if strings.HasPrefix(hash, "$argon2id$") {
		return verifyArgon2id(hash, password)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

func hashArgon2id(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func verifyArgon2id(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("credential: malformed argon2id hash")
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("credential: malformed argon2id parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("credential: malformed argon2id salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("credential: malformed argon2id hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
