package db

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	blfCryptPrefix = "{BLF-CRYPT}"
	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"
)

var ErrUnknownHashScheme = errors.New("unknown password hash scheme")

// GenerateBcryptHash hashes a password for storage, using the Dovecot
// style {BLF-CRYPT} prefix.
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// VerifyPassword compares a password against a stored bcrypt hash, with or
// without the {BLF-CRYPT} prefix. Any other scheme is rejected.
func VerifyPassword(hashedPassword, password string) error {
	hash := strings.TrimPrefix(hashedPassword, blfCryptPrefix)
	switch {
	case strings.HasPrefix(hash, bcryptPrefix2a),
		strings.HasPrefix(hash, bcryptPrefix2b),
		strings.HasPrefix(hash, bcryptPrefix2y):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	default:
		return ErrUnknownHashScheme
	}
}
