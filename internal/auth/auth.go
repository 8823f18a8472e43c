// internal/auth/auth.go
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoOperator         = errors.New("no operator password configured")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// HashPassword returns the bcrypt hash to put in the operator config.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Service checks operator credentials for the admin API.
type Service struct {
	username string
	hash     []byte
}

func NewService(username, passwordHash string) *Service {
	return &Service{
		username: username,
		hash:     []byte(strings.TrimSpace(passwordHash)),
	}
}

// Enabled reports whether an operator password is configured.
func (s *Service) Enabled() bool {
	return len(s.hash) > 0
}

// Authenticate verifies username and password.
func (s *Service) Authenticate(username, password string) error {
	if !s.Enabled() {
		return ErrNoOperator
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	// Always run bcrypt so a wrong username costs the same as a wrong password.
	passErr := bcrypt.CompareHashAndPassword(s.hash, []byte(password))
	if !userOK || passErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}
