package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/queue-companion/internal/apperror"
)

// Secret length limits. bcrypt silently truncates past 72 bytes, so the
// client rejects longer secrets before they are ever sent.
const (
	MinSecretLength = 6
	MaxSecretLength = 72
)

// ValidateSecret checks a password locally. A failure is a ValidationFault and
// the caller must not contact the backend.
func ValidateSecret(field, secret string) error {
	switch {
	case secret == "":
		return apperror.ValidationFailed(field, "password is required")
	case len(secret) < MinSecretLength:
		return apperror.ValidationFailed(field,
			fmt.Sprintf("password must be at least %d characters", MinSecretLength))
	case len(secret) > MaxSecretLength:
		return apperror.ValidationFailed(field,
			fmt.Sprintf("password must be %d bytes or fewer", MaxSecretLength))
	}
	return nil
}

// PasswordService hashes and verifies secrets with bcrypt.
// Only the fake backend stores secrets; the companion never does.
type PasswordService struct {
	cost int
}

// NewPasswordService uses bcrypt.DefaultCost. Tests pass bcrypt.MinCost.
func NewPasswordService(cost int) *PasswordService {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordService{cost: cost}
}

func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > MaxSecretLength {
		return "", fmt.Errorf("auth: password must be %d bytes or fewer", MaxSecretLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hashed), nil
}

// Verify returns nil when plaintext matches hash.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("auth: invalid credentials")
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
