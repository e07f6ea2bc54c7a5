// Package account is the credential store adapter: lookups, creation with
// duplicate checks, partial updates and password hashing for doctor records.
package account

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// Store is the contract the auth core consumes. Lookups return ErrNotFound when
// no record matches.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*Doctor, error)
	FindByID(ctx context.Context, id string) (*Doctor, error)
	FindByGoogleID(ctx context.Context, googleID string) (*Doctor, error)
	// CheckAvailable returns ErrDuplicateEmail or ErrDuplicatePhone when taken.
	CheckAvailable(ctx context.Context, email, phone string) error
	// Create re-checks availability before inserting. The check-then-insert
	// race is closed by unique indexes, reported as the same duplicate errors.
	Create(ctx context.Context, d NewDoctor) (*Doctor, error)
	UpdateFields(ctx context.Context, id string, u Update) error
}

// PasswordCost is the bcrypt work factor for new hashes.
var PasswordCost = 12

func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), PasswordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares in constant time. Records without a password hash
// (federated-only accounts) never verify.
func VerifyPassword(d *Doctor, plain string) bool {
	if !d.HasPassword() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(d.PasswordHash), []byte(plain)) == nil
}
