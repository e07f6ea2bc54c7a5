package account

import (
	"errors"
	"time"
)

const DefaultAccessType = "doctor"

// Doctor is the identity record. A record may carry a password hash, a Google
// subject, both, or (mid-registration) neither; each login path requires its
// own method to be present.
type Doctor struct {
	ID              string
	Email           string
	Phone           string
	Name            string
	PasswordHash    string
	GoogleID        string
	IsGoogleUser    bool
	IsActive        bool
	ProfileComplete bool
	AccessType      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (d *Doctor) HasPassword() bool {
	return d != nil && d.PasswordHash != ""
}

func (d *Doctor) HasFederated() bool {
	return d != nil && d.GoogleID != ""
}

type NewDoctor struct {
	Email           string
	Phone           string
	Name            string
	PasswordHash    string
	GoogleID        string
	ProfileComplete bool
	AccessType      string
}

// Update is a partial update; nil fields are left untouched.
type Update struct {
	Name            *string
	Phone           *string
	PasswordHash    *string
	GoogleID        *string
	IsGoogleUser    *bool
	IsActive        *bool
	ProfileComplete *bool
	LastLoginAt     *time.Time
}

func (u Update) Empty() bool {
	return u.Name == nil && u.Phone == nil && u.PasswordHash == nil && u.GoogleID == nil &&
		u.IsGoogleUser == nil && u.IsActive == nil && u.ProfileComplete == nil && u.LastLoginAt == nil
}

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrDuplicatePhone = errors.New("phone already registered")
)
