package auth

import (
	"errors"
	"time"

	"doc-prescrip/internal/account"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInactiveAccount     = errors.New("account is inactive")
	ErrInvalidAccessKey    = errors.New("invalid registration access key")
	ErrEmailNotVerified    = errors.New("email has not been verified")
	ErrInvalidOTP          = errors.New("invalid or expired verification code")
	ErrOTPCooldown         = errors.New("verification code requested too recently")
)

// ErrLocked is returned while a flow's lock entry is live. The guarded
// operation was not attempted.
type ErrLocked struct {
	Flow       string
	RetryAfter time.Duration
}

func (e ErrLocked) Error() string {
	return e.Flow + " temporarily locked"
}

func (e ErrLocked) Until(now time.Time) time.Time {
	return now.Add(e.RetryAfter)
}

// AttemptError marks a failure that was counted against the flow's limit.
// Remaining is -1 when the limiter could not tell.
type AttemptError struct {
	Err       error
	Remaining int
}

func (e *AttemptError) Error() string {
	return e.Err.Error()
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

type Tokens struct {
	AccessToken  string
	RefreshToken string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

type Result struct {
	Doctor *account.Doctor
	Tokens Tokens
}

type RegisterInput struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Password  string `json:"password"`
	AccessKey string `json:"accessKey"`
}

type profile struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	Phone           string `json:"phone,omitempty"`
	AccessType      string `json:"accessType"`
	ProfileComplete bool   `json:"profileComplete"`
	HasPassword     bool   `json:"hasPassword"`
	IsGoogleUser    bool   `json:"isGoogleUser"`
}

func profileOf(d *account.Doctor) profile {
	return profile{
		ID:              d.ID,
		Email:           d.Email,
		Name:            d.Name,
		Phone:           d.Phone,
		AccessType:      d.AccessType,
		ProfileComplete: d.ProfileComplete,
		HasPassword:     d.HasPassword(),
		IsGoogleUser:    d.IsGoogleUser,
	}
}
