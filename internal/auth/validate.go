package auth

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	otpRegex   = regexp.MustCompile(`^\d{6}$`)
)

const (
	minPasswordLen = 8
	maxPasswordLen = 128
	maxEmailLen    = 254
)

func validateEmail(email string) error {
	if email == "" || len(email) > maxEmailLen || !emailRegex.MatchString(email) {
		return ValidationError{Field: "email", Message: "a valid email address is required"}
	}
	return nil
}

func validateLoginPassword(password string) error {
	if password == "" || len(password) > maxPasswordLen {
		return ValidationError{Field: "password", Message: "password is required"}
	}
	return nil
}

func validatePhone(phone string) error {
	if !phoneRegex.MatchString(phone) {
		return ValidationError{Field: "phone", Message: "phone must be 10 to 15 digits"}
	}
	return nil
}

func validateName(name string) error {
	n := len([]rune(name))
	if n < 2 || n > 100 {
		return ValidationError{Field: "name", Message: "name must be 2 to 100 characters"}
	}
	return nil
}

// validatePasswordStrength requires upper, lower, digit and symbol.
func validatePasswordStrength(password string) error {
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return ValidationError{Field: "password", Message: "password must be 8 to 128 characters"}
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return ValidationError{Field: "password", Message: "password needs upper and lower case letters, a digit and a symbol"}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

func normalizePhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
}
