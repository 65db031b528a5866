package auth

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/opsmith-ai/opsmith/internal/config"
	"github.com/opsmith-ai/opsmith/internal/platerr"
)

// Single-label domains are allowed; internal deployments use them.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

// passwordDenyList rejects passwords that satisfy the character classes but
// are trivially guessable.
var passwordDenyList = map[string]struct{}{
	"password":   {},
	"password1":  {},
	"p@ssword1":  {},
	"passw0rd!":  {},
	"qwerty123":  {},
	"letmein123": {},
	"12345678":   {},
	"admin123":   {},
}

// ValidateEmail checks the shape of a registration email.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return platerr.New(platerr.KindInvalidEmail, "invalid email address")
	}
	return nil
}

// ValidatePassword enforces the configured password policy and the deny-list.
func ValidatePassword(policy config.PasswordPolicy, password string) error {
	if len(password) < policy.MinLength {
		return platerr.New(platerr.KindWeakPassword,
			"password must be at least %d characters", policy.MinLength)
	}
	if _, denied := passwordDenyList[strings.ToLower(password)]; denied {
		return platerr.New(platerr.KindWeakPassword, "password is too common")
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if policy.RequireUpper && !hasUpper {
		return platerr.New(platerr.KindWeakPassword, "password needs an uppercase letter")
	}
	if policy.RequireLower && !hasLower {
		return platerr.New(platerr.KindWeakPassword, "password needs a lowercase letter")
	}
	if policy.RequireDigit && !hasDigit {
		return platerr.New(platerr.KindWeakPassword, "password needs a digit")
	}
	if policy.RequireSpecial && !hasSpecial {
		return platerr.New(platerr.KindWeakPassword, "password needs a special character")
	}
	return nil
}
