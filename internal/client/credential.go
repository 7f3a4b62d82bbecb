package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingCredential is returned when no bearer token is configured. Absence
// of a credential prevents any connection attempt.
var ErrMissingCredential = errors.New("auth credential missing")

// ErrExpiredCredential is returned when the configured token is already past
// its expiry, so dialing the backend would be pointless.
var ErrExpiredCredential = errors.New("auth credential expired")

// InspectCredential checks the bearer token locally before any network call.
// The signature is verified server-side; here we only reject tokens that are
// absent, malformed, or expired.
func InspectCredential(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingCredential
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("malformed auth credential: %w", err)
	}

	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("malformed auth credential claims: %w", err)
	}
	if expiry != nil && expiry.Before(now) {
		return ErrExpiredCredential
	}

	return nil
}
