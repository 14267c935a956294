package backend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields homesync reads from the backend's access token.
type Claims struct {
	jwt.RegisteredClaims
	Role   string `json:"role"`
	HomeID string `json:"homeId,omitempty"`
}

// ExpiresIn returns the time left before the token expires, relative to
// now. ok is false when the token carries no expiry.
func (c *Claims) ExpiresIn(now time.Time) (d time.Duration, ok bool) {
	if c.ExpiresAt == nil {
		return 0, false
	}
	return c.ExpiresAt.Sub(now), true
}

// Claims decodes the configured access token without verifying its
// signature. The backend owns the signing key; the result is only used to
// seed the system role and to warn about expiry.
func (c *Client) Claims() (*Claims, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	return ParseClaims(c.token)
}

// ParseClaims decodes token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	return claims, nil
}
