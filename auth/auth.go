package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal: the verified claims of a
// single request. Implementations should be lightweight and safe for
// concurrent use.
type UserInfo interface {
	// UserID returns the stable subject identifier.
	UserID() string
	// Email returns the e-mail claim, or "" if the token carried none.
	Email() string
	// SignInProvider returns the issuer-asserted sign-in method (e.g.
	// "google.com", "password"), or "" when unknown.
	SignInProvider() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

const bearerPrefix = "Bearer "

// BearerToken extracts the credential from an Authorization header value.
// A leading "Bearer " prefix is removed and surrounding whitespace trimmed;
// a header without the prefix is treated as a raw credential.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		header = header[len(bearerPrefix):]
	}
	return strings.TrimSpace(header)
}
