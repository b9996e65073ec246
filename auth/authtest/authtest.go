// Package authtest provides an in-memory Authenticator for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/chat-relay-go/auth"
)

// User describes the claims returned for a registered token.
type User struct {
	ID             string
	Email          string
	SignInProvider string
	Extra          map[string]any
}

// StaticAuth maps opaque tokens to users. Unknown tokens are rejected with
// auth.ErrUnauthorized; Err, when set, is returned for every call instead.
type StaticAuth struct {
	mu     sync.Mutex
	tokens map[string]User
	calls  int

	Err error
}

// NewStaticAuth creates a StaticAuth with the given token table.
func NewStaticAuth(tokens map[string]User) *StaticAuth {
	t := make(map[string]User, len(tokens))
	for k, v := range tokens {
		t[k] = v
	}
	return &StaticAuth{tokens: t}
}

// Calls reports how many verifications were attempted.
func (s *StaticAuth) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StaticAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &userInfo{u: u}, nil
}

type userInfo struct {
	u User
}

func (i *userInfo) UserID() string         { return i.u.ID }
func (i *userInfo) Email() string          { return i.u.Email }
func (i *userInfo) SignInProvider() string { return i.u.SignInProvider }

func (i *userInfo) Claims(ref any) error {
	claims := map[string]any{"sub": i.u.ID}
	if i.u.Email != "" {
		claims["email"] = i.u.Email
	}
	if i.u.SignInProvider != "" {
		claims["firebase"] = map[string]any{"sign_in_provider": i.u.SignInProvider}
	}
	for k, v := range i.u.Extra {
		claims[k] = v
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*StaticAuth)(nil)
