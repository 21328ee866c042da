// Package authtest provides Authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-client-go/auth"
)

// NoAuth accepts any non-empty token as UserID.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator. If userID is empty it defaults
// to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return User{ID: n.UserID}, nil
}

// Tokens maps fixed tokens to principals. Unknown tokens are rejected;
// tokens mapped to a nil User fail with ErrInsufficientScope.
type Tokens map[string]*User

func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	u, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	if u == nil {
		return nil, auth.ErrInsufficientScope
	}
	return *u, nil
}

// User is a static principal.
type User struct {
	ID     string
	Values map[string]any
}

func (u User) UserID() string { return u.ID }

func (u User) Claims(ref any) error {
	b, err := json.Marshal(u.Values)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
