package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge describes an HTTP challenge (status + WWW-Authenticate header).
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// Write sets the challenge header and status on w.
func (c *Challenge) Write(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	w.WriteHeader(c.Status)
}

// NewAuthenticationRequired builds a challenge indicating credentials are required.
func NewAuthenticationRequired(realm string) *Challenge {
	return &Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q`, realm),
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed Authorization header.
func NewInvalidAuthorizationHeader(realm string) *Challenge {
	return &Challenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_request", error_description="Invalid Authorization header"`, realm),
	}
}

// NewInvalidToken builds a challenge indicating the token is invalid.
func NewInvalidToken(realm string) *Challenge {
	return &Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm),
	}
}

// NewInsufficientScope builds a challenge indicating missing required scope.
func NewInsufficientScope(realm string) *Challenge {
	return &Challenge{
		Status:          http.StatusForbidden,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm),
	}
}

// ChallengeFor maps an Authenticator error onto a challenge.
func ChallengeFor(err error, realm string) *Challenge {
	if errors.Is(err, ErrInsufficientScope) {
		return NewInsufficientScope(realm)
	}
	return NewInvalidToken(realm)
}

// ErrNoBearer reports a request without an Authorization header.
var ErrNoBearer = errors.New("no bearer token")

// ErrMalformedBearer reports an Authorization header that is not a bearer
// token.
var ErrMalformedBearer = errors.New("malformed authorization header")

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrNoBearer
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedBearer
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrMalformedBearer
	}
	return tok, nil
}
