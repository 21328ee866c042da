// Package auth provides bearer token authentication for the HTTP gateway.
// An Authenticator validates a token string and returns a UserInfo (or an
// error wrapping ErrUnauthorized or ErrInsufficientScope); the gateway
// extracts the token with BearerToken and maps failures onto a Challenge.
//
// NewFromDiscovery validates JWT access tokens using OpenID Connect discovery
// to locate the issuer's JWKS. NewStatic takes the JWKS URI directly.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://geogate.example",
//	    auth.WithRequiredScopes("tools:call"),
//	)
//	if err != nil { log.Fatal(err) }
//
// By default only RS256 is accepted and tokens must carry the at+jwt type.
package auth
