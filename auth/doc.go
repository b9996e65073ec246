// Package auth provides the identity verification primitives used by the
// chat relay. It verifies bearer ID tokens issued by an external identity
// provider (Firebase Authentication or any OpenID Connect issuer) and returns
// the verified claims for the duration of one request.
//
// The public surface intentionally stays small: an Authenticator validates an
// incoming bearer token string and returns a UserInfo (or an error). The
// transport is responsible for extracting the token from the HTTP request
// (see BearerToken) and mapping sentinel errors into HTTP responses.
//
// # ID Token Authentication
//
// NewFromDiscovery constructs an Authenticator that validates ID tokens
// using OpenID Connect discovery to obtain the issuer's JWKS. NewStatic takes
// the JWKS URL directly. Keys are refreshed in the background.
//
// Example:
//
//	ctx := context.Background()
//	authn, err := auth.NewFromDiscovery(ctx,
//	    "https://securetoken.google.com/my-project", "my-project",
//	    auth.WithVerifyTimeout(5*time.Second),
//	)
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//	userID := ui.UserID()
//
// # Errors
//
// ErrUnauthorized signals the token is missing or invalid (signature, expiry,
// issuer, audience) or that verification did not finish in time. Any other
// error is an internal failure and must not be reported as a 401.
package auth
