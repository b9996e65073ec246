package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/chat-relay-go/internal/jwtauth"
)

// IDTokenAuthOption configures optional aspects of the ID token
// authenticator (algorithms, leeway, extra audiences, verification timeout).
type IDTokenAuthOption func(*idTokenConfig)

type idTokenConfig struct {
	jwt     *jwtauth.Config
	timeout time.Duration
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) IDTokenAuthOption {
	return func(c *idTokenConfig) {
		c.jwt.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) IDTokenAuthOption {
	return func(c *idTokenConfig) { c.jwt.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences as well,
// typically a local development project next to the production one.
func WithAdditionalAudiences(aud ...string) IDTokenAuthOption {
	return func(c *idTokenConfig) {
		c.jwt.ExpectedAudiences = append(c.jwt.ExpectedAudiences, aud...)
	}
}

// WithVerifyTimeout bounds each verification call. A verification that runs
// out of time is reported as ErrUnauthorized.
func WithVerifyTimeout(d time.Duration) IDTokenAuthOption {
	return func(c *idTokenConfig) { c.timeout = d }
}

// NewFromDiscovery returns an Authenticator that verifies OpenID Connect ID
// tokens (Firebase Authentication tokens included) using the issuer's
// discovery document to locate its JWKS.
//
// Required:
//   - issuer:   e.g. "https://securetoken.google.com/<project-id>"
//   - audience: expected "aud" claim, e.g. the Firebase project id
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...IDTokenAuthOption) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewFromDiscovery(ctx, cfg.jwt)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, timeout: cfg.timeout}, nil
}

// NewStatic is like NewFromDiscovery but takes the JWKS location directly,
// for issuers that do not publish a discovery document.
func NewStatic(ctx context.Context, issuer string, audience string, jwksURI string, opts ...IDTokenAuthOption) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewStatic(ctx, cfg.jwt, jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, timeout: cfg.timeout}, nil
}

func buildConfig(issuer, audience string, opts []IDTokenAuthOption) (*idTokenConfig, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := &idTokenConfig{jwt: jwtauth.DefaultConfig()}
	cfg.jwt.Issuer = issuer
	cfg.jwt.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a       jwtauth.Authenticator
	timeout time.Duration
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if ad.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ad.timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrUnauthorized, fmt.Errorf("verification aborted: %w", err))
	}

	type result struct {
		ui  jwtauth.UserInfo
		err error
	}
	done := make(chan result, 1)
	go func() {
		ui, err := ad.a.CheckAuthentication(ctx, tok)
		done <- result{ui: ui, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Join(ErrUnauthorized, fmt.Errorf("verification aborted: %w", ctx.Err()))
	case res := <-done:
		if res.err != nil {
			// Every internal failure to validate is an authentication failure:
			// signature, claims, unknown key ids.
			return nil, errors.Join(ErrUnauthorized, res.err)
		}
		return res.ui, nil
	}
}
