// Package jwtauthtest runs a throwaway OIDC issuer for tests: it serves a
// discovery document and a JWKS, and signs ID tokens with the matching key.
package jwtauthtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const keyID = "test-key"

// Issuer is a mock OIDC issuer backed by an httptest.Server.
type Issuer struct {
	URL     string
	JWKSURL string

	key *rsa.PrivateKey
	srv *httptest.Server
}

// NewIssuer starts an issuer that is shut down when the test ends.
func NewIssuer(t *testing.T) *Issuer {
	t.Helper()

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: keyID, Algorithm: "RS256", Use: "sig"}
	keys, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	iss := &Issuer{key: pk}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   iss.URL,
			"jwks_uri":                 iss.JWKSURL,
			"response_types_supported": []string{"id_token"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	})
	iss.srv = httptest.NewServer(mux)
	iss.URL = iss.srv.URL
	iss.JWKSURL = iss.srv.URL + "/keys"
	t.Cleanup(iss.srv.Close)

	return iss
}

// Claims returns a valid claim set for sub issued by this issuer for aud.
func (i *Issuer) Claims(sub, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":       i.URL,
		"sub":       sub,
		"aud":       aud,
		"exp":       now.Add(time.Hour).Unix(),
		"iat":       now.Unix(),
		"auth_time": now.Add(-time.Minute).Unix(),
	}
}

// Sign signs claims with the issuer's RS256 key.
func (i *Issuer) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	s, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}
