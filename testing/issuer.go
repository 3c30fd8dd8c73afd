// Package testing provides a stand-in token issuer for tests of services that
// verify clinicauth tokens. It serves a JWKS over httptest and mints tokens
// that validate against it, so integration tests need no real auth server.
//
// Example usage:
//
//	issuer := authtest.NewTestIssuer("healthcare-services")
//	defer issuer.Close()
//
//	v := jwtkit.NewVerifier(issuer.AcceptConfig())
//	token := issuer.Token("user-123", "provider", "cardiology")
package testing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	jwtkit "github.com/PaulFidika/clinicauth/jwt"
	jwt "github.com/golang-jwt/jwt/v5"
)

const jwksPath = "/.well-known/jwks.json"

// TestIssuer runs an HTTP server publishing its keys at /.well-known/jwks.json
// and signs tokens with the active key.
type TestIssuer struct {
	server   *httptest.Server
	audience string

	mu       sync.Mutex
	active   *jwtkit.RSASigner
	retired  []*jwtkit.RSASigner
	failWith int
	hits     atomic.Int32
	keySeq   int
}

// NewTestIssuer starts an issuer whose tokens carry aud=audience.
// Call Close when done.
func NewTestIssuer(audience string) *TestIssuer {
	ti := &TestIssuer{audience: audience}
	ti.active = ti.newSigner()

	mux := http.NewServeMux()
	mux.HandleFunc(jwksPath, ti.handleJWKS)
	ti.server = httptest.NewServer(mux)
	return ti
}

func (ti *TestIssuer) newSigner() *jwtkit.RSASigner {
	ti.keySeq++
	signer, err := jwtkit.NewRSASigner(2048, "test-key-"+strconv.Itoa(ti.keySeq))
	if err != nil {
		panic("failed to create RSA signer: " + err.Error())
	}
	return signer
}

// URL is the issuer identifier placed in iss.
func (ti *TestIssuer) URL() string { return ti.server.URL }

// JWKSURL is where the key set is served.
func (ti *TestIssuer) JWKSURL() string { return ti.server.URL + jwksPath }

func (ti *TestIssuer) Audience() string { return ti.audience }

// AcceptConfig returns a verifier configuration trusting this issuer.
func (ti *TestIssuer) AcceptConfig() core.AcceptConfig {
	return core.AcceptConfig{Issuer: ti.URL(), Audience: ti.audience, JWKSURL: ti.JWKSURL()}
}

// JWKSHits counts requests to the JWKS endpoint.
func (ti *TestIssuer) JWKSHits() int { return int(ti.hits.Load()) }

// ActiveKID is the kid of the key new tokens are signed with.
func (ti *TestIssuer) ActiveKID() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.active.KID()
}

// FailJWKS makes the JWKS endpoint answer with status; 0 restores it.
func (ti *TestIssuer) FailJWKS(status int) {
	ti.mu.Lock()
	ti.failWith = status
	ti.mu.Unlock()
}

// Rotate signs with a new key from now on. The old key stays published.
func (ti *TestIssuer) Rotate() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.retired = append(ti.retired, ti.active)
	ti.active = ti.newSigner()
}

func (ti *TestIssuer) Close() {
	if ti.server != nil {
		ti.server.Close()
	}
}

func (ti *TestIssuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	ti.hits.Add(1)
	ti.mu.Lock()
	status := ti.failWith
	ks := jwtkit.JWKS{Keys: []jwtkit.JWK{ti.active.JWK()}}
	for _, s := range ti.retired {
		ks.Keys = append(ks.Keys, s.JWK())
	}
	ti.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	jwtkit.ServeJWKS(w, r, ks, core.DefaultCacheTTL)
}

// Claims returns a valid claim set for subject that callers may modify before TokenWithClaims.
func (ti *TestIssuer) Claims(subject, role string, specialties ...string) jwt.MapClaims {
	return jwtkit.AccessClaims(ti.URL(), subject, ti.audience, role, specialties, time.Hour)
}

// Token mints a valid bearer token (without the "Bearer " prefix).
func (ti *TestIssuer) Token(subject, role string, specialties ...string) string {
	return ti.TokenWithClaims(ti.Claims(subject, role, specialties...))
}

// Bearer is Token with the "Bearer " prefix, ready for an Authorization header.
func (ti *TestIssuer) Bearer(subject, role string, specialties ...string) string {
	return "Bearer " + ti.Token(subject, role, specialties...)
}

// TokenWithClaims signs claims exactly as given with the active key.
func (ti *TestIssuer) TokenWithClaims(claims jwt.MapClaims) string {
	ti.mu.Lock()
	signer := ti.active
	ti.mu.Unlock()
	token, err := signer.Sign(context.Background(), claims)
	if err != nil {
		panic("failed to sign token: " + err.Error())
	}
	return token
}

// ExpiredToken mints a token whose exp is an hour in the past.
func (ti *TestIssuer) ExpiredToken(subject, role string) string {
	c := ti.Claims(subject, role)
	c["exp"] = time.Now().Add(-time.Hour).Unix()
	return ti.TokenWithClaims(c)
}

// UnpublishedKeyToken mints a token signed by a key the JWKS never lists.
func (ti *TestIssuer) UnpublishedKeyToken(subject, role string) string {
	stray, err := jwtkit.NewRSASigner(2048, "unpublished")
	if err != nil {
		panic("failed to create RSA signer: " + err.Error())
	}
	token, err := stray.Sign(context.Background(), ti.Claims(subject, role))
	if err != nil {
		panic("failed to sign token: " + err.Error())
	}
	return token
}
