package jwtkit

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.clinic.test"
	testAudience = "healthcare-services"
	testJWKSURL  = "https://issuer.clinic.test/.well-known/jwks.json"
)

func newTestSigner(t *testing.T, kid string) *RSASigner {
	t.Helper()
	s, err := NewRSASigner(2048, kid)
	require.NoError(t, err)
	return s
}

func jwksDocument(t *testing.T, signers ...*RSASigner) []byte {
	t.Helper()
	doc := JWKS{}
	for _, s := range signers {
		doc.Keys = append(doc.Keys, s.JWK())
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func publicKeyPEM(t *testing.T, s *RSASigner) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(s.PublicKey())
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func signToken(t *testing.T, s *RSASigner, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := s.Sign(context.Background(), claims)
	require.NoError(t, err)
	return tok
}

func validClaims() jwt.MapClaims {
	return AccessClaims(testIssuer, "user-123", testAudience, "provider", []string{"cardiology"}, time.Hour)
}

// stubFetcher serves a fixed document (or error) and counts calls.
type stubFetcher struct {
	mu    sync.Mutex
	doc   []byte
	err   error
	calls atomic.Int32
	// seenCtxErr records ctx.Err() observed by the most recent fetch.
	seenCtxErr error
	block      chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, _ string) (*KeySet, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenCtxErr = ctx.Err()
	if f.err != nil {
		return nil, f.err
	}
	return ParseKeySet(f.doc)
}

func (f *stubFetcher) setDoc(doc []byte) {
	f.mu.Lock()
	f.doc = doc
	f.mu.Unlock()
}

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testAccept() core.AcceptConfig {
	return core.AcceptConfig{Issuer: testIssuer, Audience: testAudience, JWKSURL: testJWKSURL}
}
