package jwtkit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierFixture struct {
	signer   *RSASigner
	fetcher  *stubFetcher
	clock    *fakeClock
	verifier *Verifier
}

func newVerifierFixture(t *testing.T, opts ...VerifierOpt) *verifierFixture {
	t.Helper()
	f := &verifierFixture{
		signer: newTestSigner(t, "kid-1"),
		clock:  newFakeClock(),
	}
	f.fetcher = &stubFetcher{doc: jwksDocument(t, f.signer)}
	opts = append([]VerifierOpt{
		WithFetcher(f.fetcher),
		WithKeyCache(NewKeyCacheWithClock(f.clock.Now)),
	}, opts...)
	f.verifier = NewVerifier(testAccept(), opts...)
	return f
}

func requireAuthCategory(t *testing.T, err error, category string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, core.KindAuth, core.KindOf(err))
	assert.Equal(t, category, core.CategoryOf(err))
}

func TestVerify_ValidToken(t *testing.T) {
	f := newVerifierFixture(t)
	tok := signToken(t, f.signer, validClaims())

	claims, err := f.verifier.Verify(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "provider", claims.Role)
	assert.Equal(t, []string{"cardiology"}, claims.Specialties)
	assert.True(t, claims.HasAudience(testAudience))
}

func TestVerify_BearerPrefixIsCaseInsensitive(t *testing.T) {
	f := newVerifierFixture(t)
	tok := signToken(t, f.signer, validClaims())

	for _, prefix := range []string{"bearer ", "BEARER ", "BeArEr "} {
		_, err := f.verifier.Verify(context.Background(), prefix+tok)
		assert.NoError(t, err, prefix)
	}
}

func TestVerify_MissingBearer(t *testing.T) {
	f := newVerifierFixture(t)
	tok := signToken(t, f.signer, validClaims())

	for _, header := range []string{"", "Bearer", "Token abc", "Basic dXNlcjpwYXNz", tok} {
		_, err := f.verifier.Verify(context.Background(), header)
		requireAuthCategory(t, err, core.CategoryMissing)
		assert.Equal(t, "Missing bearer token", err.Error())
	}
	assert.Equal(t, int32(0), f.fetcher.calls.Load(), "no fetch without a bearer token")
}

func TestVerify_UnknownKID(t *testing.T) {
	f := newVerifierFixture(t)
	other := newTestSigner(t, "kid-unknown")

	_, err := f.verifier.Verify(context.Background(), "Bearer "+signToken(t, other, validClaims()))
	requireAuthCategory(t, err, core.CategoryUnknownKey)
	assert.Equal(t, "Signing key not found", err.Error())
}

// rawToken assembles a compact JWT with an arbitrary header and a junk signature.
func rawToken(t *testing.T, header map[string]any) string {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	c, err := json.Marshal(validClaims())
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(h) + "." + enc.EncodeToString(c) + "." + enc.EncodeToString([]byte("sig"))
}

func TestVerify_UnknownKIDWithUnregisteredAlgorithm(t *testing.T) {
	f := newVerifierFixture(t)

	_, err := f.verifier.Verify(context.Background(), "Bearer "+rawToken(t, map[string]any{"alg": "XX99", "kid": "kid-nope"}))
	requireAuthCategory(t, err, core.CategoryUnknownKey)
	assert.Equal(t, "Signing key not found", err.Error())

	_, err = f.verifier.Verify(context.Background(), "Bearer "+rawToken(t, map[string]any{"alg": "XX99", "kid": "kid-1"}))
	requireAuthCategory(t, err, core.CategoryAlgorithmMismatch)

	_, err = f.verifier.Verify(context.Background(), "Bearer bm90LWpzb24.e30.c2ln")
	requireAuthCategory(t, err, core.CategoryMalformed)
}

func TestVerify_BlankIssuerOrAudienceRejectsEverything(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	fetcher := &stubFetcher{doc: jwksDocument(t, signer)}

	claims := validClaims()
	claims["iss"] = "https://evil.example"
	claims["aud"] = "anything"
	tok := signToken(t, signer, claims)

	for name, mutate := range map[string]func(*core.AcceptConfig){
		"issuer":   func(c *core.AcceptConfig) { c.Issuer = "" },
		"audience": func(c *core.AcceptConfig) { c.Audience = "  " },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testAccept()
			mutate(&cfg)
			v := NewVerifier(cfg, WithFetcher(fetcher))
			require.Error(t, v.Err())

			_, err := v.Verify(context.Background(), "Bearer "+tok)
			require.Error(t, err)
			assert.Equal(t, core.KindConfig, core.KindOf(err))
			assert.Contains(t, err.Error(), name+" is required")
		})
	}
	assert.Equal(t, int32(0), fetcher.calls.Load(), "misconfigured verifier never fetches keys")
	assert.NoError(t, NewVerifier(testAccept()).Err())
}

func TestVerify_BadSignature(t *testing.T) {
	f := newVerifierFixture(t)
	impostor := newTestSigner(t, "kid-1") // same kid, different key

	_, err := f.verifier.Verify(context.Background(), "Bearer "+signToken(t, impostor, validClaims()))
	requireAuthCategory(t, err, core.CategoryBadSignature)
	assert.Contains(t, err.Error(), "Invalid token")
}

func TestVerify_ClaimFailures(t *testing.T) {
	f := newVerifierFixture(t)
	now := time.Now()

	cases := []struct {
		name     string
		mutate   func(jwt.MapClaims)
		category string
	}{
		{"expired", func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Minute).Unix() }, core.CategoryExpired},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.test" }, core.CategoryIssuerMismatch},
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "billing" }, core.CategoryAudienceMismatch},
		{"missing exp", func(c jwt.MapClaims) { delete(c, "exp") }, core.CategoryMalformed},
		{"not yet valid", func(c jwt.MapClaims) { c["nbf"] = now.Add(time.Hour).Unix() }, core.CategoryNotYetValid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := validClaims()
			tc.mutate(claims)
			_, err := f.verifier.Verify(context.Background(), "Bearer "+signToken(t, f.signer, claims))
			requireAuthCategory(t, err, tc.category)
			assert.Contains(t, err.Error(), "Invalid token: ")
		})
	}
}

func TestVerify_AudienceListContainingService(t *testing.T) {
	f := newVerifierFixture(t)
	claims := validClaims()
	claims["aud"] = []string{"billing", testAudience}

	_, err := f.verifier.Verify(context.Background(), "Bearer "+signToken(t, f.signer, claims))
	assert.NoError(t, err)
}

func TestVerify_SkewAllowsRecentlyExpired(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	cfg := testAccept()
	cfg.Skew = time.Minute
	v := NewVerifier(cfg, WithFetcher(&stubFetcher{doc: jwksDocument(t, signer)}))

	claims := validClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	_, err := v.Verify(context.Background(), "Bearer "+signToken(t, signer, claims))
	assert.NoError(t, err)
}

func TestVerify_HMACWithPublicKeyRejected(t *testing.T) {
	f := newVerifierFixture(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	tok.Header["kid"] = "kid-1"
	forged, err := tok.SignedString(publicKeyPEM(t, f.signer))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), "Bearer "+forged)
	requireAuthCategory(t, err, core.CategoryAlgorithmMismatch)
	assert.Contains(t, err.Error(), "Invalid token")
}

func TestVerify_NoneAlgorithmRejected(t *testing.T) {
	f := newVerifierFixture(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	tok.Header["kid"] = "kid-1"
	unsigned, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), "Bearer "+unsigned)
	requireAuthCategory(t, err, core.CategoryAlgorithmMismatch)
}

func TestVerify_MalformedToken(t *testing.T) {
	f := newVerifierFixture(t)

	_, err := f.verifier.Verify(context.Background(), "Bearer not-a-jwt")
	requireAuthCategory(t, err, core.CategoryMalformed)
	assert.Contains(t, err.Error(), "Invalid token: ")
}

func TestVerify_FetchErrorPropagates(t *testing.T) {
	f := newVerifierFixture(t)
	f.fetcher.err = core.ProtocolError(testJWKSURL, http.StatusBadGateway)

	_, err := f.verifier.Verify(context.Background(), "Bearer "+signToken(t, f.signer, validClaims()))
	require.Error(t, err)
	assert.Equal(t, core.KindProtocol, core.KindOf(err))
	assert.Equal(t, http.StatusUnauthorized, core.StatusCode(err))
	_, cached := f.verifier.Cache().Get()
	assert.False(t, cached, "failed fetch leaves cache empty")
}

func TestVerify_FailedRefreshDoesNotCorruptCache(t *testing.T) {
	f := newVerifierFixture(t)
	tok := signToken(t, f.signer, validClaims())

	_, err := f.verifier.Verify(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	before, _ := f.verifier.Cache().Get()

	f.clock.Advance(10 * time.Minute)
	f.fetcher.err = core.NetworkError(testJWKSURL, context.DeadlineExceeded)
	_, err = f.verifier.Verify(context.Background(), "Bearer "+tok)
	assert.Equal(t, core.KindNetwork, core.KindOf(err))

	after, ok := f.verifier.Cache().Get()
	require.True(t, ok)
	assert.Same(t, before, after)
}

func TestVerify_CacheReuseAndExpiry(t *testing.T) {
	f := newVerifierFixture(t)
	tok := signToken(t, f.signer, validClaims())

	for i := 0; i < 3; i++ {
		_, err := f.verifier.Verify(context.Background(), "Bearer "+tok)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.fetcher.calls.Load())

	f.clock.Advance(100 * time.Second)
	_, err := f.verifier.Verify(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.fetcher.calls.Load())

	f.clock.Advance(300 * time.Second)
	_, err = f.verifier.Verify(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
}

func TestVerify_PicksUpRotatedKeyAfterTTL(t *testing.T) {
	f := newVerifierFixture(t)
	_, err := f.verifier.Verify(context.Background(), "Bearer "+signToken(t, f.signer, validClaims()))
	require.NoError(t, err)

	rotated := newTestSigner(t, "kid-2")
	f.fetcher.setDoc(jwksDocument(t, f.signer, rotated))
	tok := signToken(t, rotated, validClaims())

	_, err = f.verifier.Verify(context.Background(), "Bearer "+tok)
	requireAuthCategory(t, err, core.CategoryUnknownKey)

	f.verifier.Cache().Invalidate()
	_, err = f.verifier.Verify(context.Background(), "Bearer "+tok)
	assert.NoError(t, err)
}

func TestVerify_FetchSurvivesCallerCancellation(t *testing.T) {
	f := newVerifierFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.verifier.Verify(ctx, "Bearer "+signToken(t, f.signer, validClaims()))
	require.NoError(t, err)
	assert.NoError(t, f.fetcher.seenCtxErr)
	assert.True(t, f.verifier.Cache().IsFresh(time.Minute))
}

func TestVerify_SingleflightCollapsesConcurrentFetches(t *testing.T) {
	f := newVerifierFixture(t, WithSingleflight())
	f.fetcher.block = make(chan struct{})
	tok := signToken(t, f.signer, validClaims())

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.verifier.Verify(context.Background(), "Bearer "+tok)
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(f.fetcher.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
}

func TestVerify_EndToEndOverHTTP(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	doc := jwksDocument(t, signer)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	cfg := testAccept()
	cfg.JWKSURL = srv.URL
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	v := NewVerifier(cfg, WithMetrics(m))

	_, err := v.Verify(context.Background(), "Bearer "+signToken(t, signer, validClaims()))
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), "")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues(core.CategoryMissing)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fetches.WithLabelValues("ok")))
}
