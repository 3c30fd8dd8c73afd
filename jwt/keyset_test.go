package jwtkit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeySet_RSA(t *testing.T) {
	a := newTestSigner(t, "key-a")
	b := newTestSigner(t, "key-b")

	ks, err := ParseKeySet(jwksDocument(t, a, b))
	require.NoError(t, err)
	assert.Equal(t, 2, ks.Len())
	assert.Equal(t, []string{"key-a", "key-b"}, ks.KIDs())

	k, ok := ks.Lookup("key-a")
	require.True(t, ok)
	assert.Equal(t, "RS256", k.Algorithm)
	assert.Equal(t, "RSA", k.KeyType)
	pub, ok := k.Public.(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(a.PublicKey()))
}

func TestParseKeySet_DefaultAlgorithmFromKeyType(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	jk, err := jwk.FromRaw(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, jk.Set(jwk.KeyIDKey, "ec-1"))
	doc, err := json.Marshal(map[string]any{"keys": []any{jk}})
	require.NoError(t, err)

	ks, err := ParseKeySet(doc)
	require.NoError(t, err)
	k, ok := ks.Lookup("ec-1")
	require.True(t, ok)
	assert.Equal(t, "ES384", k.Algorithm)
}

func TestParseKeySet_Rejects(t *testing.T) {
	s := newTestSigner(t, "k1")
	rsaJWK := s.JWK()

	mismatched := rsaJWK
	mismatched.Alg = "HS256"
	dupDoc, _ := json.Marshal(JWKS{Keys: []JWK{rsaJWK, rsaJWK}})
	mismatchDoc, _ := json.Marshal(JWKS{Keys: []JWK{mismatched}})

	cases := map[string][]byte{
		"not json":           []byte("<html>"),
		"missing keys":       []byte(`{"issuer":"x"}`),
		"null keys":          []byte(`{"keys":null}`),
		"duplicate kid":      dupDoc,
		"alg/kty mismatch":   mismatchDoc,
		"symmetric key":      []byte(`{"keys":[{"kty":"oct","kid":"h","k":"c2VjcmV0"}]}`),
		"garbage rsa params": []byte(`{"keys":[{"kty":"RSA","kid":"x","n":"!!","e":"AQAB"}]}`),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseKeySet(doc)
			require.Error(t, err)
			assert.Equal(t, core.KindFormat, core.KindOf(err))
		})
	}
}

func TestParseKeySet_SkipsEncryptionKeys(t *testing.T) {
	s := newTestSigner(t, "sig")
	enc := newTestSigner(t, "enc").JWK()
	enc.Use = "enc"
	doc, err := json.Marshal(JWKS{Keys: []JWK{s.JWK(), enc}})
	require.NoError(t, err)

	ks, err := ParseKeySet(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"sig"}, ks.KIDs())
}

func TestParseKeySet_EmptyKeysIsValid(t *testing.T) {
	ks, err := ParseKeySet([]byte(`{"keys":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, ks.Len())
	_, ok := ks.Lookup("anything")
	assert.False(t, ok)
}

func TestKeySet_NilSafe(t *testing.T) {
	var ks *KeySet
	assert.Equal(t, 0, ks.Len())
	assert.Nil(t, ks.KIDs())
	_, ok := ks.Lookup("k")
	assert.False(t, ok)
}

func TestServeJWKS_ETagAndMaxAge(t *testing.T) {
	doc := JWKS{Keys: []JWK{newTestSigner(t, "k1").JWK()}}

	rec := httptest.NewRecorder()
	ServeJWKS(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil), doc, 120*time.Second)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=120, must-revalidate", rec.Header().Get("Cache-Control"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	ks, err := ParseKeySet(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, ks.Len())

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	ServeJWKS(rec, req, doc, 0)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}
