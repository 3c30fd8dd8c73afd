package jwtkit

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Key is one verification key from a fetched JWKS. Algorithm is the only
// algorithm a token signed by this key may declare.
type Key struct {
	ID        string
	Algorithm string
	KeyType   string
	Public    any // *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey
}

// KeySet maps key identifier to key. It is immutable once built.
type KeySet struct {
	keys map[string]Key
}

// NewKeySet builds a KeySet from keys. Duplicate identifiers are rejected.
func NewKeySet(keys ...Key) (*KeySet, error) {
	m := make(map[string]Key, len(keys))
	for _, k := range keys {
		if _, dup := m[k.ID]; dup {
			return nil, fmt.Errorf("duplicate kid %q", k.ID)
		}
		m[k.ID] = k
	}
	return &KeySet{keys: m}, nil
}

// Lookup returns the key for kid.
func (s *KeySet) Lookup(kid string) (Key, bool) {
	if s == nil {
		return Key{}, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len returns the number of keys.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KIDs returns the sorted key identifiers.
func (s *KeySet) KIDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

var algorithmsByKeyType = map[string][]string{
	"RSA": {"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"},
	"EC":  {"ES256", "ES384", "ES512"},
	"OKP": {"EdDSA"},
}

// ParseKeySet decodes a JWKS document. Failures are core.KindFormat errors.
//
// Keys published for encryption ("use": "enc") are skipped. A key without "alg"
// is bound to the algorithm implied by its type and curve, never to whatever a
// token header later claims.
func ParseKeySet(data []byte) (*KeySet, error) {
	var doc struct {
		Keys json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, core.FormatError(err)
	}
	if len(doc.Keys) == 0 || string(doc.Keys) == "null" {
		return nil, core.FormatError(errors.New(`missing "keys"`))
	}
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, core.FormatError(err)
	}

	keys := make([]Key, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		jk, ok := set.Key(i)
		if !ok {
			continue
		}
		if jk.KeyUsage() == "enc" {
			continue
		}
		k, err := keyFromJWK(jk)
		if err != nil {
			return nil, core.FormatError(fmt.Errorf("key %q: %w", jk.KeyID(), err))
		}
		keys = append(keys, k)
	}
	ks, err := NewKeySet(keys...)
	if err != nil {
		return nil, core.FormatError(err)
	}
	return ks, nil
}

func keyFromJWK(jk jwk.Key) (Key, error) {
	var raw any
	if err := jk.Raw(&raw); err != nil {
		return Key{}, err
	}
	k := Key{ID: jk.KeyID(), KeyType: jk.KeyType().String()}

	var implied string
	switch pub := raw.(type) {
	case *rsa.PublicKey:
		implied = "RS256"
		k.Public = pub
	case *ecdsa.PublicKey:
		switch pub.Curve.Params().Name {
		case "P-256":
			implied = "ES256"
		case "P-384":
			implied = "ES384"
		case "P-521":
			implied = "ES512"
		default:
			return Key{}, fmt.Errorf("unsupported curve %s", pub.Curve.Params().Name)
		}
		k.Public = pub
	case ed25519.PublicKey:
		implied = "EdDSA"
		k.Public = pub
	default:
		return Key{}, fmt.Errorf("unsupported key material %T", raw)
	}

	k.Algorithm = implied
	if jk.Algorithm() != nil && jk.Algorithm().String() != "" {
		k.Algorithm = jk.Algorithm().String()
	}
	if !algorithmAllowed(k.KeyType, k.Algorithm) {
		return Key{}, fmt.Errorf("algorithm %s does not match key type %s", k.Algorithm, k.KeyType)
	}
	return k, nil
}

func algorithmAllowed(kty, alg string) bool {
	for _, a := range algorithmsByKeyType[kty] {
		if a == alg {
			return true
		}
	}
	return false
}

// JWK minimal fields for RSA public keys as published on a JWKS endpoint.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"` // base64url
	E   string `json:"e"` // base64url
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// RSAPublicToJWK converts an RSA public key to a JWK.
func RSAPublicToJWK(pub *rsa.PublicKey, kid, alg string) JWK {
	n := base64URLEncode(pub.N)
	e := base64URLEncode(big.NewInt(int64(pub.E)))
	return JWK{Kty: "RSA", Use: "sig", Kid: kid, Alg: alg, N: n, E: e}
}

// ServeJWKS writes the JWKS document with an ETag and a max-age matching the
// verifier cache TTL, so clients refetch about as often as the verifier does.
func ServeJWKS(w http.ResponseWriter, r *http.Request, ks JWKS, maxAge time.Duration) {
	b, _ := json.Marshal(ks)
	sum := sha256.Sum256(b)
	etag := "\"" + hex.EncodeToString(sum[:]) + "\""

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if maxAge <= 0 {
		maxAge = core.DefaultCacheTTL
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds()))+", must-revalidate")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(b)
}

func base64URLEncode(i *big.Int) string {
	b := i.Bytes()
	for len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
