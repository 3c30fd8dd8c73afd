package jwtkit

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultIssuerKeysPath is where External Secrets mounts the dev issuer's keys.json.
	DefaultIssuerKeysPath = "/vault/auth"

	defaultKeysDir = ".runtime/clinicauth"
	privateKeyFile = "private.pem"
	keyIDFile      = "kid"
)

// KeySource provides a signing key and the public keys to publish as JWKS.
// It backs the local development issuer; verifying services never need one.
type KeySource struct {
	Active *RSASigner
	Pubs   map[string]*rsa.PublicKey
}

// JWKS returns the published key set, active key first.
func (s *KeySource) JWKS() JWKS {
	kids := make([]string, 0, len(s.Pubs))
	for kid := range s.Pubs {
		if kid != s.Active.KID() {
			kids = append(kids, kid)
		}
	}
	sort.Strings(kids)
	out := JWKS{Keys: []JWK{s.Active.JWK()}}
	for _, kid := range kids {
		out.Keys = append(out.Keys, RSAPublicToJWK(s.Pubs[kid], kid, jwt.SigningMethodRS256.Alg()))
	}
	return out
}

// LoadKeySource discovers issuer keys with this priority:
//  1. ISSUER_KEY_ID / ISSUER_PRIVATE_KEY_PEM (+ optional PUBLIC_KEYS JSON)
//  2. <dir>/keys.json
//  3. generated keys persisted under .runtime/clinicauth (refused in production)
//
// Missing sources are not errors; present but invalid ones are.
func LoadKeySource(dir string, log *logrus.Entry) (*KeySource, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "issuer_keys")

	if ks, err := keySourceFromEnv(log); err != nil {
		return nil, fmt.Errorf("load issuer keys from env: %w", err)
	} else if ks != nil {
		return ks, nil
	}

	if dir == "" {
		dir = DefaultIssuerKeysPath
	}
	if ks, err := keySourceFromFile(filepath.Join(dir, "keys.json"), log); err != nil {
		return nil, fmt.Errorf("load issuer keys from %s: %w", dir, err)
	} else if ks != nil {
		return ks, nil
	}

	if isProdEnv() {
		return nil, fmt.Errorf("no issuer keys in env or %s and generation is disabled in production", dir)
	}
	return generatedKeySource(log)
}

func keySourceFromEnv(log *logrus.Entry) (*KeySource, error) {
	kid := strings.TrimSpace(os.Getenv("ISSUER_KEY_ID"))
	privPEM := strings.TrimSpace(os.Getenv("ISSUER_PRIVATE_KEY_PEM"))
	if kid == "" && privPEM == "" {
		return nil, nil
	}
	if kid == "" {
		return nil, fmt.Errorf("ISSUER_PRIVATE_KEY_PEM is set but ISSUER_KEY_ID is missing")
	}
	if privPEM == "" {
		return nil, fmt.Errorf("ISSUER_KEY_ID is set but ISSUER_PRIVATE_KEY_PEM is missing")
	}
	signer, err := NewRSASignerFromPEM(kid, []byte(privPEM))
	if err != nil {
		return nil, fmt.Errorf("parse ISSUER_PRIVATE_KEY_PEM: %w", err)
	}
	var extra map[string]string
	if raw := strings.TrimSpace(os.Getenv("PUBLIC_KEYS")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, fmt.Errorf("parse PUBLIC_KEYS: %w", err)
		}
	}
	return newKeySource(signer, extra, log), nil
}

func keySourceFromFile(path string, log *logrus.Entry) (*KeySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc struct {
		ActiveKeyID         string            `json:"active_key_id"`
		ActivePrivateKeyPEM string            `json:"active_private_key_pem"`
		PublicKeys          map[string]string `json:"public_keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse keys.json: %w", err)
	}
	if doc.ActiveKeyID == "" || doc.ActivePrivateKeyPEM == "" {
		return nil, fmt.Errorf("keys.json requires active_key_id and active_private_key_pem")
	}
	signer, err := NewRSASignerFromPEM(doc.ActiveKeyID, []byte(doc.ActivePrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newKeySource(signer, doc.PublicKeys, log), nil
}

// newKeySource publishes the active key plus any parseable extra public keys
// (previous keys kept during rotation). Unparseable extras are skipped.
func newKeySource(signer *RSASigner, extra map[string]string, log *logrus.Entry) *KeySource {
	pubs := map[string]*rsa.PublicKey{signer.KID(): signer.PublicKey()}
	for kid, pemStr := range extra {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemStr))
		if err != nil {
			log.WithError(err).WithField("kid", kid).Warn("skipping unparseable public key")
			continue
		}
		pubs[kid] = pub
	}
	return &KeySource{Active: signer, Pubs: pubs}
}

func generatedKeySource(log *logrus.Entry) (*KeySource, error) {
	keyPath := filepath.Join(defaultKeysDir, privateKeyFile)
	if pemBytes, err := os.ReadFile(keyPath); err == nil {
		kid := "dev"
		if b, err := os.ReadFile(filepath.Join(defaultKeysDir, keyIDFile)); err == nil && strings.TrimSpace(string(b)) != "" {
			kid = strings.TrimSpace(string(b))
		}
		if signer, err := NewRSASignerFromPEM(kid, pemBytes); err == nil {
			return newKeySource(signer, nil, log), nil
		}
	}

	kid := fmt.Sprintf("dev-%d", time.Now().Unix())
	signer, err := NewRSASigner(2048, kid)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	if err := persistSigner(signer); err != nil {
		log.WithError(err).Warn("failed to persist dev issuer key; using in-memory key")
	}
	return newKeySource(signer, nil, log), nil
}

func persistSigner(signer *RSASigner) error {
	if err := os.MkdirAll(defaultKeysDir, 0700); err != nil {
		return fmt.Errorf("create keys directory: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(signer.PrivateKey()),
	})
	if err := os.WriteFile(filepath.Join(defaultKeysDir, privateKeyFile), privPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(defaultKeysDir, keyIDFile), []byte(signer.KID()), 0600); err != nil {
		return fmt.Errorf("write key ID: %w", err)
	}
	return nil
}

// isProdEnv checks ENV, APP_ENV, then ENVIRONMENT (case-insensitive).
func isProdEnv() bool {
	env := strings.TrimSpace(os.Getenv("ENV"))
	if env == "" {
		env = strings.TrimSpace(os.Getenv("APP_ENV"))
	}
	if env == "" {
		env = strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	}
	env = strings.ToLower(env)
	return env == "production" || env == "prod"
}
