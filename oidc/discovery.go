// Package oidckit resolves verifier settings from an issuer's OpenID
// Connect discovery document.
package oidckit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/coreos/go-oidc/v3/oidc"
)

// Discovery holds the fields of the discovery document the verifier needs.
type Discovery struct {
	Issuer     string   `json:"issuer"`
	JWKSURL    string   `json:"jwks_uri"`
	Algorithms []string `json:"id_token_signing_alg_values_supported"`
}

// Discover fetches <issuer>/.well-known/openid-configuration. The document's
// issuer must equal issuer exactly. A nil client uses a 5s-timeout client.
func Discover(ctx context.Context, issuer string, client *http.Client) (*Discovery, error) {
	if issuer == "" {
		return nil, errors.New("oidc: issuer is required")
	}
	if client == nil {
		client = &http.Client{Timeout: core.DefaultFetchTimeout}
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc: discovery for %s: %w", issuer, err)
	}
	var d Discovery
	if err := provider.Claims(&d); err != nil {
		return nil, fmt.Errorf("oidc: decode discovery: %w", err)
	}
	if d.JWKSURL == "" {
		return nil, errors.New("oidc: discovery missing jwks_uri")
	}
	return &d, nil
}

// DiscoverJWKSURL returns the issuer's jwks_uri.
func DiscoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	d, err := Discover(ctx, issuer, nil)
	if err != nil {
		return "", err
	}
	return d.JWKSURL, nil
}

// ResolveAccept fills cfg.JWKSURL from discovery when it is empty.
func ResolveAccept(ctx context.Context, cfg core.AcceptConfig) (core.AcceptConfig, error) {
	if cfg.JWKSURL != "" {
		return cfg, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*core.DefaultFetchTimeout)
	defer cancel()
	url, err := DiscoverJWKSURL(ctx, cfg.Issuer)
	if err != nil {
		return cfg, err
	}
	cfg.JWKSURL = url
	return cfg, nil
}
