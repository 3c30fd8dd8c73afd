package jwtkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const bearerPrefix = "bearer "

var tracer = otel.Tracer("github.com/PaulFidika/clinicauth/jwt")

// Verifier validates bearer tokens against a lazily refreshed JWKS.
// It is safe for concurrent use; construct one per accepted issuer.
type Verifier struct {
	cfg     core.AcceptConfig
	cache   *KeyCache
	fetcher Fetcher
	metrics *Metrics
	log     *logrus.Entry
	cfgErr  error

	dedupe bool
	group  singleflight.Group
}

// VerifierOpt configures a Verifier.
type VerifierOpt func(*Verifier)

// WithFetcher replaces the default HTTP fetcher.
func WithFetcher(f Fetcher) VerifierOpt {
	return func(v *Verifier) { v.fetcher = f }
}

// WithKeyCache supplies the cache (e.g. one with a test clock).
func WithKeyCache(c *KeyCache) VerifierOpt {
	return func(v *Verifier) { v.cache = c }
}

// WithMetrics records verification and fetch counters.
func WithMetrics(m *Metrics) VerifierOpt {
	return func(v *Verifier) { v.metrics = m }
}

// WithLogger sets the log entry used for fetch and rejection diagnostics.
func WithLogger(l *logrus.Entry) VerifierOpt {
	return func(v *Verifier) { v.log = l }
}

// WithSingleflight collapses concurrent refreshes of a stale cache into one fetch.
func WithSingleflight() VerifierOpt {
	return func(v *Verifier) { v.dedupe = true }
}

// NewVerifier builds a verifier for cfg. Zero durations in cfg take core defaults.
// A blank issuer or audience would disable that claim check, so such a verifier
// rejects every token with a config error instead.
func NewVerifier(cfg core.AcceptConfig, opts ...VerifierOpt) *Verifier {
	cfg = cfg.Defaulted()
	v := &Verifier{cfg: cfg}
	var missing []error
	if strings.TrimSpace(cfg.Issuer) == "" {
		missing = append(missing, errors.New("issuer is required"))
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		missing = append(missing, errors.New("audience is required"))
	}
	if len(missing) > 0 {
		v.cfgErr = core.ConfigError("accept", errors.Join(missing...))
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = NewKeyCache()
	}
	if v.fetcher == nil {
		v.fetcher = NewHTTPFetcher(cfg.FetchTimeout)
	}
	if v.log == nil {
		v.log = logrus.NewEntry(logrus.StandardLogger())
	}
	v.log = v.log.WithField("component", "jwt_verifier")
	if v.cfgErr != nil {
		v.log.WithError(v.cfgErr).Error("verifier misconfigured; all tokens will be rejected")
	}
	return v
}

// Err reports the configuration error every Verify call returns, if any.
func (v *Verifier) Err() error { return v.cfgErr }

// Cache exposes the verifier's key cache (rotation hooks call Invalidate).
func (v *Verifier) Cache() *KeyCache { return v.cache }

// Verify validates the value of an Authorization header and returns its claims.
//
// Failures, checked in this order:
//  1. missing header or no case-insensitive "Bearer " prefix: "Missing bearer token"
//  2. key set unavailable: the fetch error (network, protocol or format kind)
//  3. kid not in the key set: "Signing key not found"
//  4. signature, algorithm, exp, iss or aud rejected: "Invalid token: <cause>"
//
// The only algorithm accepted is the one bound to the matched key.
func (v *Verifier) Verify(ctx context.Context, header string) (*Claims, error) {
	ctx, span := tracer.Start(ctx, "jwt.Verify", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	claims, err := v.verify(ctx, header)
	if err != nil {
		result := core.CategoryOf(err)
		if result == "" {
			result = "error"
		}
		v.metrics.verification(result)
		span.SetAttributes(attribute.String("auth.category", result))
		span.SetStatus(codes.Error, err.Error())
		v.log.WithField("category", result).Debug(err.Error())
		return nil, err
	}
	v.metrics.verification("ok")
	span.SetAttributes(attribute.String("auth.subject", claims.Subject))
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, header string) (*Claims, error) {
	if v.cfgErr != nil {
		return nil, v.cfgErr
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return nil, core.AuthError(core.CategoryMissing, "Missing bearer token", nil)
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])

	ks, err := v.keySet(ctx)
	if err != nil {
		return nil, err
	}

	hdr, err := decodeHeader(raw)
	if err != nil {
		return nil, core.AuthError(core.CategoryMalformed, "Invalid token: "+err.Error(), err)
	}
	kid, _ := hdr["kid"].(string)
	key, ok := ks.Lookup(kid)
	if !ok {
		return nil, core.AuthError(core.CategoryUnknownKey, "Signing key not found", nil)
	}
	if alg, _ := hdr["alg"].(string); alg != key.Algorithm {
		err := fmt.Errorf("signing method %s is invalid", alg)
		return nil, core.AuthError(core.CategoryAlgorithmMismatch, "Invalid token: "+err.Error(), err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Skew),
	)
	mc := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, mc, func(*jwt.Token) (any, error) {
		return key.Public, nil
	}); err != nil {
		return nil, core.AuthError(categorize(err), "Invalid token: "+err.Error(), err)
	}
	return ClaimsFromMap(mc), nil
}

// decodeHeader reads the JOSE header without resolving its alg, so the kid is
// looked up before any algorithm is considered.
func decodeHeader(raw string) (map[string]any, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, jwt.ErrTokenMalformed
	}
	seg, err := jwt.NewParser().DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header is not base64url: %v", jwt.ErrTokenMalformed, err)
	}
	var hdr map[string]any
	if err := json.Unmarshal(seg, &hdr); err != nil || hdr == nil {
		return nil, fmt.Errorf("%w: header is not a JSON object", jwt.ErrTokenMalformed)
	}
	return hdr, nil
}

// keySet returns the cached key set while fresh, otherwise fetches and swaps it in.
// The fetch ignores caller cancellation so a completed fetch still warms the
// cache; it is bounded by the fetch timeout instead.
func (v *Verifier) keySet(ctx context.Context) (*KeySet, error) {
	if v.cache.IsFresh(v.cfg.CacheTTL) {
		if ks, ok := v.cache.Get(); ok {
			return ks, nil
		}
	}
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.FetchTimeout)
	defer cancel()

	if !v.dedupe {
		return v.refresh(fetchCtx)
	}
	res, err, _ := v.group.Do(v.cfg.JWKSURL, func() (any, error) {
		return v.refresh(fetchCtx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*KeySet), nil
}

func (v *Verifier) refresh(ctx context.Context) (*KeySet, error) {
	ctx, span := tracer.Start(ctx, "jwks.Fetch", trace.WithAttributes(attribute.String("jwks.url", v.cfg.JWKSURL)))
	defer span.End()

	start := time.Now()
	ks, err := v.fetcher.Fetch(ctx, v.cfg.JWKSURL)
	if err != nil {
		v.metrics.fetch(core.KindOf(err).String(), time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		v.log.WithError(err).WithField("jwks_url", v.cfg.JWKSURL).Warn("jwks fetch failed")
		return nil, err
	}
	v.metrics.fetch("ok", time.Since(start))
	v.cache.Set(ks)
	v.log.WithFields(logrus.Fields{"jwks_url": v.cfg.JWKSURL, "keys": ks.Len()}).Debug("jwks refreshed")
	return ks, nil
}

func categorize(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return core.CategoryExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return core.CategoryNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return core.CategoryIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return core.CategoryAudienceMismatch
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return core.CategoryBadSignature
	default:
		return core.CategoryMalformed
	}
}
