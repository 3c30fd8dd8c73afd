package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// JWKSCache shares fetched JWKS documents between replicas so each issuer's
// endpoint is hit about once per TTL for the whole fleet. It implements
// jwtkit.DocumentCache.
type JWKSCache struct {
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
}

// NewJWKSCache stores documents under keyPrefix (default "clinicauth:jwks:")
// for ttl (default 5 minutes, matching the verifier cache).
func NewJWKSCache(rdb *redis.Client, keyPrefix string, ttl time.Duration) *JWKSCache {
	if keyPrefix == "" {
		keyPrefix = "clinicauth:jwks:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

// key hashes the URL so query strings and ports never leak into key syntax.
func (s *JWKSCache) key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return s.keyNS + hex.EncodeToString(sum[:16])
}

func (s *JWKSCache) Put(ctx context.Context, url string, doc []byte) error {
	return s.rdb.Set(ctx, s.key(url), doc, s.ttl).Err()
}

func (s *JWKSCache) Get(ctx context.Context, url string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(url)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Del drops the shared copy, forcing the next miss to refetch (key rotation).
func (s *JWKSCache) Del(ctx context.Context, url string) error {
	return s.rdb.Del(ctx, s.key(url)).Err()
}
