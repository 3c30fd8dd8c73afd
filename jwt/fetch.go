package jwtkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/sirupsen/logrus"
)

// maxJWKSBytes caps the body read from a JWKS endpoint.
const maxJWKSBytes = 1 << 20

// Fetcher retrieves a key set. Implementations must not retry; retry policy
// belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*KeySet, error)
}

// HTTPFetcher fetches a JWKS document with a fixed timeout.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPFetcher returns a fetcher bounded by timeout (core.DefaultFetchTimeout when <= 0).
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = core.DefaultFetchTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, timeout: timeout}
}

// NewHTTPFetcherWithClient uses client as-is; its Timeout should be set.
func NewHTTPFetcherWithClient(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client, timeout: client.Timeout}
}

// FetchDocument returns the raw JWKS body. Errors are core.KindNetwork for
// transport failures and core.KindProtocol for non-2xx responses.
func (f *HTTPFetcher) FetchDocument(ctx context.Context, url string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.NetworkError(url, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, core.NetworkError(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.ProtocolError(url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, core.NetworkError(url, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

// Fetch retrieves and parses the key set at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*KeySet, error) {
	body, err := f.FetchDocument(ctx, url)
	if err != nil {
		return nil, err
	}
	return ParseKeySet(body)
}

// DocumentCache stores raw JWKS documents shared between processes
// (see storage/redis.JWKSCache).
type DocumentCache interface {
	Get(ctx context.Context, url string) ([]byte, bool, error)
	Put(ctx context.Context, url string, doc []byte) error
}

// CachingFetcher consults a shared document cache before going to the network,
// so a fleet of replicas fetches the issuer's keys roughly once per cache TTL.
// Cache failures are logged and otherwise ignored.
type CachingFetcher struct {
	http  *HTTPFetcher
	cache DocumentCache
	log   *logrus.Entry
}

// NewCachingFetcher wraps f with cache. A nil log uses the standard logger.
func NewCachingFetcher(f *HTTPFetcher, cache DocumentCache, log *logrus.Entry) *CachingFetcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CachingFetcher{http: f, cache: cache, log: log.WithField("component", "jwks_cache")}
}

func (f *CachingFetcher) Fetch(ctx context.Context, url string) (*KeySet, error) {
	if doc, ok, err := f.cache.Get(ctx, url); err != nil {
		f.log.WithError(err).Warn("shared jwks cache read failed")
	} else if ok {
		if ks, perr := ParseKeySet(doc); perr == nil {
			return ks, nil
		}
		f.log.Warn("shared jwks cache held an unparseable document; refetching")
	}

	doc, err := f.http.FetchDocument(ctx, url)
	if err != nil {
		return nil, err
	}
	ks, err := ParseKeySet(doc)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Put(ctx, url, doc); err != nil {
		f.log.WithError(err).Warn("shared jwks cache write failed")
	}
	return ks, nil
}
