package dpop

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultNonceTTL is how long a server-issued nonce is reused before the
// cache treats it as absent.
const DefaultNonceTTL = 5 * time.Minute

type nonceRecord struct {
	value     string
	expiresAt time.Time
}

// NonceCache holds the latest DPoP-Nonce issued by each server host.
//
// All operations take a single mutex and do no I/O while holding it, so
// concurrent requests queue briefly instead of racing on a stale nonce.
type NonceCache struct {
	mu      sync.Mutex
	records map[string]nonceRecord

	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NonceCacheOption configures a NonceCache.
type NonceCacheOption func(*NonceCache)

// WithNonceTTL sets how long a stored nonce stays valid.
func WithNonceTTL(ttl time.Duration) NonceCacheOption {
	return func(c *NonceCache) {
		c.ttl = ttl
	}
}

// WithNonceClock sets the time source. Intended for tests.
func WithNonceClock(now func() time.Time) NonceCacheOption {
	return func(c *NonceCache) {
		c.now = now
	}
}

// WithNonceLogger sets the logger for nonce updates.
func WithNonceLogger(logger *slog.Logger) NonceCacheOption {
	return func(c *NonceCache) {
		c.logger = logger
	}
}

// NewNonceCache creates an empty nonce cache. By default nonces expire
// after 5 minutes.
func NewNonceCache(opts ...NonceCacheOption) *NonceCache {
	c := &NonceCache{
		records: make(map[string]nonceRecord),
		ttl:     DefaultNonceTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current nonce for host. An absent or expired entry
// yields ("", false); expired entries are evicted.
func (c *NonceCache) Get(host string) (string, bool) {
	key := normalizeHost(host)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(rec.expiresAt) {
		delete(c.records, key)
		return "", false
	}
	return rec.value, true
}

// Update stores nonce for host, replacing any previous value.
func (c *NonceCache) Update(host, nonce string) {
	key := normalizeHost(host)
	if key == "" || nonce == "" {
		return
	}

	c.mu.Lock()
	c.records[key] = nonceRecord{value: nonce, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	c.logger.Debug("dpop.nonce_updated", "host", sanitizeForLog(key))
}

// Clear drops the nonce for host.
func (c *NonceCache) Clear(host string) {
	key := normalizeHost(host)

	c.mu.Lock()
	delete(c.records, key)
	c.mu.Unlock()
}

// ClearAll drops every stored nonce.
func (c *NonceCache) ClearAll() {
	c.mu.Lock()
	c.records = make(map[string]nonceRecord)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired entries
// not yet evicted.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// ExtractFromResponse stores the response's DPoP-Nonce header, if any,
// under the host of the request that produced it. Responses without a
// Request are ignored; callers that know the target use
// ExtractFromResponseFor.
func (c *NonceCache) ExtractFromResponse(resp *http.Response) {
	if resp == nil || resp.Request == nil {
		return
	}
	c.ExtractFromResponseFor(resp.Request.URL, resp)
}

// ExtractFromResponseFor stores the response's DPoP-Nonce header, if any,
// under the host of target.
func (c *NonceCache) ExtractFromResponseFor(target *url.URL, resp *http.Response) {
	if resp == nil || target == nil {
		return
	}
	nonce := resp.Header.Get(HeaderDPoPNonce)
	if nonce == "" {
		return
	}
	c.Update(HostKey(target), nonce)
}

// IsNonceChallenge reports whether resp asks the client to retry with a
// fresh nonce: a 401 that carries a DPoP-Nonce header.
//
// This is an approximation of the RFC 9449 use_dpop_nonce error check; a 401
// for another reason that also rotates the nonce is treated as a challenge
// too. The retry bound in Executor keeps that case finite.
func IsNonceChallenge(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusUnauthorized && resp.Header.Get(HeaderDPoPNonce) != ""
}

// IsNonceChallenge is the method form of the package-level IsNonceChallenge.
func (c *NonceCache) IsNonceChallenge(resp *http.Response) bool {
	return IsNonceChallenge(resp)
}

// HostKey returns the cache key for target: the lower-case host, with the
// port dropped when it is the scheme's default. It matches the authority
// NormalizeURI puts in htu.
func HostKey(target *url.URL) string {
	if target == nil {
		return ""
	}
	host := strings.ToLower(target.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := target.Port()
	scheme := strings.ToLower(target.Scheme)
	if port == "" || (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return host
	}
	return host + ":" + port
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
