package dpop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated caller of a resource request.
type Identity struct {
	// Thumbprint is the RFC 7638 thumbprint of the proof key (jkt).
	Thumbprint string `json:"thumbprint"`
	// TokenID is a SHA-256 hex digest of the access token, safe to log.
	TokenID string `json:"token_id"`
	// JTI is the proof identifier.
	JTI string `json:"jti"`
}

// TokenBinder enforces the binding between access tokens and DPoP keys.
type TokenBinder interface {
	// Bind checks that accessToken is bound to thumbprint. It returns
	// ok=false for tokens bound to another key and an error for unknown
	// tokens.
	Bind(ctx context.Context, accessToken, thumbprint string) (ok bool, err error)
}

// ErrUnknownToken indicates an access token the binder does not know.
var ErrUnknownToken = errors.New("unknown access token")

// MemoryTokenBinder binds tokens to key thumbprints in memory.
//
// Tokens registered with Register are bound to the given thumbprint; with
// trust-on-first-use enabled, unregistered tokens are bound to the first
// key that presents them.
type MemoryTokenBinder struct {
	mu       sync.Mutex
	bindings map[string]string // token -> jkt, "" means not yet bound
	firstUse bool
}

// NewMemoryTokenBinder creates a binder. firstUse enables trust-on-first-use.
func NewMemoryTokenBinder(firstUse bool) *MemoryTokenBinder {
	return &MemoryTokenBinder{bindings: make(map[string]string), firstUse: firstUse}
}

// Register declares a valid token. An empty thumbprint binds on first use.
func (b *MemoryTokenBinder) Register(accessToken, thumbprint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[accessToken] = thumbprint
}

// Bind implements TokenBinder.
func (b *MemoryTokenBinder) Bind(_ context.Context, accessToken, thumbprint string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bound, known := b.bindings[accessToken]
	if !known && !b.firstUse {
		return false, ErrUnknownToken
	}
	if bound == "" {
		b.bindings[accessToken] = thumbprint
		return true, nil
	}
	return bound == thumbprint, nil
}

// NonceIssuer issues server nonces. The current nonce rotates every
// interval; the previous one stays acceptable for one more interval so
// in-flight requests are not rejected at the boundary.
type NonceIssuer struct {
	mu        sync.Mutex
	current   string
	previous  string
	rotatedAt time.Time
	interval  time.Duration
	now       func() time.Time
}

// NewNonceIssuer creates an issuer rotating every interval.
func NewNonceIssuer(interval time.Duration) *NonceIssuer {
	n := &NonceIssuer{interval: interval, now: time.Now}
	n.current = uuid.NewString()
	n.rotatedAt = n.now()
	return n
}

// Current returns the nonce clients should use now.
func (n *NonceIssuer) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rotateLocked()
	return n.current
}

// Valid reports whether nonce is the current or the previous nonce.
func (n *NonceIssuer) Valid(nonce string) bool {
	if nonce == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rotateLocked()
	return nonce == n.current || (n.previous != "" && nonce == n.previous)
}

// Rotate forces a new current nonce.
func (n *NonceIssuer) Rotate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.previous = n.current
	n.current = uuid.NewString()
	n.rotatedAt = n.now()
}

func (n *NonceIssuer) rotateLocked() {
	if n.interval <= 0 || n.now().Sub(n.rotatedAt) < n.interval {
		return
	}
	n.previous = n.current
	n.current = uuid.NewString()
	n.rotatedAt = n.now()
}

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const (
	// identityKey is the context key for the authenticated identity.
	identityKey contextKey = iota
)

// IdentityFromContext extracts the authenticated identity from the context.
// Returns nil if no identity is present (e.g., bypassed endpoint).
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// ContextWithIdentity returns a new context with the given identity.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// AuthMiddleware authenticates resource requests carrying
// "Authorization: DPoP <token>" and a DPoP proof.
type AuthMiddleware struct {
	validator *Validator
	binder    TokenBinder
	jtiCache  JTICache
	nonces    *NonceIssuer
	logger    *slog.Logger

	// bypassPaths contains paths that don't require DPoP authentication.
	// Paths are normalized (lowercase, no trailing slash).
	bypassPaths map[string]bool
}

// AuthMiddlewareOption configures an AuthMiddleware.
type AuthMiddlewareOption func(*AuthMiddleware)

// WithLogger sets the logger for the middleware.
func WithLogger(logger *slog.Logger) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		m.logger = logger
	}
}

// WithNonceIssuer makes the middleware require server nonces. Proofs
// without the current nonce get a 401 nonce challenge.
func WithNonceIssuer(n *NonceIssuer) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		m.nonces = n
	}
}

// WithBypassPaths adds paths that skip authentication.
func WithBypassPaths(paths ...string) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		for _, p := range paths {
			m.bypassPaths[normalizePath(p)] = true
		}
	}
}

// NewAuthMiddleware creates a new DPoP authentication middleware.
func NewAuthMiddleware(validator *Validator, binder TokenBinder, jtiCache JTICache, opts ...AuthMiddlewareOption) *AuthMiddleware {
	m := &AuthMiddleware{
		validator: validator,
		binder:    binder,
		jtiCache:  jtiCache,
		logger:    slog.Default(),
		bypassPaths: map[string]bool{
			"/health": true,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap wraps an HTTP handler with DPoP authentication.
// The handler will only be called if authentication succeeds or the path is bypassed.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Recover from panics to prevent unauthenticated access
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error("panic in auth middleware",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				m.writeError(w, http.StatusInternalServerError, "internal_error")
			}
		}()

		if m.bypassPaths[normalizePath(r.URL.Path)] {
			next.ServeHTTP(w, r)
			return
		}

		// Every response advertises the current nonce, so clients can
		// pre-empt the next challenge.
		if m.nonces != nil {
			w.Header().Set(HeaderDPoPNonce, m.nonces.Current())
		}

		token, ok := parseDPoPAuthorization(r.Header.Get("Authorization"))
		if !ok {
			m.logAuthFailure(r, "invalid_token", "missing DPoP authorization")
			m.writeChallenge(w, "invalid_token")
			return
		}

		want := ProofExpectations{
			Method:      r.Method,
			URI:         RequestURI(r),
			AccessToken: token,
		}
		if m.nonces != nil {
			want.NonceValid = m.nonces.Valid
		}

		result, err := m.validator.ValidateProof(r.Header.Get(HeaderDPoP), want)
		if err != nil {
			var dErr *DPoPError
			if errors.As(err, &dErr) && dErr.Code == ErrCodeUseNonce {
				m.logAuthFailure(r, dErr.Code, "stale or missing nonce")
				m.writeChallenge(w, "use_dpop_nonce")
				return
			}
			code := ErrCodeInvalidProof
			if dErr != nil {
				code = dErr.Code
			}
			m.logAuthFailure(r, code, err.Error())
			m.writeError(w, http.StatusUnauthorized, code)
			return
		}

		isReplay, err := m.jtiCache.Record(result.Claims.JTI)
		if err != nil {
			if errors.Is(err, ErrCacheFull) {
				m.logger.Error("jti cache full", "error", err)
				m.writeError(w, http.StatusServiceUnavailable, "dpop.service_unavailable")
				return
			}
			// Other errors (invalid input) - treat as replay for safety
			m.logAuthFailure(r, ErrCodeReplay, "jti validation error")
			m.writeError(w, http.StatusUnauthorized, ErrCodeReplay)
			return
		}
		if isReplay {
			replayErr := ErrProofReplay(result.Claims.JTI)
			m.logAuthFailure(r, replayErr.Code, replayErr.Message)
			m.writeError(w, http.StatusUnauthorized, replayErr.Code)
			return
		}

		bound, err := m.binder.Bind(r.Context(), token, result.Thumbprint)
		if err != nil {
			m.logAuthFailure(r, "invalid_token", err.Error())
			m.writeChallenge(w, "invalid_token")
			return
		}
		if !bound {
			mismatch := ErrBoundKeyMismatch()
			m.logAuthFailure(r, mismatch.Code, mismatch.Message)
			m.writeError(w, http.StatusUnauthorized, mismatch.Code)
			return
		}

		identity := &Identity{
			Thumbprint: result.Thumbprint,
			TokenID:    tokenID(token),
			JTI:        result.Claims.JTI,
		}
		m.logAuthSuccess(r, identity, time.Since(start).Milliseconds())
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func parseDPoPAuthorization(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, AuthSchemeDPoP) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func tokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// normalizePath normalizes a URL path for bypass checking.
// It handles path traversal, case, and URL encoding.
func normalizePath(p string) string {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		decoded = p
	}
	lower := strings.ToLower(path.Clean(decoded))
	if len(lower) > 1 && strings.HasSuffix(lower, "/") {
		lower = lower[:len(lower)-1]
	}
	return lower
}

// RequestURI builds the htu a proof for r must carry.
// Per RFC 9449, this is scheme + host + path (no query string).
func RequestURI(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}

	// Use X-Forwarded-Host if present (behind proxy)
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	return scheme + "://" + host + r.URL.Path
}

// writeChallenge writes a 401 with a DPoP WWW-Authenticate challenge.
func (m *AuthMiddleware) writeChallenge(w http.ResponseWriter, code string) {
	w.Header().Set("WWW-Authenticate", `DPoP algs="ES256", error="`+code+`"`)
	m.writeError(w, http.StatusUnauthorized, code)
}

// writeError writes a JSON error response. Only the code is sent; details
// stay in the server log.
func (m *AuthMiddleware) writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": code,
	})
}

func (m *AuthMiddleware) logAuthSuccess(r *http.Request, id *Identity, latencyMS int64) {
	m.logger.Info("auth.success",
		"jkt", id.Thumbprint,
		"token", id.TokenID,
		"method", r.Method,
		"path", r.URL.Path,
		"ip", getClientIP(r),
		"latency_ms", latencyMS,
	)
}

func (m *AuthMiddleware) logAuthFailure(r *http.Request, reason, detail string) {
	m.logger.Warn("auth.failure",
		"reason", reason,
		"detail", sanitizeForLog(detail),
		"method", r.Method,
		"path", r.URL.Path,
		"ip", getClientIP(r),
	)
}

// sanitizeForLog sanitizes a string for logging to prevent log injection.
func sanitizeForLog(s string) string {
	result := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	if len(result) > 256 {
		result = result[:256] + "..."
	}
	return result
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		// IPv6 [::1]:port format
		if strings.Contains(addr, "[") {
			if closeIdx := strings.LastIndex(addr, "]"); closeIdx != -1 && closeIdx < idx {
				return addr[:idx]
			}
		} else {
			return addr[:idx]
		}
	}
	return addr
}
