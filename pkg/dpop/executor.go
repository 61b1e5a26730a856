package dpop

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// DefaultMaxRetries is the number of nonce-challenge retries after the
// first attempt.
const DefaultMaxRetries = 2

// TokenSessionProvider supplies and refreshes the token set of an account.
// The executor reads tokens and triggers refresh but never mutates them.
type TokenSessionProvider interface {
	// CurrentTokens returns the current token set, or nil if there is none.
	CurrentTokens(ctx context.Context) (*TokenSet, error)

	// Refresh obtains a new token set.
	Refresh(ctx context.Context) error

	// NeedsRefresh reports whether ts is expired or about to expire.
	NeedsRefresh(ts *TokenSet) bool
}

// Transport dispatches a request and returns the fully read body with the
// response.
type Transport interface {
	Send(ctx context.Context, req *http.Request) ([]byte, *http.Response, error)
}

// HTTPTransport adapts an *http.Client to Transport.
type HTTPTransport struct {
	Client *http.Client
}

// Send performs the request, reads the body and closes it. The returned
// response's Body is replaced with a reader over the same bytes.
func (t HTTPTransport) Send(ctx context.Context, req *http.Request) ([]byte, *http.Response, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, resp, nil
}

// Executor performs authenticated requests for one account.
//
// For DPoP accounts each attempt fetches (and if needed refreshes) the
// token set, signs a fresh proof, and dispatches the request. A 401 carrying
// DPoP-Nonce is retried with the new nonce at most maxRetries times; any
// other response, whatever its status, is returned to the caller as-is.
// Accounts in any other auth mode are passed through untouched.
type Executor struct {
	account    Account
	keys       *KeyStore
	tokens     TokenSessionProvider
	transport  Transport
	nonces     *NonceCache
	proofs     *ProofBuilder
	maxRetries int
	logger     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxRetries sets the nonce-challenge retry bound.
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithNonceCache shares a nonce cache between executors. Executors for
// accounts on the same server should share one.
func WithNonceCache(c *NonceCache) ExecutorOption {
	return func(e *Executor) {
		e.nonces = c
	}
}

// WithProofBuilder sets the proof builder. It should read from the same
// nonce cache as the executor.
func WithProofBuilder(b *ProofBuilder) ExecutorOption {
	return func(e *Executor) {
		e.proofs = b
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor for account. keys and tokens may be nil
// for accounts that are not in DPoP mode.
func NewExecutor(account Account, keys *KeyStore, tokens TokenSessionProvider, transport Transport, opts ...ExecutorOption) *Executor {
	e := &Executor{
		account:    account,
		keys:       keys,
		tokens:     tokens,
		transport:  transport,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = HTTPTransport{}
	}
	if e.nonces == nil {
		e.nonces = NewNonceCache(WithNonceLogger(e.logger))
	}
	if e.proofs == nil {
		e.proofs = NewProofBuilder(e.nonces)
	}
	return e
}

// Account returns the account the executor acts for.
func (e *Executor) Account() Account {
	return e.account
}

// Nonces returns the executor's nonce cache.
func (e *Executor) Nonces() *NonceCache {
	return e.nonces
}

// Execute sends req and returns the response body and response.
//
// Errors are returned for invalid requests, missing or unrefreshable
// tokens, key and signing failures, transport failures, and cancellation.
// HTTP error statuses are not errors.
func (e *Executor) Execute(ctx context.Context, req *http.Request) ([]byte, *http.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	if e.account.Mode != AuthModeDPoP {
		return e.transport.Send(ctx, req)
	}

	if e.keys == nil || e.tokens == nil {
		return nil, nil, fmt.Errorf("dpop executor for account %s: key store and token session are required", e.account.ID)
	}

	var (
		body []byte
		resp *http.Response
	)
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		var err error
		body, resp, err = e.attempt(ctx, req)
		if err != nil {
			return nil, nil, err
		}

		// The transport need not set resp.Request, so the nonce is keyed
		// by the target we sent to.
		e.nonces.ExtractFromResponseFor(req.URL, resp)

		if !e.nonces.IsNonceChallenge(resp) {
			return body, resp, nil
		}
		if attempt < e.maxRetries {
			e.logger.Debug("dpop.nonce_challenge",
				"account", sanitizeForLog(e.account.ID),
				"host", sanitizeForLog(req.URL.Host),
				"attempt", attempt+1,
			)
		}
	}

	e.logger.Warn("dpop.nonce_retries_exhausted",
		"account", sanitizeForLog(e.account.ID),
		"host", sanitizeForLog(req.URL.Host),
		"attempts", e.maxRetries+1,
	)
	return body, resp, nil
}

// attempt runs one pass of token acquisition, signing and dispatch.
func (e *Executor) attempt(ctx context.Context, req *http.Request) ([]byte, *http.Response, error) {
	tokens, err := e.currentTokens(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	kp, err := e.keys.GetOrCreateKeyPair(ctx, e.account.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load dpop key: %w", err)
	}
	proof, err := e.proofs.BuildForRequest(kp, req, tokens.AccessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("build dpop proof: %w", err)
	}

	out, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	out.Header.Set("Authorization", AuthSchemeDPoP+" "+tokens.AccessToken)
	out.Header.Set(HeaderDPoP, proof)

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return e.transport.Send(ctx, out)
}

// currentTokens returns a token set that does not need refreshing.
func (e *Executor) currentTokens(ctx context.Context) (*TokenSet, error) {
	tokens, err := e.tokens.CurrentTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	if tokens == nil || tokens.AccessToken == "" {
		return nil, ErrNoTokens
	}
	if !e.tokens.NeedsRefresh(tokens) {
		return tokens, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.tokens.Refresh(ctx); err != nil {
		e.logger.Warn("dpop.token_refresh_failed",
			"account", sanitizeForLog(e.account.ID),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	tokens, err = e.tokens.CurrentTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	if tokens == nil || tokens.AccessToken == "" {
		return nil, ErrNoTokens
	}
	return tokens, nil
}

// RoundTripper exposes the executor as an http.RoundTripper so it can back
// an *http.Client. The response body is the already-read body.
func (e *Executor) RoundTripper() http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		body, resp, err := e.Execute(req.Context(), req)
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func validateRequest(req *http.Request) error {
	if req == nil || req.Method == "" || req.URL == nil || req.URL.Host == "" || req.URL.Scheme == "" {
		return ErrInvalidRequest
	}
	return nil
}

// cloneRequest copies req for one attempt, rewinding the body so retries
// send the same payload.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("%w: request body cannot be replayed (GetBody is nil)", ErrInvalidRequest)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	out.Body = body
	return out, nil
}
