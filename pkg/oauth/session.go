package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
	"github.com/gobeyondidentity/dpopclient/pkg/securestore"
)

const (
	// DefaultRefreshSkew is how long before expiry a token is refreshed.
	DefaultRefreshSkew = 60 * time.Second

	// errUseDPoPNonce is the token-endpoint error asking for a server nonce.
	errUseDPoPNonce = "use_dpop_nonce"

	tokenStoragePrefix = "oauth.tokens."

	// maxTokenResponseSize bounds the token endpoint body we are willing to read.
	maxTokenResponseSize = 1 << 20

	// defaultRefreshTimeout bounds a shared refresh when the HTTP client has
	// no timeout of its own.
	defaultRefreshTimeout = 30 * time.Second
)

var (
	// ErrNoRefreshToken indicates the stored token set cannot be refreshed.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrNoTokenEndpoint indicates Refresh was called on a session without
	// a token endpoint.
	ErrNoTokenEndpoint = errors.New("token endpoint not configured")
)

// TokenEndpointError is a non-success response from the token endpoint.
type TokenEndpointError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *TokenEndpointError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint returned %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Code)
}

// StorageKey returns the secure-storage key for an account's token set.
func StorageKey(accountID string) string {
	return tokenStoragePrefix + accountID
}

// Session holds the token set of one account.
type Session struct {
	accountID     string
	storage       securestore.Storage
	keys          *dpop.KeyStore
	nonces        *dpop.NonceCache
	proofs        *dpop.ProofBuilder
	tokenEndpoint string
	clientID      string
	httpClient    *http.Client
	skew          time.Duration
	now           func() time.Time
	logger        *slog.Logger

	refreshGroup singleflight.Group

	mu     sync.Mutex
	cached *dpop.TokenSet
	loaded bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTokenEndpoint sets the OAuth token endpoint used by Refresh.
func WithTokenEndpoint(endpoint string) SessionOption {
	return func(s *Session) {
		s.tokenEndpoint = endpoint
	}
}

// WithClientID sets the client_id sent with refresh requests.
func WithClientID(clientID string) SessionOption {
	return func(s *Session) {
		s.clientID = clientID
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) SessionOption {
	return func(s *Session) {
		s.httpClient = c
	}
}

// WithRefreshSkew overrides DefaultRefreshSkew.
func WithRefreshSkew(d time.Duration) SessionOption {
	return func(s *Session) {
		s.skew = d
	}
}

// WithNonceCache shares a nonce cache with the resource executor so both
// see nonces issued by the same host.
func WithNonceCache(c *dpop.NonceCache) SessionOption {
	return func(s *Session) {
		s.nonces = c
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a session for accountID. keys signs the DPoP proofs
// sent to the token endpoint.
func NewSession(accountID string, storage securestore.Storage, keys *dpop.KeyStore, opts ...SessionOption) *Session {
	s := &Session{
		accountID:  accountID,
		storage:    storage,
		keys:       keys,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		skew:       DefaultRefreshSkew,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nonces == nil {
		s.nonces = dpop.NewNonceCache()
	}
	s.proofs = dpop.NewProofBuilder(s.nonces, dpop.WithProofClock(s.now))
	return s
}

// CurrentTokens returns the stored token set, or nil if none is stored.
func (s *Session) CurrentTokens(ctx context.Context) (*dpop.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return copyTokens(s.cached), nil
	}

	data, err := s.storage.Get(ctx, StorageKey(s.accountID))
	if securestore.IsNotFound(err) {
		s.loaded = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	var ts dpop.TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("decode stored tokens: %w", err)
	}
	s.cached = &ts
	s.loaded = true
	return copyTokens(s.cached), nil
}

// NeedsRefresh reports whether ts expires within the refresh skew. A zero
// ExpiresAt means the lifetime is unknown and the token is used as-is.
func (s *Session) NeedsRefresh(ts *dpop.TokenSet) bool {
	if ts == nil || ts.ExpiresAt.IsZero() {
		return false
	}
	return !s.now().Add(s.skew).Before(ts.ExpiresAt)
}

// SetTokens stores ts as the account's token set.
func (s *Session) SetTokens(ctx context.Context, ts dpop.TokenSet) error {
	if ts.AccessToken == "" {
		return errors.New("access token is required")
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Set(ctx, StorageKey(s.accountID), data); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	s.cached = copyTokens(&ts)
	s.loaded = true
	return nil
}

// Clear removes the stored token set.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Delete(ctx, StorageKey(s.accountID)); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	s.cached = nil
	s.loaded = true
	return nil
}

// Refresh exchanges the stored refresh token for a new token set.
// Concurrent calls share one token-endpoint exchange. The exchange does not
// inherit the cancellation of whichever caller started it; a cancelled
// caller stops waiting while the others still receive the result.
func (s *Session) Refresh(ctx context.Context) error {
	ch := s.refreshGroup.DoChan(s.accountID, func() (any, error) {
		timeout := s.httpClient.Timeout
		if timeout <= 0 {
			timeout = defaultRefreshTimeout
		}
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return nil, s.refresh(shared)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (s *Session) refresh(ctx context.Context) error {
	if s.tokenEndpoint == "" {
		return ErrNoTokenEndpoint
	}
	current, err := s.CurrentTokens(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
	}
	if s.clientID != "" {
		form.Set("client_id", s.clientID)
	}

	resp, body, err := s.postToken(ctx, form)
	if err != nil {
		return err
	}
	// One retry when the endpoint demands a nonce it has just issued.
	if tokenErr := parseTokenError(resp, body); tokenErr != nil && tokenErr.Code == errUseDPoPNonce && resp.Header.Get(dpop.HeaderDPoPNonce) != "" {
		s.logger.Debug("oauth.refresh_nonce_retry", "account", s.accountID)
		resp, body, err = s.postToken(ctx, form)
		if err != nil {
			return err
		}
	}

	if tokenErr := parseTokenError(resp, body); tokenErr != nil {
		s.logger.Warn("oauth.refresh_failed",
			"account", s.accountID,
			"status", resp.StatusCode,
			"error", tokenErr.Code,
		)
		return tokenErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return errors.New("token response missing access_token")
	}

	next := dpop.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	// Servers that do not rotate refresh tokens omit the field.
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		next.ExpiresAt = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	if err := s.SetTokens(ctx, next); err != nil {
		return err
	}
	s.logger.Info("oauth.refreshed", "account", s.accountID, "expires_at", next.ExpiresAt)
	return nil
}

// postToken sends one token request with a fresh DPoP proof. The proof
// carries no ath since no access token is presented.
func (s *Session) postToken(ctx context.Context, form url.Values) (*http.Response, []byte, error) {
	kp, err := s.keys.GetOrCreateKeyPair(ctx, s.accountID)
	if err != nil {
		return nil, nil, err
	}
	proof, err := s.proofs.Build(kp, http.MethodPost, s.tokenEndpoint, "")
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(dpop.HeaderDPoP, proof)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("read token response: %w", err)
	}
	s.nonces.ExtractFromResponseFor(req.URL, resp)
	return resp, body, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

func parseTokenError(resp *http.Response, body []byte) *TokenEndpointError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &e)
	if e.Error == "" {
		// A 401 may carry the error only in its WWW-Authenticate challenge.
		if authErr := dpop.ParseAuthError(resp, body); authErr != nil && authErr.Code != "unknown" {
			e.Error = authErr.Code
		}
	}
	if e.Error == "" {
		e.Error = http.StatusText(resp.StatusCode)
	}
	return &TokenEndpointError{StatusCode: resp.StatusCode, Code: e.Error, Description: e.ErrorDescription}
}

func copyTokens(ts *dpop.TokenSet) *dpop.TokenSet {
	if ts == nil {
		return nil
	}
	c := *ts
	return &c
}

var _ dpop.TokenSessionProvider = (*Session)(nil)
