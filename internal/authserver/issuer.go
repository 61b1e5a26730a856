package authserver

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
)

const (
	// DefaultAccessTTL is the lifetime of issued access tokens.
	DefaultAccessTTL = 15 * time.Minute

	// DefaultRefreshTTL is the lifetime of issued refresh tokens.
	DefaultRefreshTTL = 24 * time.Hour

	// DefaultIssuer is the iss claim of issued access tokens.
	DefaultIssuer = "dpopd"
)

var (
	// ErrInvalidGrant indicates an unknown, expired or mis-bound refresh token.
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrInvalidAccessToken indicates an access token that fails verification.
	ErrInvalidAccessToken = errors.New("invalid access token")
)

// Confirmation is the cnf claim of a DPoP-bound access token.
type Confirmation struct {
	JKT string `json:"jkt"`
}

// AccessClaims are the claims of an issued access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string       `json:"client_id,omitempty"`
	Cnf      Confirmation `json:"cnf"`
}

type refreshGrant struct {
	subject   string
	clientID  string
	jkt       string // empty until first redemption
	expiresAt time.Time
}

// Issuer mints access and refresh tokens.
type Issuer struct {
	signKey    *ecdsa.PrivateKey
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	grants map[string]*refreshGrant
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerName sets the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) { i.issuer = name }
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.accessTTL = ttl }
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.refreshTTL = ttl }
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) IssuerOption {
	return func(i *Issuer) { i.logger = logger }
}

// NewIssuer creates an Issuer signing with signKey (P-256).
func NewIssuer(signKey *ecdsa.PrivateKey, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		signKey:    signKey,
		issuer:     DefaultIssuer,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
		logger:     slog.Default(),
		grants:     make(map[string]*refreshGrant),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewRefreshToken registers a refresh token for subject. The token is not
// bound to a key until it is first redeemed.
func (i *Issuer) NewRefreshToken(subject, clientID string) string {
	token := "rt_" + uuid.NewString()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.grants[token] = &refreshGrant{
		subject:   subject,
		clientID:  clientID,
		expiresAt: i.now().Add(i.refreshTTL),
	}
	return token
}

// TokenResponse is the JSON body of a successful token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Redeem exchanges refreshToken, presented with a proof by the key with
// thumbprint jkt, for a new access token and a rotated refresh token.
func (i *Issuer) Redeem(refreshToken, clientID, jkt string) (*TokenResponse, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	grant, ok := i.grants[refreshToken]
	if !ok {
		return nil, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
	}
	now := i.now()
	if !now.Before(grant.expiresAt) {
		delete(i.grants, refreshToken)
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}
	if grant.clientID != "" && grant.clientID != clientID {
		return nil, fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}
	if grant.jkt != "" && grant.jkt != jkt {
		return nil, fmt.Errorf("%w: refresh token bound to another key", ErrInvalidGrant)
	}

	access, err := i.signAccessToken(grant.subject, grant.clientID, jkt, now)
	if err != nil {
		return nil, err
	}

	delete(i.grants, refreshToken)
	next := "rt_" + uuid.NewString()
	i.grants[next] = &refreshGrant{
		subject:   grant.subject,
		clientID:  grant.clientID,
		jkt:       jkt,
		expiresAt: now.Add(i.refreshTTL),
	}

	i.logger.Info("authserver.token_issued",
		"sub", grant.subject,
		"jkt", jkt,
	)
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    dpop.AuthSchemeDPoP,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
		RefreshToken: next,
	}, nil
}

func (i *Issuer) signAccessToken(subject, clientID, jkt string, now time.Time) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
		ClientID: clientID,
		Cnf:      Confirmation{JKT: jkt},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(i.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies an access token's signature, issuer and expiry.
func (i *Issuer) ParseAccessToken(tokenStr string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &i.signKey.PublicKey, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

// Bind implements dpop.TokenBinder: the token must verify and its cnf.jkt
// must equal the proof key's thumbprint.
func (i *Issuer) Bind(_ context.Context, accessToken, thumbprint string) (bool, error) {
	claims, err := i.ParseAccessToken(accessToken)
	if err != nil {
		return false, err
	}
	return claims.Cnf.JKT == thumbprint, nil
}

var _ dpop.TokenBinder = (*Issuer)(nil)
