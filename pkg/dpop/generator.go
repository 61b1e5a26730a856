package dpop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// ProofBuilder creates DPoP proofs for outgoing requests. The nonce for
// the target host is taken from the NonceCache at build time.
type ProofBuilder struct {
	nonces *NonceCache
	now    func() time.Time
	newJTI func() string
}

// ProofBuilderOption configures a ProofBuilder.
type ProofBuilderOption func(*ProofBuilder)

// WithProofClock sets the time source for iat. Intended for tests.
func WithProofClock(now func() time.Time) ProofBuilderOption {
	return func(b *ProofBuilder) {
		b.now = now
	}
}

// NewProofBuilder creates a proof builder that reads nonces from nonces.
// A nil cache means proofs never carry a nonce.
func NewProofBuilder(nonces *NonceCache, opts ...ProofBuilderOption) *ProofBuilder {
	b := &ProofBuilder{
		nonces: nonces,
		now:    time.Now,
		newJTI: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates a signed DPoP proof JWT for a request.
//
// Per RFC 9449 the proof contains:
//   - Header: typ="dpop+jwt", alg="ES256", jwk (public key of kp)
//   - Payload: jti, htm (upper-cased method), htu (target without query or
//     fragment), iat, plus ath when accessToken is non-empty and nonce when
//     the cache holds one for the target host
//
// Returns base64url(header).base64url(payload).base64url(r||s).
func (b *ProofBuilder) Build(kp *KeyPair, method, target, accessToken string) (string, error) {
	if kp == nil || kp.PrivateKey == nil {
		return "", fmt.Errorf("%w: key pair is required", ErrSigningFailed)
	}
	if method == "" || target == "" {
		return "", ErrInvalidRequest
	}
	if !utf8.ValidString(method) || !utf8.ValidString(target) || !utf8.ValidString(accessToken) {
		return "", ErrInvalidData
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidRequest, target)
	}
	htu, err := NormalizeURI(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	claims := Claims{
		JTI: b.newJTI(),
		HTM: strings.ToUpper(method),
		HTU: htu,
		IAT: b.now().Unix(),
	}
	if accessToken != "" {
		claims.ATH = AccessTokenHash(accessToken)
	}
	if b.nonces != nil {
		if nonce, ok := b.nonces.Get(HostKey(parsed)); ok {
			if !utf8.ValidString(nonce) {
				return "", ErrInvalidData
			}
			claims.Nonce = nonce
		}
	}

	return signProof(kp, claims)
}

// BuildForRequest creates a proof for req. The htu is derived from the
// request URL, never from the Host header.
func (b *ProofBuilder) BuildForRequest(kp *KeyPair, req *http.Request, accessToken string) (string, error) {
	if req == nil || req.URL == nil {
		return "", ErrInvalidRequest
	}
	return b.Build(kp, req.Method, req.URL.String(), accessToken)
}

func signProof(kp *KeyPair, claims Claims) (string, error) {
	jwk := jose.JSONWebKey{Key: &kp.PrivateKey.PublicKey}
	signerOpts := (&jose.SignerOptions{}).
		WithType(TypeDPoP).
		WithHeader("jwk", jwk)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: kp.PrivateKey}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("%w: create signer: %v", ErrSigningFailed, err)
	}

	proof, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("%w: serialize proof: %v", ErrSigningFailed, err)
	}
	return proof, nil
}

// AccessTokenHash returns the ath claim value for a token:
// base64url(SHA-256(token)) without padding.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64URLEncode(sum[:])
}

// NormalizeURI normalizes a URI per RFC 9449 Section 4.2:
//   - Lowercase scheme and host
//   - Keep path exactly as-is
//   - Remove query string and fragment
//   - Remove default port (443 for https, 80 for http)
//
// Returns an error if the URI is empty or missing scheme/host.
func NormalizeURI(rawURI string) (string, error) {
	if rawURI == "" {
		return "", ErrInvalidProof("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", ErrInvalidProof("URL must have scheme and host")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	port := parsed.Port()
	if port != "" {
		isDefaultPort := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
		if !isDefaultPort {
			host = host + ":" + port
		}
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}

// ParseProof parses a DPoP proof JWT and returns its components without
// verifying the signature. This is useful for testing and debugging.
func ParseProof(proof string) (header, payload map[string]any, signature []byte, err error) {
	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("invalid JWT: expected 3 parts, got %d", len(parts))
	}

	headerBytes, err := base64URLDecode(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal header: %w", err)
	}

	payloadBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	signature, err = base64URLDecode(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode signature: %w", err)
	}

	return header, payload, signature, nil
}
