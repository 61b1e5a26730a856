package dpop

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const (
	// maxProofSize is the maximum allowed size of a DPoP proof in bytes.
	maxProofSize = 8 * 1024
)

// ValidatorConfig contains configuration for DPoP proof validation.
type ValidatorConfig struct {
	// ClockSkew is the maximum allowed amount iat may lie in the future.
	// Default: 60 seconds
	ClockSkew time.Duration

	// MaxProofAge is the maximum age of a proof (iat in the past).
	// Default: 60 seconds
	MaxProofAge time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		ClockSkew:   60 * time.Second,
		MaxProofAge: 60 * time.Second,
	}
}

// ProofExpectations describes the request a proof must be bound to.
type ProofExpectations struct {
	Method string
	URI    string

	// AccessToken, when set, requires a matching ath claim. When empty the
	// proof must not carry ath.
	AccessToken string

	// NonceValid, when set, must accept the proof's nonce claim.
	NonceValid func(nonce string) bool
}

// ValidatedProof is the result of a successful validation.
type ValidatedProof struct {
	Claims     Claims
	JWK        JWK
	Thumbprint string
}

// Validator validates DPoP proofs that embed their public key as a jwk
// header.
type Validator struct {
	config ValidatorConfig
	now    func() time.Time
}

// NewValidator creates a new DPoP proof validator.
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config, now: time.Now}
}

// ValidateProof validates a DPoP proof against the expected request.
//
// Validation order:
//  1. Empty check (dpop.missing_proof)
//  2. Format and size: exactly 3 non-empty parts, at most 8KB
//  3. Header: typ must be "dpop+jwt", alg must be "ES256", jwk must be a
//     P-256 public key
//  4. Signature over header.payload with the embedded jwk
//  5. Required claims: jti, htm, htu, iat
//  6. htm and htu match the request
//  7. iat within MaxProofAge in the past and ClockSkew in the future
//  8. ath matches the access token (or is absent when there is none)
//  9. nonce accepted by NonceValid, if configured (dpop.use_nonce)
func (v *Validator) ValidateProof(proof string, want ProofExpectations) (*ValidatedProof, error) {
	if proof == "" {
		return nil, ErrMissingProof()
	}

	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidProof("JWT must have exactly 3 parts")
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrInvalidProof("JWT parts cannot be empty")
	}
	if len(proof) > maxProofSize {
		return nil, ErrInvalidProof("proof exceeds maximum size of 8KB")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidProof("invalid base64url encoding in header")
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidProof("invalid JSON in header")
	}
	if header.Typ != TypeDPoP {
		return nil, ErrInvalidProof("typ must be \"dpop+jwt\"")
	}
	// The verification algorithm is fixed; the header alg is only checked.
	if header.Alg != AlgES256 {
		return nil, ErrInvalidProof("alg must be \"ES256\"")
	}
	if header.JWK == nil {
		return nil, ErrInvalidProof("jwk is required in header")
	}
	if header.JWK.D != "" {
		return nil, ErrInvalidProof("jwk must not contain a private key")
	}
	publicKey, err := JWKToPublicKey(*header.JWK)
	if err != nil {
		return nil, ErrInvalidProof("jwk is not a valid P-256 public key")
	}

	payloadBytes, err := verifyES256(proof, publicKey)
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, ErrInvalidProof("invalid JSON in payload")
	}
	if claims.JTI == "" {
		return nil, ErrInvalidProof("jti claim is required")
	}
	if claims.HTM == "" {
		return nil, ErrInvalidProof("htm claim is required")
	}
	if claims.HTU == "" {
		return nil, ErrInvalidProof("htu claim is required")
	}

	if claims.HTM != strings.ToUpper(want.Method) {
		return nil, ErrMethodMismatch(claims.HTM, want.Method)
	}

	normalizedProofURI, err := NormalizeURI(claims.HTU)
	if err != nil {
		return nil, ErrInvalidProof("invalid htu URL")
	}
	normalizedRequestURI, err := NormalizeURI(want.URI)
	if err != nil {
		return nil, ErrInvalidProof("invalid request URI")
	}
	if normalizedProofURI != normalizedRequestURI {
		return nil, ErrURIMismatch(normalizedProofURI, normalizedRequestURI)
	}

	if err := v.checkIAT(claims.IAT); err != nil {
		return nil, err
	}

	if want.AccessToken != "" {
		expected := AccessTokenHash(want.AccessToken)
		if subtle.ConstantTimeCompare([]byte(claims.ATH), []byte(expected)) != 1 {
			return nil, ErrATHMismatch()
		}
	} else if claims.ATH != "" {
		return nil, ErrATHMismatch()
	}

	if want.NonceValid != nil && !want.NonceValid(claims.Nonce) {
		return nil, ErrUseNonce()
	}

	thumbprint, err := jwkThumbprint(publicKey)
	if err != nil {
		return nil, ErrInvalidProof("cannot compute jwk thumbprint")
	}

	return &ValidatedProof{Claims: claims, JWK: *header.JWK, Thumbprint: thumbprint}, nil
}

func (v *Validator) checkIAT(iat int64) error {
	if iat <= 0 {
		return ErrInvalidProof("iat must be positive")
	}
	now := v.now().Unix()
	maxAge := int64(v.config.MaxProofAge.Seconds())

	age := now - iat
	if age > maxAge {
		return ErrInvalidIAT(age, maxAge)
	}
	if iat > now+int64(v.config.ClockSkew.Seconds()) {
		return ErrInvalidIAT(-(iat - now), maxAge)
	}
	return nil
}

// verifyES256 checks the compact JWS signature with publicKey and returns
// the verified payload.
func verifyES256(proof string, publicKey *ecdsa.PublicKey) ([]byte, error) {
	jws, err := jose.ParseSigned(proof, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, ErrInvalidProof("malformed JWS")
	}
	payload, err := jws.Verify(publicKey)
	if err != nil {
		return nil, ErrInvalidSignature()
	}
	return payload, nil
}

// VerifyProof reports whether proof carries a valid ES256 signature by
// publicKey. It does not check claims.
func VerifyProof(proof string, publicKey *ecdsa.PublicKey) bool {
	_, err := verifyES256(proof, publicKey)
	return err == nil
}
