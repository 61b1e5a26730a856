package dpop

import (
	"errors"
	"fmt"
)

// Key errors.
var (
	// ErrInvalidJWK indicates a JWK with the wrong kty or crv.
	ErrInvalidJWK = errors.New("invalid jwk: expected kty EC and crv P-256")

	// ErrInvalidJWKData indicates a JWK member that is not valid base64url or
	// does not decode to a usable P-256 value.
	ErrInvalidJWKData = errors.New("invalid jwk data")

	// ErrKeyMismatch indicates the imported public coordinates do not belong
	// to the imported private scalar.
	ErrKeyMismatch = errors.New("jwk public key does not match private key")

	// ErrAccountRequired indicates a key store call without an account id.
	ErrAccountRequired = errors.New("account id is required")

	// ErrCorruptKey indicates stored key bytes that are not a valid P-256 scalar.
	// The stored value is left in place.
	ErrCorruptKey = errors.New("stored key is corrupt")

	// ErrSigningFailed indicates the signing primitive failed.
	ErrSigningFailed = errors.New("dpop proof signing failed")

	// ErrInvalidData indicates proof input that cannot be encoded (non-UTF-8).
	ErrInvalidData = errors.New("invalid proof input: not valid UTF-8")
)

// Session errors.
var (
	// ErrNoTokens indicates the account has no token set.
	ErrNoTokens = errors.New("no tokens available for account")

	// ErrTokenRefreshFailed indicates the token session could not refresh.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// Request errors.
var (
	// ErrInvalidRequest indicates a request without a method or target URL.
	ErrInvalidRequest = errors.New("invalid request: method and absolute URL required")
)

// Replay-cache errors.
var (
	// ErrReplay indicates a JTI has already been used and this is a replay attempt.
	ErrReplay = errors.New("jti replay detected")

	// ErrInvalidJTI indicates the JTI is empty or otherwise invalid.
	ErrInvalidJTI = errors.New("invalid jti: must be non-empty")

	// ErrJTITooLong indicates the JTI exceeds the maximum allowed length.
	ErrJTITooLong = errors.New("jti too long: maximum 1024 bytes")

	// ErrCacheFull indicates the cache has reached its maximum entry count.
	ErrCacheFull = errors.New("jti cache full: maximum entries reached")
)

// Error codes returned by the server-side validator and middleware.
const (
	ErrCodeMissingProof     = "dpop.missing_proof"
	ErrCodeInvalidProof     = "dpop.invalid_proof"
	ErrCodeInvalidSignature = "dpop.invalid_signature"
	ErrCodeInvalidIAT       = "dpop.invalid_iat"
	ErrCodeMethodMismatch   = "dpop.method_mismatch"
	ErrCodeURIMismatch      = "dpop.uri_mismatch"
	ErrCodeReplay           = "dpop.replay"
	ErrCodeATHMismatch      = "dpop.ath_mismatch"
	ErrCodeUseNonce         = "dpop.use_nonce"
	ErrCodeKeyMismatch      = "dpop.key_mismatch"
)

// DPoPError is a proof validation failure carrying a stable code.
type DPoPError struct {
	Code    string
	Message string
}

func (e *DPoPError) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches another *DPoPError with the same code.
func (e *DPoPError) Is(target error) bool {
	t, ok := target.(*DPoPError)
	return ok && t.Code == e.Code
}

// ErrMissingProof returns the error for a request without a DPoP header.
func ErrMissingProof() *DPoPError {
	return &DPoPError{Code: ErrCodeMissingProof, Message: "no DPoP header in request"}
}

// ErrInvalidProof returns a malformed-proof error with the given reason.
func ErrInvalidProof(reason string) *DPoPError {
	return &DPoPError{Code: ErrCodeInvalidProof, Message: reason}
}

// ErrInvalidSignature returns the error for a proof whose signature does not verify.
func ErrInvalidSignature() *DPoPError {
	return &DPoPError{Code: ErrCodeInvalidSignature, Message: "signature verification failed"}
}

// ErrInvalidIAT returns the error for a proof outside the accepted time window.
func ErrInvalidIAT(age, maxAge int64) *DPoPError {
	return &DPoPError{
		Code:    ErrCodeInvalidIAT,
		Message: fmt.Sprintf("proof age %ds outside window of %ds", age, maxAge),
	}
}

// ErrMethodMismatch returns the error for an htm claim that differs from the request.
func ErrMethodMismatch(got, want string) *DPoPError {
	return &DPoPError{
		Code:    ErrCodeMethodMismatch,
		Message: fmt.Sprintf("htm %q does not match request method %q", got, want),
	}
}

// ErrURIMismatch returns the error for an htu claim that differs from the request.
func ErrURIMismatch(got, want string) *DPoPError {
	return &DPoPError{
		Code:    ErrCodeURIMismatch,
		Message: fmt.Sprintf("htu %q does not match request uri %q", got, want),
	}
}

// ErrProofReplay returns the error for a reused jti.
func ErrProofReplay(jti string) *DPoPError {
	return &DPoPError{Code: ErrCodeReplay, Message: fmt.Sprintf("jti %q already used", sanitizeForLog(jti))}
}

// ErrATHMismatch returns the error for a missing or wrong access token hash.
func ErrATHMismatch() *DPoPError {
	return &DPoPError{Code: ErrCodeATHMismatch, Message: "ath does not match access token"}
}

// ErrUseNonce returns the error for a proof without the current server nonce.
func ErrUseNonce() *DPoPError {
	return &DPoPError{Code: ErrCodeUseNonce, Message: "proof must carry the current server nonce"}
}

// ErrBoundKeyMismatch returns the error for a token bound to a different key.
func ErrBoundKeyMismatch() *DPoPError {
	return &DPoPError{Code: ErrCodeKeyMismatch, Message: "access token is bound to a different key"}
}
