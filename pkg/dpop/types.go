package dpop

import "time"

// Type and algorithm constants. The algorithm is fixed; it is never read
// from configuration or from an incoming header.
const (
	// TypeDPoP is the required typ header value for DPoP proofs.
	TypeDPoP = "dpop+jwt"

	// AlgES256 is the only algorithm used for DPoP proofs.
	AlgES256 = "ES256"

	// HeaderDPoP carries the proof on requests.
	HeaderDPoP = "DPoP"

	// HeaderDPoPNonce carries a server-issued nonce on responses.
	HeaderDPoPNonce = "DPoP-Nonce"

	// AuthSchemeDPoP is the Authorization scheme for DPoP-bound access tokens.
	AuthSchemeDPoP = "DPoP"
)

// Header contains the JOSE header of a DPoP proof JWT.
type Header struct {
	// Typ must be "dpop+jwt"
	Typ string `json:"typ"`

	// Alg must be "ES256"
	Alg string `json:"alg"`

	// JWK is the public key the proof was signed with.
	JWK *JWK `json:"jwk"`
}

// Claims contains the payload claims for a DPoP proof JWT.
// These claims bind the proof to a specific HTTP request.
type Claims struct {
	// JTI is a unique token identifier (UUID) for replay prevention
	JTI string `json:"jti"`

	// HTM is the upper-cased HTTP method of the request
	HTM string `json:"htm"`

	// HTU is the request URI without query string or fragment
	HTU string `json:"htu"`

	// IAT is the issued-at timestamp in Unix seconds
	IAT int64 `json:"iat"`

	// ATH is base64url(SHA-256(access token)), set only for resource requests
	ATH string `json:"ath,omitempty"`

	// Nonce is the latest server-issued nonce for the target host, if any
	Nonce string `json:"nonce,omitempty"`
}

// JWK is a JSON Web Key for an EC P-256 key. D is only populated for
// private keys (import and export); proofs never carry it.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

// Public returns a copy of the JWK without the private scalar.
func (j JWK) Public() JWK {
	j.D = ""
	return j
}

// AuthMode is the authentication mode of an account.
type AuthMode string

const (
	// AuthModeDPoP decorates every request with a DPoP-bound access token.
	AuthModeDPoP AuthMode = "dpop"

	// AuthModeBearer passes requests through untouched.
	AuthModeBearer AuthMode = "bearer"
)

// Account identifies the logical account requests are made for.
type Account struct {
	ID   string
	Mode AuthMode
}

// TokenSet is the access/refresh token pair of an account.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}
