package dpop

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/go-jose/go-jose/v4"
)

const (
	// KeyTypeEC is the JWK kty for elliptic-curve keys.
	KeyTypeEC = "EC"

	// CurveP256 is the JWK crv for NIST P-256.
	CurveP256 = "P-256"

	// coordinateSize is the byte length of a P-256 scalar or coordinate.
	coordinateSize = 32
)

// KeyPair is the P-256 signing key of one account.
type KeyPair struct {
	AccountID  string
	PrivateKey *ecdsa.PrivateKey
}

// GenerateKeyPair generates a new P-256 key pair for an account using
// crypto/rand.
func GenerateKeyPair(accountID string) (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key pair: %w", err)
	}
	return &KeyPair{AccountID: accountID, PrivateKey: priv}, nil
}

// KeyPairFromScalar reconstructs a key pair from a raw 32-byte big-endian
// private scalar. The public point is recomputed from the scalar.
func KeyPairFromScalar(accountID string, d []byte) (*KeyPair, error) {
	if len(d) != coordinateSize {
		return nil, fmt.Errorf("private scalar has wrong length %d, expected %d", len(d), coordinateSize)
	}
	ecdhKey, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private scalar: %w", err)
	}
	point := ecdhKey.PublicKey().Bytes() // 0x04 || X || Y

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(point[1 : 1+coordinateSize]),
			Y:     new(big.Int).SetBytes(point[1+coordinateSize:]),
		},
		D: new(big.Int).SetBytes(d),
	}
	return &KeyPair{AccountID: accountID, PrivateKey: priv}, nil
}

// Scalar returns the raw 32-byte big-endian private scalar. This is the
// form persisted in secure storage.
func (kp *KeyPair) Scalar() ([]byte, error) {
	k, err := kp.PrivateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert private key: %w", err)
	}
	return k.Bytes(), nil
}

// publicPoint returns the 64-byte uncompressed public point without the
// leading 0x04 marker.
func (kp *KeyPair) publicPoint() ([]byte, error) {
	pub, err := kp.PrivateKey.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}
	return pub.Bytes()[1:], nil
}

// PublicJWK returns the public key of the pair as a JWK.
//
// JWK fields:
//   - kty: "EC"
//   - crv: "P-256"
//   - x, y: the two 32-byte halves of the uncompressed point, base64url
func (kp *KeyPair) PublicJWK() (JWK, error) {
	point, err := kp.publicPoint()
	if err != nil {
		return JWK{}, err
	}
	return JWK{
		Kty: KeyTypeEC,
		Crv: CurveP256,
		X:   base64URLEncode(point[:coordinateSize]),
		Y:   base64URLEncode(point[coordinateSize:]),
	}, nil
}

// PrivateJWK returns the key pair as a JWK including the private scalar d.
func (kp *KeyPair) PrivateJWK() (JWK, error) {
	jwk, err := kp.PublicJWK()
	if err != nil {
		return JWK{}, err
	}
	d, err := kp.Scalar()
	if err != nil {
		return JWK{}, err
	}
	jwk.D = base64URLEncode(d)
	return jwk, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of the public key,
// base64url-encoded. Servers use it as the jkt token binding.
func (kp *KeyPair) Thumbprint() (string, error) {
	return jwkThumbprint(kp.PrivateKey.Public())
}

func jwkThumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute jwk thumbprint: %w", err)
	}
	return base64URLEncode(sum), nil
}

// KeyPairFromJWK validates a private EC JWK and reconstructs its key pair.
//
// Returns an error if:
//   - kty is not "EC" or crv is not "P-256" (ErrInvalidJWK)
//   - d, x or y is not valid base64url or has the wrong length (ErrInvalidJWKData)
//   - the public point recomputed from d differs from x/y (ErrKeyMismatch)
func KeyPairFromJWK(accountID string, jwk JWK) (*KeyPair, error) {
	if jwk.Kty != KeyTypeEC || jwk.Crv != CurveP256 {
		return nil, fmt.Errorf("%w: got kty %q crv %q", ErrInvalidJWK, jwk.Kty, jwk.Crv)
	}

	d, err := decodeCoordinate("d", jwk.D)
	if err != nil {
		return nil, err
	}
	x, err := decodeCoordinate("x", jwk.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoordinate("y", jwk.Y)
	if err != nil {
		return nil, err
	}

	kp, err := KeyPairFromScalar(accountID, d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJWKData, err)
	}

	point, err := kp.publicPoint()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(point[:coordinateSize], x) || !bytes.Equal(point[coordinateSize:], y) {
		return nil, ErrKeyMismatch
	}
	return kp, nil
}

// JWKToPublicKey converts a public EC JWK to an ECDSA public key, checking
// that the point lies on P-256.
func JWKToPublicKey(jwk JWK) (*ecdsa.PublicKey, error) {
	if jwk.Kty != KeyTypeEC || jwk.Crv != CurveP256 {
		return nil, fmt.Errorf("%w: got kty %q crv %q", ErrInvalidJWK, jwk.Kty, jwk.Crv)
	}
	x, err := decodeCoordinate("x", jwk.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoordinate("y", jwk.Y)
	if err != nil {
		return nil, err
	}

	uncompressed := append([]byte{0x04}, append(x, y...)...)
	if _, err := ecdh.P256().NewPublicKey(uncompressed); err != nil {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidJWKData)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

func decodeCoordinate(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: %s is missing", ErrInvalidJWKData, name)
	}
	b, err := base64URLDecode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s", ErrInvalidJWKData, name)
	}
	if len(b) != coordinateSize {
		return nil, fmt.Errorf("%w: %s has wrong length %d, expected %d", ErrInvalidJWKData, name, len(b), coordinateSize)
	}
	return b, nil
}

// base64URLEncode encodes data using base64url encoding without padding.
func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// base64URLDecode decodes base64url encoded data.
func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
