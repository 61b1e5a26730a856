package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"strings"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	t.Log("Generating a P-256 key pair")
	kp, err := GenerateKeyPair("alice")
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if kp.AccountID != "alice" {
		t.Errorf("AccountID = %q, want alice", kp.AccountID)
	}
	if kp.PrivateKey.Curve != elliptic.P256() {
		t.Error("key is not on P-256")
	}

	d, err := kp.Scalar()
	if err != nil {
		t.Fatalf("Scalar failed: %v", err)
	}
	if len(d) != 32 {
		t.Errorf("scalar length = %d, want 32", len(d))
	}
}

func TestGenerateKeyPair_Unique(t *testing.T) {
	a, _ := GenerateKeyPair("a")
	b, _ := GenerateKeyPair("a")
	if a.PrivateKey.D.Cmp(b.PrivateKey.D) == 0 {
		t.Error("two generated keys share a scalar")
	}
}

func TestKeyPairFromScalar_RecomputesPublicPoint(t *testing.T) {
	orig, _ := GenerateKeyPair("alice")
	d, _ := orig.Scalar()

	t.Log("Rebuilding the key pair from its raw scalar")
	rebuilt, err := KeyPairFromScalar("alice", d)
	if err != nil {
		t.Fatalf("KeyPairFromScalar failed: %v", err)
	}
	if !orig.PrivateKey.PublicKey.Equal(&rebuilt.PrivateKey.PublicKey) {
		t.Error("recomputed public key differs from original")
	}
}

func TestKeyPairFromScalar_Invalid(t *testing.T) {
	tests := []struct {
		name string
		d    []byte
	}{
		{"empty", nil},
		{"short", make([]byte, 31)},
		{"long", make([]byte, 33)},
		{"zero scalar", make([]byte, 32)},
		{"scalar above order", []byte(strings.Repeat("\xff", 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := KeyPairFromScalar("alice", tt.d); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPublicJWK(t *testing.T) {
	kp, _ := GenerateKeyPair("alice")
	jwk, err := kp.PublicJWK()
	if err != nil {
		t.Fatalf("PublicJWK failed: %v", err)
	}

	if jwk.Kty != "EC" || jwk.Crv != "P-256" {
		t.Errorf("unexpected kty/crv %q/%q", jwk.Kty, jwk.Crv)
	}
	if jwk.D != "" {
		t.Error("public JWK must not carry d")
	}

	t.Log("Checking x and y are the padded 32-byte coordinates")
	x, err := base64URLDecode(jwk.X)
	if err != nil || len(x) != 32 {
		t.Errorf("x: len=%d err=%v", len(x), err)
	}
	y, err := base64URLDecode(jwk.Y)
	if err != nil || len(y) != 32 {
		t.Errorf("y: len=%d err=%v", len(y), err)
	}

	pub, err := JWKToPublicKey(jwk)
	if err != nil {
		t.Fatalf("JWKToPublicKey failed: %v", err)
	}
	if !pub.Equal(&kp.PrivateKey.PublicKey) {
		t.Error("JWK does not decode back to the same public key")
	}
}

func TestKeyPairFromJWK_RoundTrip(t *testing.T) {
	orig, _ := GenerateKeyPair("alice")
	jwk, err := orig.PrivateJWK()
	if err != nil {
		t.Fatalf("PrivateJWK failed: %v", err)
	}

	t.Log("Importing the exported private JWK")
	kp, err := KeyPairFromJWK("bob", jwk)
	if err != nil {
		t.Fatalf("KeyPairFromJWK failed: %v", err)
	}
	if kp.AccountID != "bob" {
		t.Errorf("AccountID = %q, want bob", kp.AccountID)
	}
	if !orig.PrivateKey.Equal(kp.PrivateKey) {
		t.Error("imported private key differs")
	}

	again, _ := kp.PublicJWK()
	if again.X != jwk.X || again.Y != jwk.Y {
		t.Error("public coordinates changed across import")
	}
}

func TestKeyPairFromJWK_Errors(t *testing.T) {
	kp, _ := GenerateKeyPair("alice")
	good, _ := kp.PrivateJWK()
	other, _ := GenerateKeyPair("other")
	otherJWK, _ := other.PublicJWK()

	tests := []struct {
		name    string
		mutate  func(j *JWK)
		wantErr error
	}{
		{"wrong kty", func(j *JWK) { j.Kty = "RSA" }, ErrInvalidJWK},
		{"wrong crv", func(j *JWK) { j.Crv = "P-384" }, ErrInvalidJWK},
		{"missing d", func(j *JWK) { j.D = "" }, ErrInvalidJWKData},
		{"bad base64 d", func(j *JWK) { j.D = "!!!" }, ErrInvalidJWKData},
		{"padded base64 x", func(j *JWK) { j.X += "=" }, ErrInvalidJWKData},
		{"short y", func(j *JWK) { j.Y = base64URLEncode(make([]byte, 31)) }, ErrInvalidJWKData},
		{"zero d", func(j *JWK) { j.D = base64URLEncode(make([]byte, 32)) }, ErrInvalidJWKData},
		{"x from another key", func(j *JWK) { j.X = otherJWK.X }, ErrKeyMismatch},
		{"swapped coordinates", func(j *JWK) { j.X, j.Y = j.Y, j.X }, ErrKeyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jwk := good
			tt.mutate(&jwk)
			_, err := KeyPairFromJWK("alice", jwk)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			if !IsKeyError(err) {
				t.Errorf("IsKeyError(%v) = false", err)
			}
		})
	}
}

func TestJWKToPublicKey_RejectsOffCurvePoint(t *testing.T) {
	kp, _ := GenerateKeyPair("alice")
	jwk, _ := kp.PublicJWK()

	y, _ := base64URLDecode(jwk.Y)
	y[31] ^= 0x01
	jwk.Y = base64URLEncode(y)

	if _, err := JWKToPublicKey(jwk); !errors.Is(err, ErrInvalidJWKData) {
		t.Errorf("expected ErrInvalidJWKData for off-curve point, got %v", err)
	}
}

func TestThumbprint(t *testing.T) {
	kp, _ := GenerateKeyPair("alice")

	tp1, err := kp.Thumbprint()
	if err != nil {
		t.Fatalf("Thumbprint failed: %v", err)
	}
	tp2, _ := kp.Thumbprint()
	if tp1 != tp2 {
		t.Error("thumbprint is not deterministic")
	}

	raw, err := base64URLDecode(tp1)
	if err != nil || len(raw) != 32 {
		t.Errorf("thumbprint should be base64url SHA-256, got len=%d err=%v", len(raw), err)
	}

	other, _ := GenerateKeyPair("alice")
	tp3, _ := other.Thumbprint()
	if tp1 == tp3 {
		t.Error("different keys share a thumbprint")
	}

	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: kp.PrivateKey.X, Y: kp.PrivateKey.Y}
	viaPub, _ := jwkThumbprint(pub)
	if viaPub != tp1 {
		t.Error("thumbprint of public key differs from key pair thumbprint")
	}
}
