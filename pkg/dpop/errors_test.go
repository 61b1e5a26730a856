package dpop

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDPoPError_Is(t *testing.T) {
	err := fmt.Errorf("validate: %w", ErrMethodMismatch("GET", "POST"))

	if !errors.Is(err, &DPoPError{Code: ErrCodeMethodMismatch}) {
		t.Error("wrapped error does not match its code")
	}
	if errors.Is(err, &DPoPError{Code: ErrCodeURIMismatch}) {
		t.Error("error matched a different code")
	}

	var dErr *DPoPError
	if !errors.As(err, &dErr) || dErr.Code != ErrCodeMethodMismatch {
		t.Errorf("errors.As failed: %v", dErr)
	}
}

func TestDPoPError_Messages(t *testing.T) {
	tests := []struct {
		err      *DPoPError
		code     string
		contains string
	}{
		{ErrMissingProof(), ErrCodeMissingProof, "no DPoP header"},
		{ErrInvalidProof("bad typ"), ErrCodeInvalidProof, "bad typ"},
		{ErrInvalidSignature(), ErrCodeInvalidSignature, "signature"},
		{ErrInvalidIAT(90, 60), ErrCodeInvalidIAT, "90s"},
		{ErrMethodMismatch("GET", "POST"), ErrCodeMethodMismatch, `"POST"`},
		{ErrURIMismatch("https://a/", "https://b/"), ErrCodeURIMismatch, "https://b/"},
		{ErrProofReplay("j\n1"), ErrCodeReplay, `"j1"`},
		{ErrATHMismatch(), ErrCodeATHMismatch, "ath"},
		{ErrUseNonce(), ErrCodeUseNonce, "nonce"},
		{ErrBoundKeyMismatch(), ErrCodeKeyMismatch, "different key"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("code = %s, want %s", tt.err.Code, tt.code)
			}
			if !strings.HasPrefix(tt.err.Error(), tt.code+": ") {
				t.Errorf("Error() = %q should start with the code", tt.err.Error())
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("Error() = %q should contain %q", tt.err.Error(), tt.contains)
			}
		})
	}
}

func TestIsKeyError(t *testing.T) {
	for _, err := range []error{ErrInvalidJWK, ErrInvalidJWKData, ErrKeyMismatch, fmt.Errorf("x: %w", ErrCorruptKey)} {
		if !IsKeyError(err) {
			t.Errorf("IsKeyError(%v) = false", err)
		}
	}
	for _, err := range []error{nil, ErrNoTokens, ErrSigningFailed, errors.New("other")} {
		if IsKeyError(err) {
			t.Errorf("IsKeyError(%v) = true", err)
		}
	}
}
