package dpop

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// AuthError describes a 401/403 returned by a DPoP-protected server.
type AuthError struct {
	StatusCode int
	// Code is the error code from the JSON body or the WWW-Authenticate
	// challenge (e.g. "invalid_token", "use_dpop_nonce", "dpop.replay").
	Code string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Code)
}

// UserFriendlyMessage returns a user-friendly error message.
func (e *AuthError) UserFriendlyMessage() string {
	switch e.Code {
	case "invalid_token":
		return "Authentication failed: access token rejected (sign in again)"
	case "use_dpop_nonce", ErrCodeUseNonce:
		return "Authentication failed: server kept rotating its DPoP nonce"
	case "invalid_dpop_proof", ErrCodeInvalidProof, ErrCodeInvalidSignature:
		return "Authentication failed: DPoP proof rejected"
	case ErrCodeKeyMismatch:
		return "Authentication failed: token is bound to a different key (sign in again)"
	case ErrCodeInvalidIAT:
		return clockSyncErrorMessage()
	case ErrCodeReplay:
		return "Authentication failed: proof replay detected"
	case "insufficient_scope":
		return "Access denied: token lacks the required scope"
	default:
		return fmt.Sprintf("Authentication failed: %s", e.Code)
	}
}

// RequiresReauthentication returns true if the user must sign in again
// rather than retry.
func (e *AuthError) RequiresReauthentication() bool {
	return e.Code == "invalid_token" || e.Code == ErrCodeKeyMismatch
}

// IsClockError returns true if the error suggests clock synchronization issues.
func (e *AuthError) IsClockError() bool {
	return e.Code == ErrCodeInvalidIAT
}

// clockSyncErrorMessage returns a user-friendly error message with platform-specific fix commands.
func clockSyncErrorMessage() string {
	base := "Authentication failed: system clock is out of sync"
	switch runtime.GOOS {
	case "linux":
		return base + "\nFix: sudo timedatectl set-ntp true"
	case "darwin":
		return base + "\nFix: sudo sntp -sS time.apple.com"
	case "windows":
		return base + "\nFix: w32tm /resync"
	default:
		return base + " (check NTP settings)"
	}
}

// ParseAuthError builds an AuthError from a response and its already-read
// body. Returns nil if the response is not a 401/403.
func ParseAuthError(resp *http.Response, body []byte) *AuthError {
	if resp == nil || (resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden) {
		return nil
	}

	var errorResp struct {
		Error string `json:"error"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &errorResp)
	}

	code := errorResp.Error
	if code == "" {
		code = challengeError(resp.Header.Values("WWW-Authenticate"))
	}
	if code == "" {
		code = "unknown"
	}

	return &AuthError{StatusCode: resp.StatusCode, Code: code}
}

// challengeError extracts the error parameter of a DPoP or Bearer
// WWW-Authenticate challenge.
func challengeError(challenges []string) string {
	for _, c := range challenges {
		_, params, ok := strings.Cut(c, " ")
		if !ok {
			continue
		}
		for _, p := range strings.Split(params, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && strings.EqualFold(k, "error") {
				return strings.Trim(v, `"`)
			}
		}
	}
	return ""
}
