package clierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
	"github.com/gobeyondidentity/dpopclient/pkg/oauth"
	"github.com/gobeyondidentity/dpopclient/pkg/securestore"
)

// Exit codes.
const (
	ExitSuccess  = 0 // Operation completed successfully
	ExitGeneral  = 1 // Unknown/unhandled error
	ExitAuth     = 2 // No tokens, refresh failed, server rejected credentials
	ExitKey      = 3 // Invalid, mismatched or corrupt key material
	ExitNotFound = 4 // Resource doesn't exist
	ExitUsage    = 5 // Invalid arguments or configuration
)

// Error codes (strings) for programmatic error handling.
const (
	CodeNoTokens           = "NO_TOKENS"
	CodeTokenRefreshFailed = "TOKEN_REFRESH_FAILED"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeInvalidJWK         = "INVALID_JWK"
	CodeKeyMismatch        = "KEY_MISMATCH"
	CodeCorruptKey         = "CORRUPT_KEY"
	CodeKeyNotFound        = "KEY_NOT_FOUND"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeStorageError       = "STORAGE_ERROR"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeRequestFailed      = "REQUEST_FAILED"
	CodeCancelled          = "CANCELLED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// CLIError represents a structured error for CLI output.
type CLIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
	ExitCode  int    `json:"-"` // Not serialized, used for os.Exit
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return e.Message
}

// NoTokens creates an error for an account without stored tokens.
func NoTokens(account string) *CLIError {
	return &CLIError{
		Code:      CodeNoTokens,
		Message:   fmt.Sprintf("no tokens stored for account '%s'", account),
		Hint:      "Store tokens with 'dpopctl token set'",
		Retryable: false,
		ExitCode:  ExitAuth,
	}
}

// TokenRefreshFailed creates an error for a failed refresh.
func TokenRefreshFailed(cause error) *CLIError {
	return &CLIError{
		Code:      CodeTokenRefreshFailed,
		Message:   fmt.Sprintf("token refresh failed: %v", cause),
		Hint:      "Sign in again and store the new tokens with 'dpopctl token set'",
		Retryable: true,
		ExitCode:  ExitAuth,
	}
}

// AuthFailed creates an error for a request the server rejected.
func AuthFailed(authErr *dpop.AuthError) *CLIError {
	e := &CLIError{
		Code:      CodeAuthFailed,
		Message:   authErr.UserFriendlyMessage(),
		Retryable: !authErr.RequiresReauthentication(),
		ExitCode:  ExitAuth,
	}
	if authErr.RequiresReauthentication() {
		e.Hint = "Sign in again and store the new tokens with 'dpopctl token set'"
	}
	return e
}

// InvalidJWK creates an error for an unusable JWK.
func InvalidJWK(cause error) *CLIError {
	return &CLIError{
		Code:      CodeInvalidJWK,
		Message:   fmt.Sprintf("invalid key: %v", cause),
		Hint:      "Provide an EC P-256 private JWK with kty, crv, x, y and d",
		Retryable: false,
		ExitCode:  ExitKey,
	}
}

// KeyMismatch creates an error for a JWK whose x/y do not match d.
func KeyMismatch() *CLIError {
	return &CLIError{
		Code:      CodeKeyMismatch,
		Message:   "public key coordinates do not match the private key",
		Hint:      "Export the key again from its source; x and y must belong to d",
		Retryable: false,
		ExitCode:  ExitKey,
	}
}

// CorruptKey creates an error for stored key material that cannot be loaded.
func CorruptKey(account string) *CLIError {
	return &CLIError{
		Code:      CodeCorruptKey,
		Message:   fmt.Sprintf("stored key for account '%s' is corrupt", account),
		Hint:      "Import a known-good key with 'dpopctl key import' or remove it with 'dpopctl key delete'",
		Retryable: false,
		ExitCode:  ExitKey,
	}
}

// KeyNotFound creates an error when an account has no stored key.
func KeyNotFound(account string) *CLIError {
	return &CLIError{
		Code:      CodeKeyNotFound,
		Message:   fmt.Sprintf("no key stored for account '%s'", account),
		Hint:      "A key is generated on first use, or import one with 'dpopctl key import'",
		Retryable: false,
		ExitCode:  ExitNotFound,
	}
}

// InvalidRequest creates an error for a malformed request.
func InvalidRequest(reason string) *CLIError {
	return &CLIError{
		Code:      CodeInvalidRequest,
		Message:   fmt.Sprintf("invalid request: %s", reason),
		Retryable: false,
		ExitCode:  ExitUsage,
	}
}

// InvalidConfig creates an error for unusable configuration.
func InvalidConfig(reason string) *CLIError {
	return &CLIError{
		Code:      CodeInvalidConfig,
		Message:   fmt.Sprintf("invalid configuration: %s", reason),
		Hint:      "Check the config file and DPOPCTL_* environment variables",
		Retryable: false,
		ExitCode:  ExitUsage,
	}
}

// StorageError creates an error for secure storage failures.
func StorageError(err error) *CLIError {
	e := &CLIError{
		Code:      CodeStorageError,
		Message:   fmt.Sprintf("secure storage error: %v", err),
		Retryable: true,
		ExitCode:  ExitGeneral,
	}
	if securestore.IsPermissionError(err) {
		e.Hint = "Restrict the file to its owner (chmod 600) and retry"
		e.Retryable = false
	}
	return e
}

// ConnectionFailed creates an error for connection failures.
func ConnectionFailed(target string) *CLIError {
	return &CLIError{
		Code:      CodeConnectionFailed,
		Message:   fmt.Sprintf("failed to connect to '%s'", target),
		Hint:      "Check network connectivity and target address",
		Retryable: true,
		ExitCode:  ExitGeneral,
	}
}

// RequestFailed creates an error for a non-2xx response that is not an
// authentication failure. Server errors are retryable.
func RequestFailed(status int) *CLIError {
	return &CLIError{
		Code:      CodeRequestFailed,
		Message:   fmt.Sprintf("request failed with HTTP %d", status),
		Retryable: status >= 500,
		ExitCode:  ExitGeneral,
	}
}

// InternalError creates an error for unexpected internal errors.
func InternalError(err error) *CLIError {
	msg := "an unexpected internal error occurred"
	if err != nil {
		msg = fmt.Sprintf("internal error: %s", err.Error())
	}
	return &CLIError{
		Code:      CodeInternalError,
		Message:   msg,
		Retryable: false,
		ExitCode:  ExitGeneral,
	}
}

// FromError maps err onto a CLIError. Errors that already are CLIErrors
// are returned unchanged; unknown errors become INTERNAL_ERROR.
func FromError(err error) *CLIError {
	if err == nil {
		return nil
	}

	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}
	var tokenErr *oauth.TokenEndpointError
	var netErr *net.OpError

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &CLIError{Code: CodeCancelled, Message: err.Error(), Retryable: true, ExitCode: ExitGeneral}
	case errors.Is(err, dpop.ErrNoTokens):
		return &CLIError{
			Code:     CodeNoTokens,
			Message:  err.Error(),
			Hint:     "Store tokens with 'dpopctl token set'",
			ExitCode: ExitAuth,
		}
	case errors.Is(err, dpop.ErrTokenRefreshFailed), errors.Is(err, oauth.ErrNoRefreshToken), errors.As(err, &tokenErr):
		e := TokenRefreshFailed(err)
		e.Message = err.Error()
		return e
	case errors.Is(err, oauth.ErrNoTokenEndpoint):
		return InvalidConfig(err.Error())
	case errors.Is(err, dpop.ErrKeyMismatch):
		return KeyMismatch()
	case errors.Is(err, dpop.ErrInvalidJWK), errors.Is(err, dpop.ErrInvalidJWKData):
		return InvalidJWK(err)
	case errors.Is(err, dpop.ErrCorruptKey):
		return &CLIError{Code: CodeCorruptKey, Message: err.Error(), ExitCode: ExitKey,
			Hint: "Import a known-good key with 'dpopctl key import' or remove it with 'dpopctl key delete'"}
	case errors.Is(err, dpop.ErrInvalidRequest), errors.Is(err, dpop.ErrInvalidData), errors.Is(err, dpop.ErrAccountRequired):
		return &CLIError{Code: CodeInvalidRequest, Message: err.Error(), ExitCode: ExitUsage}
	case errors.Is(err, securestore.ErrNotFound):
		return &CLIError{Code: CodeKeyNotFound, Message: err.Error(), ExitCode: ExitNotFound}
	case errors.Is(err, securestore.ErrInsecurePermissions), errors.Is(err, securestore.ErrCiphertextTooShort):
		return StorageError(err)
	case errors.As(err, &netErr):
		target := ""
		if netErr.Addr != nil {
			target = netErr.Addr.String()
		}
		return ConnectionFailed(target)
	default:
		return InternalError(err)
	}
}

// FormatError returns the error formatted for the given output format.
// Supported formats: "json" for JSON output, anything else for human-readable table format.
func FormatError(err *CLIError, outputFormat string) string {
	if outputFormat == "json" {
		data, jsonErr := json.MarshalIndent(err, "", "  ")
		if jsonErr != nil {
			return fmt.Sprintf(`{"code":%q,"message":%q}`, err.Code, err.Message)
		}
		return string(data)
	}

	output := fmt.Sprintf("Error [%s]: %s", err.Code, err.Message)
	if err.Hint != "" {
		output += fmt.Sprintf("\nHint: %s", err.Hint)
	}
	return output
}

// PrintError prints the error to stderr in the appropriate format.
func PrintError(err *CLIError, outputFormat string) {
	fmt.Fprintln(os.Stderr, FormatError(err, outputFormat))
}
