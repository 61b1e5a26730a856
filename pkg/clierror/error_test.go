package clierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
	"github.com/gobeyondidentity/dpopclient/pkg/oauth"
	"github.com/gobeyondidentity/dpopclient/pkg/securestore"
)

func TestExitCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		got      int
		expected int
	}{
		{"ExitSuccess", ExitSuccess, 0},
		{"ExitGeneral", ExitGeneral, 1},
		{"ExitAuth", ExitAuth, 2},
		{"ExitKey", ExitKey, 3},
		{"ExitNotFound", ExitNotFound, 4},
		{"ExitUsage", ExitUsage, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestCLIError_Error(t *testing.T) {
	t.Parallel()
	err := &CLIError{Code: CodeKeyNotFound, Message: "no key stored for account 'alice'"}

	if err.Error() != "no key stored for account 'alice'" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestConstructors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       *CLIError
		code      string
		exit      int
		retryable bool
		contains  string
		hasHint   bool
	}{
		{"NoTokens", NoTokens("alice"), CodeNoTokens, ExitAuth, false, "alice", true},
		{"TokenRefreshFailed", TokenRefreshFailed(errors.New("invalid_grant")), CodeTokenRefreshFailed, ExitAuth, true, "invalid_grant", true},
		{"InvalidJWK", InvalidJWK(dpop.ErrInvalidJWK), CodeInvalidJWK, ExitKey, false, "invalid key", true},
		{"KeyMismatch", KeyMismatch(), CodeKeyMismatch, ExitKey, false, "do not match", true},
		{"CorruptKey", CorruptKey("bob"), CodeCorruptKey, ExitKey, false, "bob", true},
		{"KeyNotFound", KeyNotFound("carol"), CodeKeyNotFound, ExitNotFound, false, "carol", true},
		{"InvalidRequest", InvalidRequest("missing URL"), CodeInvalidRequest, ExitUsage, false, "missing URL", false},
		{"InvalidConfig", InvalidConfig("unknown backend"), CodeInvalidConfig, ExitUsage, false, "unknown backend", true},
		{"ConnectionFailed", ConnectionFailed("api.example.com:443"), CodeConnectionFailed, ExitGeneral, true, "api.example.com:443", true},
		{"RequestFailed5xx", RequestFailed(503), CodeRequestFailed, ExitGeneral, true, "503", false},
		{"RequestFailed4xx", RequestFailed(404), CodeRequestFailed, ExitGeneral, false, "404", false},
		{"InternalError", InternalError(errors.New("boom")), CodeInternalError, ExitGeneral, false, "boom", false},
		{"InternalErrorNil", InternalError(nil), CodeInternalError, ExitGeneral, false, "unexpected", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.ExitCode != tt.exit {
				t.Errorf("ExitCode = %d, want %d", tt.err.ExitCode, tt.exit)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if !strings.Contains(tt.err.Message, tt.contains) {
				t.Errorf("Message %q should contain %q", tt.err.Message, tt.contains)
			}
			if (tt.err.Hint != "") != tt.hasHint {
				t.Errorf("Hint = %q, hasHint want %v", tt.err.Hint, tt.hasHint)
			}
		})
	}
}

func TestAuthFailed(t *testing.T) {
	t.Parallel()

	reauth := AuthFailed(&dpop.AuthError{StatusCode: 401, Code: "invalid_token"})
	if reauth.Retryable {
		t.Error("invalid_token should not be retryable")
	}
	if reauth.Hint == "" {
		t.Error("invalid_token should carry a sign-in hint")
	}

	replay := AuthFailed(&dpop.AuthError{StatusCode: 401, Code: dpop.ErrCodeReplay})
	if !replay.Retryable {
		t.Error("replay should be retryable")
	}
	if replay.ExitCode != ExitAuth {
		t.Errorf("ExitCode = %d, want %d", replay.ExitCode, ExitAuth)
	}
}

func TestStorageError(t *testing.T) {
	t.Parallel()

	perm := StorageError(fmt.Errorf("open key: %w", securestore.ErrInsecurePermissions))
	if perm.Retryable {
		t.Error("permission errors should not be retryable")
	}
	if !strings.Contains(perm.Hint, "chmod 600") {
		t.Errorf("Hint = %q, want chmod advice", perm.Hint)
	}

	other := StorageError(errors.New("disk full"))
	if !other.Retryable || other.Hint != "" {
		t.Errorf("unexpected generic storage error: %+v", other)
	}
}

func TestFromError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code string
		exit int
	}{
		{"no tokens", dpop.ErrNoTokens, CodeNoTokens, ExitAuth},
		{"refresh failed", fmt.Errorf("%w: %v", dpop.ErrTokenRefreshFailed, "invalid_grant"), CodeTokenRefreshFailed, ExitAuth},
		{"no refresh token", oauth.ErrNoRefreshToken, CodeTokenRefreshFailed, ExitAuth},
		{"token endpoint error", &oauth.TokenEndpointError{StatusCode: 400, Code: "invalid_grant"}, CodeTokenRefreshFailed, ExitAuth},
		{"no token endpoint", oauth.ErrNoTokenEndpoint, CodeInvalidConfig, ExitUsage},
		{"key mismatch", fmt.Errorf("import: %w", dpop.ErrKeyMismatch), CodeKeyMismatch, ExitKey},
		{"invalid jwk", dpop.ErrInvalidJWK, CodeInvalidJWK, ExitKey},
		{"invalid jwk data", dpop.ErrInvalidJWKData, CodeInvalidJWK, ExitKey},
		{"corrupt key", dpop.ErrCorruptKey, CodeCorruptKey, ExitKey},
		{"invalid request", dpop.ErrInvalidRequest, CodeInvalidRequest, ExitUsage},
		{"missing account", dpop.ErrAccountRequired, CodeInvalidRequest, ExitUsage},
		{"not found", securestore.ErrNotFound, CodeKeyNotFound, ExitNotFound},
		{"insecure perms", securestore.ErrInsecurePermissions, CodeStorageError, ExitGeneral},
		{"cancelled", context.Canceled, CodeCancelled, ExitGeneral},
		{"deadline", fmt.Errorf("request: %w", context.DeadlineExceeded), CodeCancelled, ExitGeneral},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, CodeConnectionFailed, ExitGeneral},
		{"unknown", errors.New("something odd"), CodeInternalError, ExitGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got.Code != tt.code {
				t.Errorf("Code = %q, want %q", got.Code, tt.code)
			}
			if got.ExitCode != tt.exit {
				t.Errorf("ExitCode = %d, want %d", got.ExitCode, tt.exit)
			}
		})
	}
}

func TestFromError_PassesThrough(t *testing.T) {
	t.Parallel()

	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}

	original := NoTokens("alice")
	if got := FromError(fmt.Errorf("wrapped: %w", original)); got != original {
		t.Errorf("FromError should unwrap to the original CLIError, got %+v", got)
	}
}

func TestFormatError_JSON(t *testing.T) {
	t.Parallel()
	err := &CLIError{
		Code:      CodeKeyMismatch,
		Message:   "public key coordinates do not match the private key",
		Hint:      "check the export",
		Retryable: false,
		ExitCode:  ExitKey,
	}

	output := FormatError(err, "json")

	var parsed map[string]any
	if jsonErr := json.Unmarshal([]byte(output), &parsed); jsonErr != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", jsonErr, output)
	}
	if parsed["code"] != CodeKeyMismatch {
		t.Errorf("code = %v", parsed["code"])
	}
	if parsed["hint"] != "check the export" {
		t.Errorf("hint = %v", parsed["hint"])
	}
	if parsed["retryable"] != false {
		t.Errorf("retryable = %v", parsed["retryable"])
	}
	if _, ok := parsed["ExitCode"]; ok {
		t.Error("exit code must not be serialized")
	}
}

func TestFormatError_JSONOmitsEmptyHint(t *testing.T) {
	t.Parallel()
	output := FormatError(&CLIError{Code: CodeInternalError, Message: "x"}, "json")
	if strings.Contains(output, "hint") {
		t.Errorf("empty hint should be omitted: %s", output)
	}
}

func TestFormatError_Table(t *testing.T) {
	t.Parallel()
	err := NoTokens("alice")

	output := FormatError(err, "table")
	want := "Error [NO_TOKENS]: no tokens stored for account 'alice'\nHint: Store tokens with 'dpopctl token set'"
	if output != want {
		t.Errorf("FormatError = %q, want %q", output, want)
	}

	noHint := FormatError(InvalidRequest("bad"), "")
	if strings.Contains(noHint, "Hint:") {
		t.Errorf("unexpected hint line: %q", noHint)
	}
}
