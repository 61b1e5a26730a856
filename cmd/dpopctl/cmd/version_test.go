package cmd

import (
	"testing"

	"github.com/gobeyondidentity/dpopclient/internal/version"
)

func TestVersionCommand_BasicOutput(t *testing.T) {
	// Cannot run in parallel - modifies shared global rootCmd
	t.Log("Test that version command shows current version")
	isolate(t)

	result := run(t, "version")
	result.AssertSuccess(t)
	result.AssertPrefix(t, "dpopctl version "+version.String())
}

func TestVersionCommand_JSON(t *testing.T) {
	t.Log("Test that version -o json reports version and platform")
	isolate(t)

	result := run(t, "version", "-o", "json")
	result.AssertSuccess(t)

	var info VersionInfo
	result.DecodeJSON(t, &info)
	if info.Version != version.String() {
		t.Errorf("version = %q, want %q", info.Version, version.String())
	}
	if info.Go == "" || info.Platform == "" {
		t.Errorf("missing build details: %+v", info)
	}
}

func TestVersionCommand_DevBuild(t *testing.T) {
	t.Log("Test that a dev build is labelled as such")
	isolate(t)
	original := version.Version
	version.Version = "dev"
	t.Cleanup(func() { version.Version = original })

	result := run(t, "version")
	result.AssertSuccess(t)
	result.AssertContains(t, "development build")
}
