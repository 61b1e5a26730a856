// Package version provides the build version shared by dpopctl and dpopd.
package version

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the current release version.
// This is a var (not const) so ldflags -X can override it at build time.
var Version = "dev"

// String returns the version with a single 'v' prefix for display.
// Handles cases where Version already has 'v' prefix (from git tags)
// or has no prefix (dev builds, snapshots).
func String() string {
	v := strings.TrimPrefix(Version, "v")
	return "v" + v
}

// IsRelease reports whether the build carries a plain semantic version
// (no prerelease or build suffix).
func IsRelease() bool {
	v := String()
	return semver.IsValid(v) && semver.Prerelease(v) == "" && semver.Build(v) == ""
}

// Major returns the major version ("v1"), or "" for non-semver builds.
func Major() string {
	return semver.Major(String())
}

// UserAgent returns the User-Agent header value for a binary.
func UserAgent(binary string) string {
	return fmt.Sprintf("%s/%s (%s; %s)", binary, String(), runtime.GOOS, runtime.GOARCH)
}
