// Package clierror provides structured error handling for CLI commands.
//
// CLI errors carry a stable code, an exit code, a user-facing message and
// an optional hint. FromError maps DPoP and storage errors onto them so
// every command reports failures the same way.
//
// # Usage
//
//	if err != nil {
//	    return clierror.FromError(err)
//	}
package clierror
