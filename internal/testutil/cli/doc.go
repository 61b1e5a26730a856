// Package cli provides test helpers for cobra commands.
//
// Run executes a command with captured stdout and stderr:
//
//	result := cli.Run(rootCmd, "key", "show", "-o", "json")
//	result.AssertSuccess(t)
//	result.AssertContains(t, `"kty": "EC"`)
//
// Isolate points the XDG config and data directories at a temp dir so a
// command never touches the developer's real configuration:
//
//	home := cli.Isolate(t, "dpopctl")
//	cli.WriteConfig(t, home, "dpopctl", "account: alice\n")
package cli
