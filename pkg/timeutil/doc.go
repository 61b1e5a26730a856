// Package timeutil provides human-readable relative time formatting, used
// for token expiry in dpopctl output.
//
// # Usage
//
//	timeutil.Relative(time.Now().Add(-5 * time.Minute)) // "5 minutes ago"
//	timeutil.Relative(time.Now().Add(14 * time.Minute)) // "in 14 minutes"
//
// Values are truncated to the largest whole unit (second, minute, hour, day).
package timeutil
