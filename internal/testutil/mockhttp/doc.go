// Package mockhttp builds mock HTTP servers for testing DPoP clients.
//
// The builder chains handlers in order; the first handler that writes a
// response wins, and unmatched requests get the default status (404).
//
// # Nonce challenges
//
// Answer the first two requests with a 401 + DPoP-Nonce, then succeed:
//
//	server, client := mockhttp.New().
//		NonceChallenge("/api/items", "n1", "n2").
//		JSON("/api/items", items).
//		Build()
//	defer server.Close()
//
// AlwaysChallenge keeps rotating the nonce forever, which exercises a
// client's retry bound.
//
// # Request Capture
//
// Captured requests expose the Authorization and DPoP headers directly:
//
//	b := mockhttp.New().RequireDPoP().JSON("/api/items", items)
//	capture := b.Capture()
//	server, _ := b.Build()
//	// ... make requests ...
//	if got := capture.Last().Authorization; got != "DPoP "+token {
//		t.Errorf("unexpected Authorization %q", got)
//	}
//
// # Path Matching
//
// Paths support exact match and prefix match with "*" suffix.
package mockhttp
