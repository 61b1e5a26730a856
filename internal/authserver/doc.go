// Package authserver is a minimal DPoP-aware OAuth token endpoint used by
// dpopd and by client integration tests.
//
// It supports the refresh_token grant only. Access tokens are ES256 JWTs
// whose cnf.jkt claim carries the thumbprint of the client's DPoP key
// (RFC 9449 section 6.1); Issuer.Bind checks that claim for the resource
// server's AuthMiddleware. Refresh tokens are bound to the key that first
// redeems them and rotate on every use.
package authserver
