// Package dpop implements DPoP (Demonstrating Proof of Possession) client
// authentication per RFC 9449.
//
// DPoP binds OAuth access tokens to a P-256 key pair held by the client, so
// a stolen token cannot be replayed without the private key.
//
// # Components
//
//   - KeyStore: one key pair per account, generated on first use, persisted
//     through securestore.Storage and cached in memory
//   - NonceCache: latest DPoP-Nonce per server host, expiring after 5 minutes
//   - ProofBuilder: ES256 proof JWTs (typ dpop+jwt, embedded jwk)
//   - Executor: token refresh, proof signing, dispatch and bounded retry on
//     nonce challenges
//
// # Proof Structure
//
// A DPoP proof is a JWT containing:
//   - jti: Unique token identifier
//   - htm: HTTP method (upper case)
//   - htu: HTTP URI without query string
//   - iat: Issued-at timestamp
//   - ath: SHA-256 of the access token (resource requests only)
//   - nonce: Latest server nonce, when one is known
//
// # Usage
//
//	nonces := dpop.NewNonceCache()
//	exec := dpop.NewExecutor(
//		dpop.Account{ID: "alice", Mode: dpop.AuthModeDPoP},
//		dpop.NewKeyStore(storage), session, dpop.HTTPTransport{},
//		dpop.WithNonceCache(nonces),
//	)
//	body, resp, err := exec.Execute(ctx, req)
//
// The package also contains the server half (Validator, AuthMiddleware,
// NonceIssuer) used by the reference resource server.
package dpop
