// Package oauth keeps an account's OAuth token set in secure storage and
// refreshes it against a DPoP-bound token endpoint.
//
// Session implements dpop.TokenSessionProvider, so it plugs directly into
// dpop.Executor:
//
//	session := oauth.NewSession("alice", storage, keys,
//		oauth.WithTokenEndpoint("https://auth.example.com/token"),
//		oauth.WithClientID("dpopctl"),
//	)
//	exec := dpop.NewExecutor(account, keys, session, dpop.HTTPTransport{})
package oauth
