// Package securestore provides secret storage backends for DPoP key
// material and OAuth token sets.
//
// Every backend implements Storage, a narrow get/set/delete contract keyed
// by strings such as "dpop.key.<account>". Backends guarantee atomicity of a
// single Get, Set or Delete and nothing more; callers that need
// read-modify-write consistency must serialize themselves.
//
// # Backends
//
//   - Memory: process-local map, for tests and ephemeral sessions
//   - File: one owner-only file per key under a directory
//   - SQLite: AES-256-GCM encrypted values in a local database
//   - Redis: shared store for multi-process deployments
//   - AWSSecrets: AWS Secrets Manager, one secret per key
package securestore
