// Package policy manages the lifecycle of rate limit policy documents.
//
// A policy document is a small signed JSON file declaring the named limiters
// the service runs: each limiter's window, table bound, and default
// allowance. Documents are published to S3, their SHA-256 advertised in an
// SSM parameter, and their detached signature verified against a KMS signing
// key before anything is applied.
//
// The core components are:
//   - [Loader]: downloads and verifies policy documents from S3/SSM
//   - [Manager]: stores the active policy snapshot using atomic.Pointer for lock-free reads
//   - [Watcher]: polls SSM for hash changes and hot-swaps documents into the Manager
//   - [Default]: the embedded seed policy the service always boots from
//
// Remote policy is an upgrade, not a dependency: when S3/SSM are not
// configured the service runs the seed document indefinitely.
package policy
