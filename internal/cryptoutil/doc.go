// Package cryptoutil provides cryptographic verification primitives
// for policy document integrity.
//
// It supports:
//   - KMS-backed signature verification (ECDSA P-256/P-384, RSA-PSS with optional PKCS1v15 fallback)
//   - Constant-time hash comparison to prevent timing side-channels
//   - SHA-256 hashing utilities
package cryptoutil
