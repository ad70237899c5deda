// Package keys provides node identities and encryption keypairs.
//
// Stable:
//   - PublicKey, Signer, Verify and the deterministic seed derivation.
//
// Experimental:
//   - FileKeychain. It is a local-first utility; the on-disk layout may change.
package keys
