// Package keys is a local filesystem keystore for podsign signing material.
//
// A named identity owns a 32-byte root seed. Role seeds are derived from it
// with HKDF, and both the single-signer Schnorr key and the legacy secp256k1
// site key of a seed are derived deterministically, so backing up the root
// seed backs up every key of the identity. Threshold key shares cannot be
// derived and are stored as encoded key packages next to the seeds.
//
// Layout under the store directory:
//
//	<name>/root.seed            hex root seed
//	<name>/roles/<role>.seed    hex role seeds
//	<name>/legacy.wif           imported legacy site key, overrides derivation
//	<name>/shares/<id>.share    threshold key packages
package keys
