package manifest

import (
	"bytes"
	"fmt"
)

// SignatureKind selects the verification path for a signature block.
type SignatureKind uint8

const (
	// SignatureSingle is a one-key Schnorr signature over the canonical encoding.
	SignatureSingle SignatureKind = 1
	// SignatureThreshold is an aggregate t-of-n signature over the canonical
	// encoding, verifiable with the group public key alone.
	SignatureThreshold SignatureKind = 2
	// SignatureLegacy is a legacy single-signer signature. Payload carries the
	// exact legacy bytes that were signed.
	SignatureLegacy SignatureKind = 3
)

func (k SignatureKind) String() string {
	switch k {
	case SignatureSingle:
		return "single"
	case SignatureThreshold:
		return "threshold"
	case SignatureLegacy:
		return "legacy-compatible"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k SignatureKind) Valid() bool {
	return k >= SignatureSingle && k <= SignatureLegacy
}

// SignatureBlock is the tagged signature carried alongside a manifest.
//
// Signer identifies the key that produced Signature: an encoded public key
// for single signatures, the group public key for threshold signatures and
// the legacy address for legacy signatures.
type SignatureBlock struct {
	Kind      SignatureKind
	Signer    []byte
	Signature []byte
	Payload   []byte
}

// Validate checks the block's shape; it does not verify the signature.
func (b SignatureBlock) Validate() error {
	if !b.Kind.Valid() {
		return newError(KindStructural, "MAN-SIG-001", fmt.Sprintf("signature: unknown kind %d", uint8(b.Kind)))
	}
	if len(b.Signature) == 0 {
		return newError(KindStructural, "MAN-SIG-002", "signature: empty signature bytes")
	}
	if len(b.Signer) == 0 {
		return newError(KindStructural, "MAN-SIG-003", "signature: empty signer")
	}
	switch b.Kind {
	case SignatureLegacy:
		if len(b.Payload) == 0 {
			return newError(KindStructural, "MAN-SIG-004", "signature: legacy block without signed payload")
		}
	default:
		if len(b.Payload) != 0 {
			return newError(KindStructural, "MAN-SIG-005", fmt.Sprintf("signature: %s block must not carry a payload", b.Kind))
		}
	}
	return nil
}

// Clone returns a deep copy of b.
func (b SignatureBlock) Clone() SignatureBlock {
	return SignatureBlock{
		Kind:      b.Kind,
		Signer:    bytes.Clone(b.Signer),
		Signature: bytes.Clone(b.Signature),
		Payload:   bytes.Clone(b.Payload),
	}
}

// Equal reports byte equality of two blocks.
func (b SignatureBlock) Equal(o SignatureBlock) bool {
	return b.Kind == o.Kind &&
		bytes.Equal(b.Signer, o.Signer) &&
		bytes.Equal(b.Signature, o.Signature) &&
		bytes.Equal(b.Payload, o.Payload)
}
