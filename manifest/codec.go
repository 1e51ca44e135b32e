package manifest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/cidutil"
)

// EnvelopeVersion tags the signed envelope produced by Encode.
const EnvelopeVersion = 1

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): shortest
// integers, definite lengths, sorted map keys.
var encMode cbor.EncMode

// decMode rejects duplicate map keys and indefinite-length items so that
// every accepted body has a single canonical form.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("manifest: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic("manifest: CBOR decoder initialization failed: " + err.Error())
	}
}

// Wire layout of the signing message. Field order is fixed by position.
type wireScheme struct {
	_        struct{} `cbor:",toarray"`
	Codec    uint64
	HashCode uint64
	Length   int64
}

type wireEntry struct {
	_          struct{} `cbor:",toarray"`
	Path       string
	ID         []byte
	Size       uint64
	Mime       string
	Executable bool
}

type wireBody struct {
	_         struct{} `cbor:",toarray"`
	Format    uint64
	Site      string
	Sequence  uint64
	Scheme    wireScheme
	Timestamp int64
	Previous  []byte
	Files     []wireEntry
}

type wireSignature struct {
	_         struct{} `cbor:",toarray"`
	Kind      uint8
	Signer    []byte
	Signature []byte
	Payload   []byte
}

type wireEnvelope struct {
	_         struct{} `cbor:",toarray"`
	Version   uint64
	Body      []byte
	Signature *wireSignature
}

// CanonicalEncoding returns the deterministic signing message of m.
//
// The encoding is a CBOR array
//
//	[format, site, sequence, [codec, hash, length], timestamp_ms, previous|null,
//	 [[path, cid, size, mime, executable], ...]]
//
// with entries in byte-wise lexicographic path order. The signature block is
// excluded. Equal logical manifests always encode to identical bytes.
func CanonicalEncoding(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, newError(KindInternal, "MAN-INTERNAL-001", "encode: nil manifest")
	}
	body := wireBody{
		Format:    m.Format,
		Site:      m.Site,
		Sequence:  m.Sequence,
		Scheme:    wireScheme{Codec: m.Scheme.Codec, HashCode: m.Scheme.HashCode, Length: int64(m.Scheme.Length)},
		Timestamp: m.Timestamp.UnixMilli(),
		Files:     make([]wireEntry, 0, len(m.Files)),
	}
	if m.Previous.Defined() {
		body.Previous = m.Previous.Bytes()
	}
	files := sortedEntries(m.Files)
	for i, f := range files {
		if i > 0 && files[i-1].Path == f.Path {
			return nil, newError(KindStructural, "MAN-STR-011", fmt.Sprintf("encode: duplicate path %q", f.Path))
		}
		if !f.ID.Defined() {
			return nil, newError(KindStructural, "MAN-STR-013", fmt.Sprintf("encode: undefined cid for %q", f.Path))
		}
		body.Files = append(body.Files, wireEntry{
			Path:       f.Path,
			ID:         f.ID.Bytes(),
			Size:       f.Size,
			Mime:       f.Mime,
			Executable: f.Executable,
		})
	}
	b, err := encMode.Marshal(body)
	if err != nil {
		return nil, wrapError(KindCodec, "MAN-CODEC-001", "encode manifest", err)
	}
	return b, nil
}

// DecodeCanonical parses a signing message produced by CanonicalEncoding.
//
// Input that decodes but is not in canonical form (unsorted entries,
// non-shortest integers, trailing bytes) is rejected.
func DecodeCanonical(b []byte) (*Manifest, error) {
	var body wireBody
	if err := decMode.Unmarshal(b, &body); err != nil {
		return nil, wrapError(KindCodec, "MAN-CODEC-002", "decode manifest", err)
	}
	if body.Format != FormatVersion {
		return nil, newError(KindCodec, "MAN-CODEC-003", fmt.Sprintf("decode manifest: unsupported format %d", body.Format))
	}
	m := &Manifest{
		Format:    body.Format,
		Site:      body.Site,
		Sequence:  body.Sequence,
		Scheme:    cidutil.Scheme{Codec: body.Scheme.Codec, HashCode: body.Scheme.HashCode, Length: int(body.Scheme.Length)},
		Timestamp: time.UnixMilli(body.Timestamp).UTC(),
		Files:     make([]FileEntry, 0, len(body.Files)),
	}
	if body.Previous != nil {
		prev, err := cid.Cast(body.Previous)
		if err != nil {
			return nil, wrapError(KindCodec, "MAN-CODEC-004", "decode manifest: previous link", err)
		}
		m.Previous = prev
	}
	for _, e := range body.Files {
		id, err := cid.Cast(e.ID)
		if err != nil {
			return nil, wrapError(KindCodec, "MAN-CODEC-005", fmt.Sprintf("decode manifest: cid of %q", e.Path), err)
		}
		m.Files = append(m.Files, FileEntry{Path: e.Path, ID: id, Size: e.Size, Mime: e.Mime, Executable: e.Executable})
	}

	again, err := CanonicalEncoding(m)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(again, b) {
		return nil, newError(KindCodec, "MAN-CODEC-006", "decode manifest: input is not canonical")
	}
	return m, nil
}

// ID returns the content identifier of m's canonical encoding under m.Scheme.
// This is the value a successor stores as its previous link.
func ID(m *Manifest) (cid.Cid, error) {
	b, err := CanonicalEncoding(m)
	if err != nil {
		return cid.Undef, err
	}
	id, err := m.Scheme.Identify(b)
	if err != nil {
		return cid.Undef, wrapError(KindCodec, "MAN-CODEC-007", "identify manifest", err)
	}
	return id, nil
}

// Encode serializes m together with its signature block.
func Encode(m *Manifest) ([]byte, error) {
	body, err := CanonicalEncoding(m)
	if err != nil {
		return nil, err
	}
	env := wireEnvelope{Version: EnvelopeVersion, Body: body}
	if m.Signature != nil {
		env.Signature = &wireSignature{
			Kind:      uint8(m.Signature.Kind),
			Signer:    m.Signature.Signer,
			Signature: m.Signature.Signature,
			Payload:   m.Signature.Payload,
		}
	}
	b, err := encMode.Marshal(env)
	if err != nil {
		return nil, wrapError(KindCodec, "MAN-CODEC-010", "encode envelope", err)
	}
	return b, nil
}

// Decode parses an envelope produced by Encode. The embedded body must be
// canonical.
func Decode(b []byte) (*Manifest, error) {
	var env wireEnvelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, wrapError(KindCodec, "MAN-CODEC-011", "decode envelope", err)
	}
	if env.Version != EnvelopeVersion {
		return nil, newError(KindCodec, "MAN-CODEC-012", fmt.Sprintf("decode envelope: unsupported version %d", env.Version))
	}
	m, err := DecodeCanonical(env.Body)
	if err != nil {
		return nil, err
	}
	if env.Signature != nil {
		m.Signature = &SignatureBlock{
			Kind:      SignatureKind(env.Signature.Kind),
			Signer:    env.Signature.Signer,
			Signature: env.Signature.Signature,
			Payload:   env.Signature.Payload,
		}
	}
	return m, nil
}
