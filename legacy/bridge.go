package legacy

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/manifest"
)

// Representative is a legacy signature standing in for a manifest's own
// authorization when it is projected to the legacy format. It must be a
// Bitcoin message signature by the site address over the projection's
// signing bytes.
type Representative struct {
	Address   string
	Signature string
}

func digestHex(id cid.Cid) (string, error) {
	dec, err := multihash.Decode(id.Hash())
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(dec.Digest), nil
}

// Project returns the unsigned legacy projection of m. Entries must be
// addressed with cidutil.SchemeLegacy: other digests cannot be turned into
// the legacy sha512 field without the file bytes.
func Project(m *manifest.Manifest) (*Descriptor, error) {
	if m == nil {
		return nil, &UnrepresentableError{Reason: "nil manifest"}
	}
	if m.Scheme != cidutil.SchemeLegacy {
		return nil, &UnrepresentableError{Site: m.Site, Reason: fmt.Sprintf("entries use scheme %s, legacy needs %s", m.Scheme, cidutil.SchemeLegacy)}
	}
	d := NewDescriptor(m.Site)
	d.SetModified(m.Timestamp)
	d.Set(FieldSignsRequired, int64(1))
	for _, f := range m.Files {
		if !cidutil.SchemeLegacy.Owns(f.ID) {
			return nil, &UnrepresentableError{Site: m.Site, Reason: fmt.Sprintf("entry %q is not a sha512 identifier", f.Path)}
		}
		sum, err := digestHex(f.ID)
		if err != nil {
			return nil, &UnrepresentableError{Site: m.Site, Reason: err.Error()}
		}
		d.SetFile(f.Path, FileInfo{SHA512: sum, Size: f.Size})
	}
	return d, nil
}

// ToLegacy expresses m as a signed legacy descriptor.
//
// Manifests that arrived from the legacy format re-emit the descriptor they
// carry. Any other manifest needs a Representative signature over its
// projection; without one its authorization cannot be expressed and
// ToLegacy returns an *UnrepresentableError.
func ToLegacy(m *manifest.Manifest, rep *Representative) (*Descriptor, error) {
	if m == nil {
		return nil, &UnrepresentableError{Reason: "nil manifest"}
	}
	if m.Signature != nil && m.Signature.Kind == manifest.SignatureLegacy {
		return CarriedDescriptor(m)
	}
	d, err := Project(m)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		kind := "unsigned"
		if m.Signature != nil {
			kind = m.Signature.Kind.String()
		}
		return nil, &UnrepresentableError{Site: m.Site, Reason: kind + " manifest has no representative legacy signature"}
	}
	if rep.Address != m.Site {
		return nil, &UnrepresentableError{Site: m.Site, Reason: "representative signer " + rep.Address + " is not the site address"}
	}
	msg, err := d.SigningBytes()
	if err != nil {
		return nil, err
	}
	if err := VerifyMessage(rep.Address, msg, rep.Signature); err != nil {
		return nil, err
	}
	d.Set(FieldSigns, map[string]any{rep.Address: rep.Signature})
	return d, nil
}

// FromLegacy imports a descriptor as a sequence-0 manifest tagged with a
// legacy signature block. The block carries the descriptor's exact bytes so
// the signature stays verifiable; mime types, executable flags and optional
// files are not represented.
//
// FromLegacy does not check signatures; callers verify with Verify or
// CheckSignature.
func FromLegacy(d *Descriptor) (*manifest.Manifest, error) {
	m, err := unsignedFrom(d)
	if err != nil {
		return nil, err
	}
	signer, sig := representativeSign(d)
	if signer == "" {
		return m, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, invalid("signature of %s: %v", signer, err)
	}
	payload, err := d.Marshal()
	if err != nil {
		return nil, err
	}
	return m.Sign(manifest.SignatureBlock{
		Kind:      manifest.SignatureLegacy,
		Signer:    []byte(signer),
		Signature: raw,
		Payload:   payload,
	})
}

func unsignedFrom(d *Descriptor) (*manifest.Manifest, error) {
	files, err := d.Files()
	if err != nil {
		return nil, err
	}
	ts, err := d.Modified()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	entries := make([]manifest.FileEntry, 0, len(files))
	for _, p := range paths {
		e, err := fileEntry(p, files[p])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return manifest.New(d.Address(), entries, manifest.WithScheme(cidutil.SchemeLegacy), manifest.WithTimestamp(ts))
}

// fileEntry converts a file record into a SchemeLegacy entry.
func fileEntry(p string, fi FileInfo) (manifest.FileEntry, error) {
	digest, err := hex.DecodeString(fi.SHA512)
	if err != nil {
		return manifest.FileEntry{}, invalid("files[%q].sha512: %v", p, err)
	}
	if len(digest) != cidutil.SchemeLegacy.Length {
		return manifest.FileEntry{}, invalid("files[%q].sha512 has %d bytes", p, len(digest))
	}
	mh, err := multihash.Encode(digest, multihash.SHA2_512)
	if err != nil {
		return manifest.FileEntry{}, invalid("files[%q]: %v", p, err)
	}
	return manifest.FileEntry{Path: p, ID: cid.NewCidV1(cid.Raw, mh), Size: fi.Size}, nil
}

// representativeSign picks the signature recorded in the manifest block:
// the site address's own when present, otherwise the first signer in
// address order.
func representativeSign(d *Descriptor) (string, string) {
	signs := d.Signs()
	if s, ok := signs[d.Address()]; ok {
		return d.Address(), s
	}
	addrs := make([]string, 0, len(signs))
	for a := range signs {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	if len(addrs) == 0 {
		return "", ""
	}
	return addrs[0], signs[addrs[0]]
}

// CarriedDescriptor returns the descriptor carried by a legacy-signed
// manifest after checking that the manifest agrees with it.
func CarriedDescriptor(m *manifest.Manifest) (*Descriptor, error) {
	if m.Signature == nil || m.Signature.Kind != manifest.SignatureLegacy {
		return nil, fmt.Errorf("legacy: manifest %s has no legacy signature block", m)
	}
	d, err := Parse(m.Signature.Payload)
	if err != nil {
		return nil, err
	}
	want, err := unsignedFrom(d)
	if err != nil {
		return nil, err
	}
	if want.Site != m.Site || !sameEntries(want.Files, m.Files) || !want.Timestamp.Equal(m.Timestamp) {
		return nil, ErrPayloadMismatch
	}
	if m.Sequence != 0 || m.Previous.Defined() {
		return nil, fmt.Errorf("%w: legacy manifests start no chain", ErrPayloadMismatch)
	}
	if got := d.Signs()[string(m.Signature.Signer)]; got != base64.StdEncoding.EncodeToString(m.Signature.Signature) {
		return nil, fmt.Errorf("%w: signature block is not among the descriptor's signs", ErrPayloadMismatch)
	}
	return d, nil
}

// CheckSignature verifies a legacy-signed manifest: the carried descriptor
// matches the manifest and its signatures satisfy its own signer rules.
func CheckSignature(m *manifest.Manifest) error {
	d, err := CarriedDescriptor(m)
	if err != nil {
		return err
	}
	return d.Verify()
}

func sameEntries(a, b []manifest.FileEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || !a[i].ID.Equals(b[i].ID) || a[i].Size != b[i].Size {
			return false
		}
	}
	return true
}
