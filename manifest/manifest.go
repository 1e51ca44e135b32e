// Package manifest models versioned, hash-linked descriptions of a site's
// files and their canonical byte encoding.
//
// A Manifest is built unsigned, signed exactly once (Sign returns a copy) and
// then treated as immutable: any edit produces a new version through
// NextVersion. Mutating the fields of a signed manifest changes its canonical
// encoding and therefore invalidates its signature.
package manifest

import (
	"fmt"
	"sort"
	"time"

	"github.com/ipfs/go-cid"

	"decentnet.org/podsign/cidutil"
)

// FormatVersion is the current canonical encoding version.
const FormatVersion = 1

// FileEntry describes one file of a site.
type FileEntry struct {
	Path       string
	ID         cid.Cid
	Size       uint64
	Mime       string
	Executable bool
}

// Manifest is a signed, versioned description of a site's files.
//
// Files is kept sorted by Path; paths are unique.
type Manifest struct {
	Format    uint64
	Site      string
	Sequence  uint64
	Scheme    cidutil.Scheme
	Files     []FileEntry
	Timestamp time.Time
	// Previous is cid.Undef when the manifest starts a chain.
	Previous  cid.Cid
	Signature *SignatureBlock
}

// Option customizes New and NextVersion.
type Option func(*Manifest)

// WithScheme selects the addressing scheme entries are expected to use.
func WithScheme(s cidutil.Scheme) Option {
	return func(m *Manifest) { m.Scheme = s }
}

// WithTimestamp pins the manifest timestamp (truncated to milliseconds).
func WithTimestamp(ts time.Time) Option {
	return func(m *Manifest) { m.Timestamp = normalizeTime(ts) }
}

// New returns an unsigned manifest with sequence 0 and no previous link.
func New(site string, entries []FileEntry, opts ...Option) (*Manifest, error) {
	m := &Manifest{
		Format:    FormatVersion,
		Site:      site,
		Scheme:    cidutil.SchemeDefault,
		Timestamp: normalizeTime(time.Now()),
	}
	for _, o := range opts {
		o(m)
	}
	m.Files = sortedEntries(entries)
	if err := structureError(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NextVersion derives the successor of prior carrying newEntries.
//
// The successor's sequence is prior.Sequence+1 and its previous link is the
// identifier of prior's canonical encoding. Chaining from an unsigned prior
// fails with a KindChain error. The successor inherits prior's scheme
// unless overridden.
func NextVersion(prior *Manifest, newEntries []FileEntry, opts ...Option) (*Manifest, error) {
	if prior == nil {
		return nil, newError(KindChain, "MAN-CHAIN-010", "next version: nil prior manifest")
	}
	if !prior.Signed() {
		return nil, newError(KindChain, "MAN-CHAIN-011", fmt.Sprintf("next version: prior %s#%d is unsigned", prior.Site, prior.Sequence))
	}
	prevID, err := ID(prior)
	if err != nil {
		return nil, wrapError(KindChain, "MAN-CHAIN-012", "next version: identify prior", err)
	}
	m := &Manifest{
		Format:    FormatVersion,
		Site:      prior.Site,
		Sequence:  prior.Sequence + 1,
		Scheme:    prior.Scheme,
		Timestamp: normalizeTime(time.Now()),
		Previous:  prevID,
	}
	for _, o := range opts {
		o(m)
	}
	m.Files = sortedEntries(newEntries)
	if err := structureError(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Signed reports whether m carries a signature block.
func (m *Manifest) Signed() bool {
	return m != nil && m.Signature != nil && len(m.Signature.Signature) > 0
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Files = append([]FileEntry(nil), m.Files...)
	if m.Signature != nil {
		sb := m.Signature.Clone()
		out.Signature = &sb
	}
	return &out
}

// Sign returns a signed copy of m. m itself is left untouched.
//
// Signing an already signed manifest is a KindChain error: a new signature
// needs a new version.
func (m *Manifest) Sign(block SignatureBlock) (*Manifest, error) {
	if m == nil {
		return nil, newError(KindInternal, "MAN-INTERNAL-001", "sign: nil manifest")
	}
	if m.Signed() {
		return nil, newError(KindChain, "MAN-CHAIN-013", "sign: manifest is already signed")
	}
	if err := block.Validate(); err != nil {
		return nil, err
	}
	out := m.Clone()
	sb := block.Clone()
	out.Signature = &sb
	return out, nil
}

// Entry returns the entry for path.
func (m *Manifest) Entry(path string) (FileEntry, bool) {
	i := sort.Search(len(m.Files), func(i int) bool { return m.Files[i].Path >= path })
	if i < len(m.Files) && m.Files[i].Path == path {
		return m.Files[i], true
	}
	return FileEntry{}, false
}

// TotalSize is the sum of entry sizes.
func (m *Manifest) TotalSize() uint64 {
	var n uint64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// Tree returns the tree identifier of m's entries under m.Scheme.
func (m *Manifest) Tree() (cid.Cid, error) {
	ids := make(map[string]cid.Cid, len(m.Files))
	for _, f := range m.Files {
		ids[f.Path] = f.ID
	}
	return m.Scheme.TreeOf(ids)
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s#%d", m.Site, m.Sequence)
}

func sortedEntries(entries []FileEntry) []FileEntry {
	out := append([]FileEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if out == nil {
		out = []FileEntry{}
	}
	return out
}

func normalizeTime(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
