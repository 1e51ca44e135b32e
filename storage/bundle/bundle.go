// Package bundle moves a site between stores as one zstd-compressed tar:
// the signed manifest chain, every blob the chain references and a CBOR
// index. Export is byte-deterministic for the same inputs.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/history"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/storage"
)

// FormatVersion is the index schema version.
const FormatVersion = 2

const (
	indexName      = "index.cbor"
	blobPrefix     = "blobs/"
	manifestPrefix = "manifests/"
)

var epoch = time.Unix(0, 0).UTC()

// Index lists a bundle's contents. Manifests are ordered oldest first.
type Index struct {
	_         struct{} `cbor:",toarray"`
	Version   int
	Site      string
	Head      string
	Manifests []string
	Blobs     []Blob
}

type Blob struct {
	_    struct{} `cbor:",toarray"`
	CID  string
	Size int
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{IndefLength: cbor.IndefLengthForbidden}).DecMode(); err != nil {
		panic(err)
	}
}

// ExportBlobs writes the given blobs without manifests.
func ExportBlobs(w io.Writer, cas storage.CAS, ids []cid.Cid) error {
	return export(w, cas, nil, ids, Index{})
}

// ExportSite writes the chain ending at head (resolved through arena) and
// the blobs of every version in it.
func ExportSite(w io.Writer, cas storage.CAS, arena history.Arena, head cid.Cid) error {
	chain, err := history.Chain(arena, head)
	if err != nil {
		return err
	}
	var ids []cid.Cid
	for _, m := range chain {
		for _, f := range m.Files {
			ids = append(ids, f.ID)
		}
	}
	return export(w, cas, chain, ids, Index{Site: chain[0].Site, Head: head.String()})
}

func export(w io.Writer, cas storage.CAS, chain []*manifest.Manifest, ids []cid.Cid, idx Index) error {
	if cas == nil {
		return errors.New("bundle: nil CAS")
	}
	uniq := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}
	names := make([]string, 0, len(uniq))
	for s := range uniq {
		names = append(names, s)
	}
	sort.Strings(names)

	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	fail := func(err error) error {
		tw.Close()
		zw.Close()
		return err
	}

	idx.Version = FormatVersion
	for _, m := range chain {
		id, err := manifest.ID(m)
		if err != nil {
			return fail(err)
		}
		env, err := manifest.Encode(m)
		if err != nil {
			return fail(err)
		}
		if err := writeEntry(tw, manifestPrefix+id.String(), env); err != nil {
			return fail(err)
		}
		idx.Manifests = append(idx.Manifests, id.String())
	}
	for _, s := range names {
		id := uniq[s]
		b, err := cas.Get(id)
		if err != nil {
			return fail(fmt.Errorf("bundle: blob %s: %w", s, err))
		}
		if err := storage.Check(id, b); err != nil {
			return fail(err)
		}
		if err := writeEntry(tw, blobPrefix+s, b); err != nil {
			return fail(err)
		}
		idx.Blobs = append(idx.Blobs, Blob{CID: s, Size: len(b)})
	}
	ib, err := encMode.Marshal(idx)
	if err != nil {
		return fail(err)
	}
	if err := writeEntry(tw, indexName, ib); err != nil {
		return fail(err)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func writeEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// ImportOptions controls Import.
type ImportOptions struct {
	// Arena receives the bundle's manifests. When nil they are skipped.
	Arena history.Arena
	// IgnoreUnknown skips unrecognised entries instead of failing.
	IgnoreUnknown bool
}

// Import reads a bundle into cas (and opts.Arena). Every blob is checked
// against its entry name and every manifest against its identifier before
// anything is written; the index must agree with the entries seen.
func Import(r io.Reader, cas storage.CAS, opts ImportOptions) (*Index, error) {
	if cas == nil {
		return nil, errors.New("bundle: nil CAS")
	}
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var (
		tr        = tar.NewReader(zr)
		idx       *Index
		blobs     = map[string]int{}
		manifests []*manifest.Manifest
		ids       []string
	)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := cleanPath(h.Name)
		if name == "" {
			return nil, fmt.Errorf("bundle: invalid entry path %q", h.Name)
		}
		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return nil, fmt.Errorf("bundle: unexpected entry type %v (%s)", h.Typeflag, name)
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		switch {
		case name == indexName:
			if idx != nil {
				return nil, errors.New("bundle: duplicate index")
			}
			idx = new(Index)
			if err := decMode.Unmarshal(payload, idx); err != nil {
				return nil, fmt.Errorf("bundle: index: %w", err)
			}
		case strings.HasPrefix(name, blobPrefix):
			s := strings.TrimPrefix(name, blobPrefix)
			if _, dup := blobs[s]; dup {
				return nil, fmt.Errorf("bundle: duplicate blob %s", s)
			}
			if err := importBlob(cas, s, payload); err != nil {
				return nil, err
			}
			blobs[s] = len(payload)
		case strings.HasPrefix(name, manifestPrefix):
			s := strings.TrimPrefix(name, manifestPrefix)
			m, err := openManifest(s, payload)
			if err != nil {
				return nil, err
			}
			manifests = append(manifests, m)
			ids = append(ids, s)
		default:
			if opts.IgnoreUnknown {
				continue
			}
			return nil, fmt.Errorf("bundle: unknown entry %s", name)
		}
	}
	if idx == nil {
		return nil, errors.New("bundle: missing index")
	}
	if err := idx.matches(blobs, ids); err != nil {
		return nil, err
	}
	if opts.Arena != nil {
		for _, m := range manifests {
			if _, err := opts.Arena.Put(m); err != nil {
				return nil, err
			}
		}
	}
	return idx, nil
}

func importBlob(cas storage.CAS, s string, payload []byte) error {
	id, err := cid.Decode(s)
	if err != nil || !id.Defined() {
		return fmt.Errorf("%w: %q", storage.ErrInvalidCID, s)
	}
	if err := storage.Check(id, payload); err != nil {
		return fmt.Errorf("bundle: blob %s: %w", s, err)
	}
	scheme, err := cidutil.SchemeOf(id)
	if err != nil {
		return err
	}
	got, err := storage.PutScheme(cas, scheme, payload)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return storage.ErrCIDMismatch
	}
	return nil
}

func openManifest(s string, env []byte) (*manifest.Manifest, error) {
	want, err := cid.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidCID, s)
	}
	m, err := manifest.Decode(env)
	if err != nil {
		return nil, fmt.Errorf("bundle: manifest %s: %w", s, err)
	}
	got, err := manifest.ID(m)
	if err != nil {
		return nil, err
	}
	if !got.Equals(want) {
		return nil, fmt.Errorf("bundle: manifest %s: %w", s, storage.ErrCIDMismatch)
	}
	return m, nil
}

func (idx *Index) matches(blobs map[string]int, manifests []string) error {
	if idx.Version != FormatVersion {
		return fmt.Errorf("bundle: unsupported index version %d", idx.Version)
	}
	if len(idx.Blobs) != len(blobs) {
		return fmt.Errorf("bundle: index lists %d blobs, bundle has %d", len(idx.Blobs), len(blobs))
	}
	for _, b := range idx.Blobs {
		if size, ok := blobs[b.CID]; !ok || size != b.Size {
			return fmt.Errorf("bundle: index entry %s does not match the bundle", b.CID)
		}
	}
	if len(idx.Manifests) != len(manifests) {
		return fmt.Errorf("bundle: index lists %d manifests, bundle has %d", len(idx.Manifests), len(manifests))
	}
	for i := range manifests {
		if idx.Manifests[i] != manifests[i] {
			return fmt.Errorf("bundle: manifest order differs from index at %d", i)
		}
	}
	return nil
}

func cleanPath(name string) string {
	name = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return name
}
