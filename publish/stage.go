// Package publish turns a directory of site files into signed, linked
// manifests: it stages blobs in a store, builds versions, seals them with a
// single or threshold signature and records them in the history arena.
package publish

import (
	"fmt"
	"mime"
	"path"
	"sort"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/verify"
)

// Stage stores every file under SchemeDefault and returns its entries.
func Stage(cas storage.CAS, files map[string][]byte) ([]manifest.FileEntry, error) {
	return StageScheme(cas, cidutil.SchemeDefault, files)
}

// StageScheme is Stage for an explicit addressing scheme. The mime type is
// guessed from the extension.
func StageScheme(cas storage.CAS, s cidutil.Scheme, files map[string][]byte) ([]manifest.FileEntry, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]manifest.FileEntry, 0, len(paths))
	for _, p := range paths {
		if err := manifest.CheckPath(p); err != nil {
			return nil, err
		}
		b := files[p]
		id, err := storage.PutScheme(cas, s, b)
		if err != nil {
			return nil, fmt.Errorf("publish: stage %s: %w", p, err)
		}
		out = append(out, manifest.FileEntry{
			Path: p,
			ID:   id,
			Size: uint64(len(b)),
			Mime: mime.TypeByExtension(path.Ext(p)),
		})
	}
	return out, nil
}

// Hydrate fetches the files of verified content and checks each against
// its entry. It fails on the first missing or mismatching blob.
func Hydrate(cas storage.CAS, vc *verify.VerifiedContent) (map[string][]byte, error) {
	out := make(map[string][]byte, len(vc.Files))
	for _, f := range vc.Files {
		b, err := cas.Get(f.ID)
		if err != nil {
			return nil, fmt.Errorf("publish: hydrate %s: %w", f.Path, err)
		}
		if err := storage.Check(f.ID, b); err != nil {
			return nil, fmt.Errorf("publish: hydrate %s: %w", f.Path, err)
		}
		if uint64(len(b)) != f.Size {
			return nil, fmt.Errorf("publish: hydrate %s: size %d, manifest says %d", f.Path, len(b), f.Size)
		}
		out[f.Path] = b
	}
	return out, nil
}
