package cidutil

import (
	"encoding/binary"
	"sort"

	"github.com/ipfs/go-cid"
)

// IdentifyTree derives a single identifier for a path -> bytes mapping.
//
// Each file is identified under s, then the sorted (path, identifier) pairs
// are serialized as uvarint(len(path)) || path || uvarint(len(id)) || id and
// the concatenation is identified under s. Map iteration order never leaks
// into the result.
func (s Scheme) IdentifyTree(files map[string][]byte) (cid.Cid, error) {
	ids := make(map[string]cid.Cid, len(files))
	for p, b := range files {
		id, err := s.Identify(b)
		if err != nil {
			return cid.Undef, err
		}
		ids[p] = id
	}
	return s.TreeOf(ids)
}

// TreeOf derives the tree identifier from already computed file identifiers.
func (s Scheme) TreeOf(ids map[string]cid.Cid) (cid.Cid, error) {
	return s.Identify(TreeBytes(ids))
}

// IdentifyTree derives a tree identifier under SchemeDefault.
func IdentifyTree(files map[string][]byte) (cid.Cid, error) {
	return SchemeDefault.IdentifyTree(files)
}

// TreeBytes is the canonical concatenation hashed by TreeOf.
func TreeBytes(ids map[string]cid.Cid) []byte {
	paths := make([]string, 0, len(ids))
	for p := range ids {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []byte
	for _, p := range paths {
		idb := ids[p].Bytes()
		out = binary.AppendUvarint(out, uint64(len(p)))
		out = append(out, p...)
		out = binary.AppendUvarint(out, uint64(len(idb)))
		out = append(out, idb...)
	}
	return out
}
