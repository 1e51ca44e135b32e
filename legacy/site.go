package legacy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"decentnet.org/podsign/manifest"
)

// FieldIncludes names the descriptors a root descriptor delegates to.
const FieldIncludes = "includes"

// Includes returns the inner paths of the included descriptors, sorted.
func (d *Descriptor) Includes() ([]string, error) {
	v, ok := d.fields[FieldIncludes]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("%s is not an object", FieldIncludes)
	}
	out := make([]string, 0, len(m))
	for p, rec := range m {
		if _, ok := rec.(map[string]any); !ok {
			return nil, invalid("%s[%q] is not an object", FieldIncludes, p)
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// AddInclude delegates inner path p to signers.
func (d *Descriptor) AddInclude(p string, signers []string) {
	m, ok := d.fields[FieldIncludes].(map[string]any)
	if !ok {
		m = map[string]any{}
		d.fields[FieldIncludes] = m
	}
	list := make([]any, len(signers))
	for i, s := range signers {
		list[i] = s
	}
	m[p] = map[string]any{FieldSigners: list, "signers_required": uint64(1)}
}

// CheckStatus is the outcome of checking one descriptor on disk.
type CheckStatus string

const (
	StatusOK                 CheckStatus = "OK"
	StatusMissingFile        CheckStatus = "MissingFile"
	StatusInvalidPath        CheckStatus = "InvalidPath"
	StatusParseFailed        CheckStatus = "ParseFailed"
	StatusVerificationFailed CheckStatus = "VerificationFailed"
)

// CheckResult reports one descriptor. Err is nil when Status is StatusOK.
type CheckResult struct {
	Path   string
	Status CheckStatus
	Err    error
}

// SiteReport is the result of sweeping one site directory.
type SiteReport struct {
	Dir      string
	Address  string
	Root     CheckResult
	Includes []CheckResult
}

// OK reports whether the root and every included descriptor verified.
func (r *SiteReport) OK() bool {
	if r.Root.Status != StatusOK {
		return false
	}
	for _, inc := range r.Includes {
		if inc.Status != StatusOK {
			return false
		}
	}
	return true
}

// Problems returns the failed results, root first.
func (r *SiteReport) Problems() []CheckResult {
	var out []CheckResult
	if r.Root.Status != StatusOK {
		out = append(out, r.Root)
	}
	for _, inc := range r.Includes {
		if inc.Status != StatusOK {
			out = append(out, inc)
		}
	}
	return out
}

// CheckSite verifies dir/content.json and every descriptor it includes.
// Included descriptors must carry the site address and verify on their
// own. The error is non-nil only when dir cannot be used at all.
func CheckSite(dir string) (*SiteReport, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("legacy: site directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("legacy: %s is not a directory", dir)
	}
	r := &SiteReport{Dir: dir}
	root, res := checkDescriptor(dir, RootInnerPath, "")
	r.Root = res
	if root == nil {
		return r, nil
	}
	r.Address = root.Address()
	incs, err := root.Includes()
	if err != nil {
		r.Root = CheckResult{Path: RootInnerPath, Status: StatusParseFailed, Err: err}
		return r, nil
	}
	for _, p := range incs {
		_, res := checkDescriptor(dir, p, r.Address)
		r.Includes = append(r.Includes, res)
	}
	return r, nil
}

// CheckDataDir sweeps a client data directory: every subdirectory named
// like a site address that holds a content.json is checked with CheckSite.
func CheckDataDir(dir string) ([]*SiteReport, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("legacy: data directory: %w", err)
	}
	var out []*SiteReport
	for _, e := range ents {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "1") {
			continue
		}
		site := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(site, RootInnerPath)); err != nil {
			continue
		}
		r, err := CheckSite(site)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// checkDescriptor loads and verifies inner path p below dir. A non-empty
// address must match the descriptor's own.
func checkDescriptor(dir, p, address string) (*Descriptor, CheckResult) {
	res := CheckResult{Path: p}
	if err := manifest.CheckPath(p); err != nil || path.Clean(p) != p {
		if err == nil {
			err = fmt.Errorf("path %q is not clean", p)
		}
		res.Status, res.Err = StatusInvalidPath, err
		return nil, res
	}
	b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Status, res.Err = StatusMissingFile, err
		} else {
			res.Status, res.Err = StatusParseFailed, err
		}
		return nil, res
	}
	d, err := Parse(b)
	if err != nil {
		res.Status, res.Err = StatusParseFailed, err
		return nil, res
	}
	if address != "" && d.Address() != address {
		res.Status, res.Err = StatusVerificationFailed, fmt.Errorf("address %s, site is %s", d.Address(), address)
		return nil, res
	}
	if err := d.Verify(); err != nil {
		res.Status, res.Err = StatusVerificationFailed, err
		return nil, res
	}
	res.Status = StatusOK
	return d, res
}
