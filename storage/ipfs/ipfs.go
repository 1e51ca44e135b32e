// Package ipfs is a blob store that shells out to a local Kubo "ipfs"
// binary and stores raw blocks in its repository. It needs no daemon.
//
// Transport is not validity: every block read back is checked against the
// requested identifier.
package ipfs

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/storage"
)

type CAS struct {
	bin string
	env []string
}

var _ storage.SchemedCAS = (*CAS)(nil)

type Options struct {
	// Bin is the ipfs binary; "ipfs" when empty.
	Bin string
	// Env replaces the command environment (e.g. to set IPFS_PATH) when non-nil.
	Env []string
}

func New(opts Options) *CAS {
	bin := opts.Bin
	if bin == "" {
		bin = "ipfs"
	}
	return &CAS{bin: bin, env: opts.Env}
}

func (c *CAS) Put(data []byte) (cid.Cid, error) {
	return c.PutScheme(cidutil.SchemeDefault, data)
}

func (c *CAS) PutScheme(s cidutil.Scheme, data []byte) (cid.Cid, error) {
	if s.Codec != cid.Raw {
		return cid.Undef, storage.ErrUnsupportedScheme
	}
	name, ok := multihash.Codes[s.HashCode]
	if !ok {
		return cid.Undef, storage.ErrUnsupportedScheme
	}
	want, err := s.Identify(data)
	if err != nil {
		return cid.Undef, err
	}
	out, err := c.run(data, "block", "put", "--quiet", "--format=raw",
		"--mhtype="+name, fmt.Sprintf("--mhlen=%d", s.Length), "--cid-version=1", "/dev/stdin")
	if err != nil {
		return cid.Undef, err
	}
	got, err := cid.Decode(strings.TrimSpace(string(out)))
	if err != nil {
		return cid.Undef, fmt.Errorf("ipfs: unexpected block put output: %w", err)
	}
	if !got.Equals(want) {
		return cid.Undef, storage.ErrCIDMismatch
	}
	return want, nil
}

func (c *CAS) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	out, err := c.run(nil, "block", "get", id.String())
	if err != nil {
		if notFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if err := storage.Check(id, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CAS) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := c.run(nil, "block", "stat", "--offline", id.String())
	return err == nil
}

func (c *CAS) run(stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.Command(c.bin, args...)
	if c.env != nil {
		cmd.Env = c.env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if msg := strings.TrimSpace(string(ee.Stderr)); msg != "" {
			return nil, fmt.Errorf("ipfs: %s", msg)
		}
	}
	return nil, fmt.Errorf("ipfs: %w", err)
}

func notFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found")
}
