// Package legacy reads, writes, signs and verifies ZeroNet-style
// content.json site descriptors and bridges them to manifests.
package legacy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Field names of the legacy descriptor.
const (
	FieldAddress        = "address"
	FieldInnerPath      = "inner_path"
	FieldModified       = "modified"
	FieldFiles          = "files"
	FieldFilesOptional  = "files_optional"
	FieldSigns          = "signs"
	FieldSign           = "sign"
	FieldSignsRequired  = "signs_required"
	FieldSigners        = "signers"
	FieldSignersSign    = "signers_sign"
	FieldTitle          = "title"
	FieldDescription    = "description"
	FieldIgnore         = "ignore"
	FieldZeroNetVersion = "zeronet_version"
)

// RootInnerPath is the inner path of a site's root descriptor.
const RootInnerPath = "content.json"

// FileInfo is a file record of a descriptor.
type FileInfo struct {
	// SHA512 is the hex of the first 32 bytes of the file's SHA-512.
	SHA512 string
	Size   uint64
}

var sha512Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Descriptor is a decoded content.json. Fields this package does not
// interpret are kept, and integers keep their exact value, so
// re-serializing a parsed descriptor reproduces its signing bytes.
type Descriptor struct {
	fields map[string]any
}

// NewDescriptor returns an empty descriptor for address.
func NewDescriptor(address string) *Descriptor {
	return &Descriptor{fields: map[string]any{
		FieldAddress:   address,
		FieldInnerPath: RootInnerPath,
		FieldFiles:     map[string]any{},
		FieldSigns:     map[string]any{},
	}}
}

// Parse decodes a content.json document.
func Parse(b []byte) (*Descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, invalid("%v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, invalid("trailing data after object")
	}
	if fields == nil {
		return nil, invalid("not an object")
	}
	d := &Descriptor{fields: fields}
	if d.Address() == "" {
		return nil, invalid("missing %s", FieldAddress)
	}
	if _, err := d.Files(); err != nil {
		return nil, err
	}
	return d, nil
}

// Marshal renders the descriptor the way legacy clients write it to disk:
// one-space indentation, sorted keys, ASCII only.
func (d *Descriptor) Marshal() ([]byte, error) {
	return pyDumps(d.fields, 1)
}

// SigningBytes is the serialization legacy signatures cover: the
// descriptor without its signatures, in compact Python JSON form.
func (d *Descriptor) SigningBytes() ([]byte, error) {
	unsigned := make(map[string]any, len(d.fields))
	for k, v := range d.fields {
		if k == FieldSign || k == FieldSigns {
			continue
		}
		unsigned[k] = v
	}
	return pyDumps(unsigned, 0)
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	return &Descriptor{fields: deepCopy(d.fields).(map[string]any)}
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// Get returns a raw field value.
func (d *Descriptor) Get(key string) (any, bool) {
	v, ok := d.fields[key]
	return v, ok
}

// Set stores a raw field value. Values must be JSON-like: nil, bool,
// string, json.Number, int64, uint64, float64, []any or map[string]any.
func (d *Descriptor) Set(key string, v any) { d.fields[key] = v }

func (d *Descriptor) str(key string) string {
	s, _ := d.fields[key].(string)
	return s
}

func (d *Descriptor) Address() string        { return d.str(FieldAddress) }
func (d *Descriptor) InnerPath() string      { return d.str(FieldInnerPath) }
func (d *Descriptor) Title() string          { return d.str(FieldTitle) }
func (d *Descriptor) Description() string    { return d.str(FieldDescription) }
func (d *Descriptor) Ignore() string         { return d.str(FieldIgnore) }
func (d *Descriptor) ZeroNetVersion() string { return d.str(FieldZeroNetVersion) }
func (d *Descriptor) SignersSign() string    { return d.str(FieldSignersSign) }

// Modified returns the descriptor's modification time. Legacy clients
// write whole seconds, milliseconds (13 digits) or fractional seconds.
func (d *Descriptor) Modified() (time.Time, error) {
	v, ok := d.fields[FieldModified]
	if !ok {
		return time.Time{}, invalid("missing %s", FieldModified)
	}
	var raw string
	switch x := v.(type) {
	case json.Number:
		raw = x.String()
	case int64:
		raw = strconv.FormatInt(x, 10)
	case uint64:
		raw = strconv.FormatUint(x, 10)
	case float64:
		raw = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return time.Time{}, invalid("%s is %T", FieldModified, v)
	}
	return parseModified(raw)
}

func parseModified(raw string) (time.Time, error) {
	if strings.ContainsAny(raw, ".eE") {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || math.IsInf(f, 0) {
			return time.Time{}, invalid("%s %q", FieldModified, raw)
		}
		return time.UnixMilli(int64(math.Round(f * 1000))).UTC(), nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, invalid("%s %q", FieldModified, raw)
	}
	if len(strings.TrimLeft(raw, "-")) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

// SetModified stores t as whole seconds.
func (d *Descriptor) SetModified(t time.Time) {
	d.fields[FieldModified] = t.Unix()
}

// Files returns the required files of the descriptor.
func (d *Descriptor) Files() (map[string]FileInfo, error) {
	return d.fileMap(FieldFiles)
}

// FilesOptional returns the optional files of the descriptor.
func (d *Descriptor) FilesOptional() (map[string]FileInfo, error) {
	return d.fileMap(FieldFilesOptional)
}

func (d *Descriptor) fileMap(key string) (map[string]FileInfo, error) {
	v, ok := d.fields[key]
	if !ok || v == nil {
		return map[string]FileInfo{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("%s is not an object", key)
	}
	out := make(map[string]FileInfo, len(m))
	for path, raw := range m {
		rec, ok := raw.(map[string]any)
		if !ok {
			return nil, invalid("%s[%q] is not an object", key, path)
		}
		sum, _ := rec["sha512"].(string)
		if !sha512Hex.MatchString(sum) {
			return nil, invalid("%s[%q].sha512 %q", key, path, sum)
		}
		size, err := toUint(rec["size"])
		if err != nil {
			return nil, invalid("%s[%q].size: %v", key, path, err)
		}
		out[path] = FileInfo{SHA512: sum, Size: size}
	}
	return out, nil
}

func toUint(v any) (uint64, error) {
	switch x := v.(type) {
	case json.Number:
		return strconv.ParseUint(x.String(), 10, 64)
	case uint64:
		return x, nil
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		return uint64(x), nil
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

// SetFile records a required file.
func (d *Descriptor) SetFile(path string, fi FileInfo) {
	m, ok := d.fields[FieldFiles].(map[string]any)
	if !ok {
		m = map[string]any{}
		d.fields[FieldFiles] = m
	}
	m[path] = map[string]any{"sha512": fi.SHA512, "size": fi.Size}
}

// Signs returns the address to base64 signature map.
func (d *Descriptor) Signs() map[string]string {
	out := map[string]string{}
	m, _ := d.fields[FieldSigns].(map[string]any)
	for addr, v := range m {
		if s, ok := v.(string); ok {
			out[addr] = s
		}
	}
	return out
}

// SignsRequired is the number of valid signatures a descriptor needs; it
// defaults to 1.
func (d *Descriptor) SignsRequired() int {
	n, err := toUint(d.fields[FieldSignsRequired])
	if err != nil || n == 0 || n > math.MaxInt32 {
		return 1
	}
	return int(n)
}

// Signers lists the addresses besides the site address that may sign.
func (d *Descriptor) Signers() []string {
	l, _ := d.fields[FieldSigners].([]any)
	var out []string
	for _, v := range l {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// validSigners is the signer list with the site address appended when
// absent.
func (d *Descriptor) validSigners() []string {
	out := d.Signers()
	for _, s := range out {
		if s == d.Address() {
			return out
		}
	}
	return append(out, d.Address())
}

func (d *Descriptor) signersData() []byte {
	return []byte(fmt.Sprintf("%d:%s", d.SignsRequired(), strings.Join(d.validSigners(), ",")))
}

// Sign adds key's signature over the descriptor's signing bytes. Existing
// signatures are kept; they stay valid only if nothing else changed.
func (d *Descriptor) Sign(key *secp256k1.PrivateKey) (string, error) {
	msg, err := d.SigningBytes()
	if err != nil {
		return "", err
	}
	addr := AddressFromPublicKey(key.PubKey(), true)
	m, ok := d.fields[FieldSigns].(map[string]any)
	if !ok {
		m = map[string]any{}
		d.fields[FieldSigns] = m
	}
	m[addr] = SignMessage(key, msg)
	return addr, nil
}

// AuthorizeSigners sets the signer list and signs_required, then signs
// them with the site key as signers_sign.
func (d *Descriptor) AuthorizeSigners(siteKey *secp256k1.PrivateKey, signers []string, required int) error {
	if AddressFromPublicKey(siteKey.PubKey(), true) != d.Address() {
		return errors.New("legacy: signers must be authorized by the site key")
	}
	if required < 1 {
		return fmt.Errorf("legacy: signs_required %d", required)
	}
	list := make([]any, len(signers))
	for i, s := range signers {
		if err := ValidateAddress(s); err != nil {
			return err
		}
		list[i] = s
	}
	d.fields[FieldSigners] = list
	d.fields[FieldSignsRequired] = int64(required)
	d.fields[FieldSignersSign] = SignMessage(siteKey, d.signersData())
	return nil
}

// Verify checks the descriptor's signatures: at least SignsRequired valid
// signatures from authorized signers. The site address is always
// authorized; other signers need a valid signers_sign by the site address.
func (d *Descriptor) Verify() error {
	if err := ValidateAddress(d.Address()); err != nil {
		return err
	}
	valid := d.validSigners()
	if len(valid) > 1 {
		if err := VerifyMessage(d.Address(), d.signersData(), d.SignersSign()); err != nil {
			return fmt.Errorf("legacy: signers_sign: %w", err)
		}
	}
	msg, err := d.SigningBytes()
	if err != nil {
		return err
	}
	signs := d.Signs()
	required := d.SignsRequired()
	count := 0
	for _, addr := range valid {
		sig, ok := signs[addr]
		if !ok {
			continue
		}
		if VerifyMessage(addr, msg, sig) == nil {
			count++
		}
		if count >= required {
			return nil
		}
	}
	return &SignsError{Valid: count, Required: required}
}

// ValidSignatures returns the authorized addresses whose signatures
// verify, sorted.
func (d *Descriptor) ValidSignatures() []string {
	msg, err := d.SigningBytes()
	if err != nil {
		return nil
	}
	signs := d.Signs()
	var out []string
	for _, addr := range d.validSigners() {
		if sig, ok := signs[addr]; ok && VerifyMessage(addr, msg, sig) == nil {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}
