package legacy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/manifest"
)

func keyOne() *secp256k1.PrivateKey {
	var b [32]byte
	b[31] = 1
	return secp256k1.PrivKeyFromBytes(b[:])
}

func TestAddressFromPublicKey_KnownVectors(t *testing.T) {
	pub := keyOne().PubKey()
	if got := AddressFromPublicKey(pub, true); got != "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH" {
		t.Fatalf("compressed address = %s", got)
	}
	if got := AddressFromPublicKey(pub, false); got != "1EHNa6Q4Jz2uvNExL497mE43ikXhwF6kZm" {
		t.Fatalf("uncompressed address = %s", got)
	}
	if err := ValidateAddress("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMi"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected checksum failure, got %v", err)
	}
}

func TestWIF_KnownVectors(t *testing.T) {
	if got := EncodeWIF(keyOne()); got != "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn" {
		t.Fatalf("wif = %s", got)
	}
	k, compressed, err := DecodeWIF("5HpHagT65TZzG1PH3CSu63k8DbpvD8s5ip4nEB3kEsreAnchuDf")
	if err != nil {
		t.Fatal(err)
	}
	if compressed || !k.Key.Equals(&keyOne().Key) {
		t.Fatalf("uncompressed wif decoded incorrectly")
	}
}

func TestSignMessage_RoundTrip(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := AddressFromPublicKey(key.PubKey(), true)
	msg := []byte("hello legacy")
	sig := SignMessage(key, msg)
	if err := VerifyMessage(addr, msg, sig); err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}
	got, err := RecoverAddress(msg, sig)
	if err != nil || got != addr {
		t.Fatalf("RecoverAddress = %s, %v", got, err)
	}
	if err := VerifyMessage(addr, []byte("hello legacy!"), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if err := VerifyMessage(addr, msg, "not base64!"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for garbage, got %v", err)
	}
}

func TestPyDumps_MatchesPython(t *testing.T) {
	const doc = `{"address":"1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D","files":{"index.html":{"sha512":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa","size":123}},` +
		`"modified":1700000000,"title":"Héllo \"w\"\n😀","zeronet_version":"0.7.1","empty":{},"list":[1,2.5,1e20,true,null],"signs":{"x":"y"}}`
	d, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"address": "1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D", "empty": {}, "files": {"index.html": {"sha512": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "size": 123}}, ` +
		`"list": [1, 2.5, 1e+20, true, null], "modified": 1700000000, "title": "H\u00e9llo \"w\"\n\ud83d\ude00", "zeronet_version": "0.7.1"}`
	if string(got) != want {
		t.Fatalf("signing bytes mismatch\n got: %s\nwant: %s", got, want)
	}

	pretty, err := d.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	wantPretty := "{\n \"address\": \"1HeLLo4uzjaLetFx6NH3PMwFP3qbRbTf3D\",\n \"empty\": {},\n \"files\": {\n  \"index.html\": {\n" +
		"   \"sha512\": \"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\",\n   \"size\": 123\n  }\n },\n" +
		" \"list\": [\n  1,\n  2.5,\n  1e+20,\n  true,\n  null\n ],\n \"modified\": 1700000000,\n \"signs\": {\n  \"x\": \"y\"\n },\n" +
		" \"title\": \"H\\u00e9llo \\\"w\\\"\\n\\ud83d\\ude00\",\n \"zeronet_version\": \"0.7.1\"\n}"
	if string(pretty) != wantPretty {
		t.Fatalf("pretty mismatch\n got: %q\nwant: %q", pretty, wantPretty)
	}
}

func TestPyFloat(t *testing.T) {
	for in, want := range map[float64]string{
		1.0:                  "1.0",
		0.1:                  "0.1",
		1234567.5:            "1234567.5",
		1e16:                 "1e+16",
		1e-5:                 "1e-05",
		0.0001:               "0.0001",
		123456789012345680.0: "1.2345678901234568e+17",
		1.5e-07:              "1.5e-07",
	} {
		got, err := pyFloat(in)
		if err != nil || got != want {
			t.Fatalf("pyFloat(%v) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestModified_Formats(t *testing.T) {
	cases := map[string]int64{
		"1700000000":     1700000000000,
		"1700000000123":  1700000000123,
		"1700000000.5":   1700000000500,
		"1.7000000001e9": 1700000000100,
	}
	for raw, ms := range cases {
		got, err := parseModified(raw)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got.UnixMilli() != ms {
			t.Fatalf("%s: got %d ms, want %d", raw, got.UnixMilli(), ms)
		}
	}
	if _, err := parseModified("-5"); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected invalid descriptor error, got %v", err)
	}
}

func signedSite(t *testing.T) (*secp256k1.PrivateKey, *Descriptor) {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	d := NewDescriptor(AddressFromPublicKey(key.PubKey(), true))
	d.Set(FieldTitle, "my site")
	d.SetModified(time.Unix(1700000000, 0))
	d.SetFile("index.html", FileInfo{SHA512: strings.Repeat("ab", 32), Size: 11})
	d.SetFile("js/all.js", FileInfo{SHA512: strings.Repeat("cd", 32), Size: 42})
	if _, err := d.Sign(key); err != nil {
		t.Fatal(err)
	}
	return key, d
}

func TestDescriptor_SelfSignedVerify(t *testing.T) {
	_, d := signedSite(t)
	if err := d.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	raw, err := d.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Verify(); err != nil {
		t.Fatalf("Verify after reparse: %v", err)
	}

	again.Set(FieldTitle, "defaced")
	var se *SignsError
	if err := again.Verify(); !errors.As(err, &se) || !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected SignsError, got %v", err)
	}
}

func TestDescriptor_SignersSign(t *testing.T) {
	siteKey, d := signedSite(t)
	k1, _ := secp256k1.GeneratePrivateKey()
	k2, _ := secp256k1.GeneratePrivateKey()
	a1 := AddressFromPublicKey(k1.PubKey(), true)
	a2 := AddressFromPublicKey(k2.PubKey(), true)

	d.Set(FieldSigns, map[string]any{})
	if err := d.AuthorizeSigners(siteKey, []string{a1, a2}, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Sign(k1); err != nil {
		t.Fatal(err)
	}
	var se *SignsError
	if err := d.Verify(); !errors.As(err, &se) || se.Valid != 1 || se.Required != 2 {
		t.Fatalf("expected 1 of 2 signatures, got %v", err)
	}
	if _, err := d.Sign(k2); err != nil {
		t.Fatal(err)
	}
	if err := d.Verify(); err != nil {
		t.Fatalf("Verify with two signers: %v", err)
	}

	// An unauthorized signer list invalidates signers_sign.
	d.Set(FieldSigners, []any{a1})
	if err := d.Verify(); err == nil {
		t.Fatalf("expected signers_sign failure")
	}
}

func TestFromLegacy_ImportsAndChecks(t *testing.T) {
	_, d := signedSite(t)
	m, err := FromLegacy(d)
	if err != nil {
		t.Fatal(err)
	}
	if m.Site != d.Address() || m.Sequence != 0 || m.Previous.Defined() {
		t.Fatalf("unexpected manifest header %s", m)
	}
	if m.Scheme != cidutil.SchemeLegacy || len(m.Files) != 2 {
		t.Fatalf("unexpected files %+v", m.Files)
	}
	if m.Signature == nil || m.Signature.Kind != manifest.SignatureLegacy {
		t.Fatalf("expected legacy signature block")
	}
	if err := CheckSignature(m); err != nil {
		t.Fatalf("CheckSignature: %v", err)
	}

	tampered := m.Clone()
	tampered.Files[0].Size++
	if err := CheckSignature(tampered); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestToLegacy_RoundTrip(t *testing.T) {
	_, d := signedSite(t)
	m, err := FromLegacy(d)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ToLegacy(m, nil)
	if err != nil {
		t.Fatal(err)
	}
	back, err := FromLegacy(out)
	if err != nil {
		t.Fatal(err)
	}
	if back.Site != m.Site || len(back.Files) != len(m.Files) {
		t.Fatalf("round trip changed the manifest")
	}
	for i := range back.Files {
		if back.Files[i].Path != m.Files[i].Path || !back.Files[i].ID.Equals(m.Files[i].ID) || back.Files[i].Size != m.Files[i].Size {
			t.Fatalf("entry %d differs", i)
		}
	}
}

func projectable(t *testing.T, site string) *manifest.Manifest {
	t.Helper()
	id, err := cidutil.SchemeLegacy.Identify([]byte("<html></html>"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := manifest.New(site, []manifest.FileEntry{{Path: "index.html", ID: id, Size: 13, Mime: "text/html"}},
		manifest.WithScheme(cidutil.SchemeLegacy), manifest.WithTimestamp(time.Unix(1700000000, 0)))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestToLegacy_ThresholdNeedsRepresentative(t *testing.T) {
	key, _ := secp256k1.GeneratePrivateKey()
	site := AddressFromPublicKey(key.PubKey(), true)
	m := projectable(t, site)
	signed, err := m.Sign(manifest.SignatureBlock{Kind: manifest.SignatureThreshold, Signer: []byte{1}, Signature: []byte{2}})
	if err != nil {
		t.Fatal(err)
	}

	var ue *UnrepresentableError
	if _, err := ToLegacy(signed, nil); !errors.As(err, &ue) {
		t.Fatalf("expected UnrepresentableError, got %v", err)
	}
	// A native single key cannot sign in the legacy format either.
	single, err := m.Sign(manifest.SignatureBlock{Kind: manifest.SignatureSingle, Signer: []byte{1}, Signature: []byte{2}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ToLegacy(single, nil); !errors.As(err, &ue) {
		t.Fatalf("single-signed: expected UnrepresentableError, got %v", err)
	}

	proj, err := Project(signed)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := proj.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	rep := &Representative{Address: site, Signature: SignMessage(key, msg)}
	d, err := ToLegacy(signed, rep)
	if err != nil {
		t.Fatalf("ToLegacy: %v", err)
	}
	if err := d.Verify(); err != nil {
		t.Fatalf("projected descriptor does not verify: %v", err)
	}
	files, _ := d.Files()
	if files["index.html"].SHA512 != mustDigest(t, m.Files[0]) {
		t.Fatalf("sha512 field does not carry the entry digest")
	}
}

func mustDigest(t *testing.T, f manifest.FileEntry) string {
	t.Helper()
	s, err := digestHex(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestProject_RejectsOtherSchemes(t *testing.T) {
	m, err := manifest.New("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", nil)
	if err != nil {
		t.Fatal(err)
	}
	var ue *UnrepresentableError
	if _, err := Project(m); !errors.As(err, &ue) {
		t.Fatalf("expected UnrepresentableError, got %v", err)
	}
}

func TestParse_RejectsMalformed(t *testing.T) {
	for _, doc := range []string{
		`[]`,
		`{"files":{}}`,
		`{"address":"1x","files":{"a":{"sha512":"zz","size":1}}}`,
		`{"address":"1x"} {}`,
	} {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("%s: expected ErrInvalidDescriptor, got %v", doc, err)
		}
	}
	var n json.Number = "3"
	if v, err := toUint(n); err != nil || v != 3 {
		t.Fatalf("toUint: %v %v", v, err)
	}
}

func TestFileEntry_RejectsBadDigest(t *testing.T) {
	for _, sum := range []string{"zz" + strings.Repeat("ab", 31), strings.Repeat("ab", 16), "abc"} {
		if _, err := fileEntry("index.html", FileInfo{SHA512: sum, Size: 1}); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("sha512 %q: expected ErrInvalidDescriptor, got %v", sum, err)
		}
	}
	e, err := fileEntry("index.html", FileInfo{SHA512: strings.Repeat("ab", 32), Size: 1})
	if err != nil {
		t.Fatal(err)
	}
	if s, err := cidutil.SchemeOf(e.ID); err != nil || s != cidutil.SchemeLegacy {
		t.Fatalf("scheme = %v, %v", s, err)
	}
}
