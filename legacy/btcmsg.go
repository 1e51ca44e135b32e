package legacy

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

// Legacy sites sign with Bitcoin message signatures: a recoverable
// secp256k1 ECDSA signature over the double SHA-256 of the prefixed
// message, base64 encoded. Addresses are P2PKH base58check strings.

const (
	messageMagic   = "Bitcoin Signed Message:\n"
	addressVersion = 0x00
	wifVersion     = 0x80
)

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

func writeCompactSize(buf *bytes.Buffer, n uint64) {
	var tmp [8]byte
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		binary.LittleEndian.PutUint16(tmp[:2], uint16(n))
		buf.Write(tmp[:2])
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		binary.LittleEndian.PutUint32(tmp[:4], uint32(n))
		buf.Write(tmp[:4])
	default:
		buf.WriteByte(0xff)
		binary.LittleEndian.PutUint64(tmp[:], n)
		buf.Write(tmp[:])
	}
}

// MessageHash is the digest a Bitcoin message signature commits to.
func MessageHash(msg []byte) []byte {
	var buf bytes.Buffer
	writeCompactSize(&buf, uint64(len(messageMagic)))
	buf.WriteString(messageMagic)
	writeCompactSize(&buf, uint64(len(msg)))
	buf.Write(msg)
	return doubleSHA256(buf.Bytes())
}

func checkEncode(version byte, payload []byte) string {
	b := append([]byte{version}, payload...)
	b = append(b, doubleSHA256(b)[:4]...)
	return base58.Encode(b)
}

func checkDecode(s string) (byte, []byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return 0, nil, err
	}
	if len(b) < 5 {
		return 0, nil, fmt.Errorf("too short")
	}
	body, sum := b[:len(b)-4], b[len(b)-4:]
	if !bytes.Equal(doubleSHA256(body)[:4], sum) {
		return 0, nil, fmt.Errorf("checksum mismatch")
	}
	return body[0], body[1:], nil
}

// AddressFromPublicKey returns the P2PKH address of pub in its compressed
// or uncompressed serialization.
func AddressFromPublicKey(pub *secp256k1.PublicKey, compressed bool) string {
	var ser []byte
	if compressed {
		ser = pub.SerializeCompressed()
	} else {
		ser = pub.SerializeUncompressed()
	}
	sum := sha256.Sum256(ser)
	h := ripemd160.New()
	h.Write(sum[:])
	return checkEncode(addressVersion, h.Sum(nil))
}

// ValidateAddress checks that addr is a version-0 base58check address.
func ValidateAddress(addr string) error {
	v, payload, err := checkDecode(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	if v != addressVersion || len(payload) != ripemd160.Size {
		return fmt.Errorf("%w: %q: unexpected version or length", ErrInvalidAddress, addr)
	}
	return nil
}

// SignMessage signs msg with key and returns the base64 compact signature.
// Signatures always commit to the compressed public key.
func SignMessage(key *secp256k1.PrivateKey, msg []byte) string {
	sig := ecdsa.SignCompact(key, MessageHash(msg), true)
	return base64.StdEncoding.EncodeToString(sig)
}

// RecoverAddress returns the address whose key produced sig over msg.
func RecoverAddress(msg []byte, sig string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrBadSignature, err)
	}
	return recoverRaw(msg, raw)
}

func recoverRaw(msg, raw []byte) (string, error) {
	if len(raw) != 65 {
		return "", fmt.Errorf("%w: length %d", ErrBadSignature, len(raw))
	}
	pub, compressed, err := ecdsa.RecoverCompact(raw, MessageHash(msg))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return AddressFromPublicKey(pub, compressed), nil
}

// VerifyMessage checks that sig over msg was produced by address.
func VerifyMessage(address string, msg []byte, sig string) error {
	got, err := RecoverAddress(msg, sig)
	if err != nil {
		return err
	}
	if got != address {
		return fmt.Errorf("%w: signed by %s, not %s", ErrBadSignature, got, address)
	}
	return nil
}

// EncodeWIF returns the wallet import format of key (compressed flag set).
func EncodeWIF(key *secp256k1.PrivateKey) string {
	return checkEncode(wifVersion, append(key.Serialize(), 0x01))
}

// DecodeWIF parses a wallet import format private key. It reports whether
// the key is meant to be used with a compressed public key.
func DecodeWIF(s string) (*secp256k1.PrivateKey, bool, error) {
	v, payload, err := checkDecode(s)
	if err != nil {
		return nil, false, fmt.Errorf("legacy: wif: %v", err)
	}
	if v != wifVersion {
		return nil, false, fmt.Errorf("legacy: wif: unexpected version 0x%02x", v)
	}
	switch {
	case len(payload) == 32:
		return secp256k1.PrivKeyFromBytes(payload), false, nil
	case len(payload) == 33 && payload[32] == 0x01:
		return secp256k1.PrivKeyFromBytes(payload[:32]), true, nil
	}
	return nil, false, fmt.Errorf("legacy: wif: unexpected length %d", len(payload))
}
