package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/threshold"
)

// KeyStore keeps seeds and key shares under Directory.
type KeyStore struct {
	Directory string
}

// KeyEntry summarizes one identity of the store.
type KeyEntry struct {
	Name   string
	Roles  []string
	Shares []threshold.Identifier
	Legacy bool
}

func GetDefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".podsign", "keys"), nil
}

func CreateKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = GetDefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) rootPath(name string) string {
	return filepath.Join(ks.Directory, name, "root.seed")
}

func (ks *KeyStore) rolePath(name, role string) string {
	return filepath.Join(ks.Directory, name, "roles", role+".seed")
}

func (ks *KeyStore) legacyPath(name string) string {
	return filepath.Join(ks.Directory, name, "legacy.wif")
}

func (ks *KeyStore) sharePath(name string, id threshold.Identifier) string {
	return filepath.Join(ks.Directory, name, "shares", strconv.Itoa(int(id))+".share")
}

func checkToken(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	for _, char := range s {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in %s", char, kind)
	}
	return nil
}

func CheckKeyName(name string) error { return checkToken("name", name) }

func CheckRole(role string) error { return checkToken("role", role) }

func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", SeedSize, len(data))
	}
	return data, nil
}

// NewSeed draws a root seed from rand (crypto/rand when nil).
func NewSeed(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func writeSecret(path string, data []byte, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Close()
}

func (ks *KeyStore) saveSeed(path string, seed []byte, overwrite bool) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", SeedSize)
	}
	return writeSecret(path, []byte(hex.EncodeToString(seed)+"\n"), overwrite)
}

func loadSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// InitializeRoot stores seed as the root seed of name and returns the
// public key of its single-signer key.
func (ks *KeyStore) InitializeRoot(name string, seed []byte, overwrite bool) (threshold.PublicKey, string, error) {
	if err := CheckKeyName(name); err != nil {
		return threshold.PublicKey{}, "", err
	}
	key, err := SingleKeyFromSeed(seed)
	if err != nil {
		return threshold.PublicKey{}, "", err
	}
	defer key.Zeroize()
	path := ks.rootPath(name)
	if err := ks.saveSeed(path, seed, overwrite); err != nil {
		return threshold.PublicKey{}, "", err
	}
	return key.Public(), path, nil
}

// DeriveRole derives and stores the role seed of name.
func (ks *KeyStore) DeriveRole(name, role string, overwrite bool) (threshold.PublicKey, string, error) {
	if err := CheckKeyName(name); err != nil {
		return threshold.PublicKey{}, "", err
	}
	root, err := loadSeed(ks.rootPath(name))
	if err != nil {
		return threshold.PublicKey{}, "", err
	}
	seed, err := DeriveRoleSeed(root, role)
	if err != nil {
		return threshold.PublicKey{}, "", err
	}
	key, err := SingleKeyFromSeed(seed)
	if err != nil {
		return threshold.PublicKey{}, "", err
	}
	defer key.Zeroize()
	path := ks.rolePath(name, role)
	if err := ks.saveSeed(path, seed, overwrite); err != nil {
		return threshold.PublicKey{}, "", err
	}
	return key.Public(), path, nil
}

// Seed returns the root seed of name, or its role seed when role is set.
func (ks *KeyStore) Seed(name, role string) ([]byte, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	if role == "" {
		return loadSeed(ks.rootPath(name))
	}
	if err := CheckRole(role); err != nil {
		return nil, err
	}
	return loadSeed(ks.rolePath(name, role))
}

// LoadSeed resolves a seed from, in order: a hex string, a seed file, or a
// stored identity.
func (ks *KeyStore) LoadSeed(seedHex, name, role, keyFile string) ([]byte, error) {
	switch {
	case seedHex != "":
		return ParseSeedHex(seedHex)
	case keyFile != "":
		return loadSeed(keyFile)
	case name != "":
		return ks.Seed(name, role)
	}
	return nil, errors.New("no signer provided")
}

// SingleKey returns the Schnorr key of name (and role).
func (ks *KeyStore) SingleKey(name, role string) (*threshold.PrivateKey, error) {
	seed, err := ks.Seed(name, role)
	if err != nil {
		return nil, err
	}
	return SingleKeyFromSeed(seed)
}

// ImportLegacyWIF stores an existing legacy site key for name and returns
// its address. It takes precedence over the key derived from the root seed.
// Signatures always commit to the compressed public key, so the address is
// the compressed one whatever the WIF flag says.
func (ks *KeyStore) ImportLegacyWIF(name, wif string, overwrite bool) (string, error) {
	if err := CheckKeyName(name); err != nil {
		return "", err
	}
	key, _, err := legacy.DecodeWIF(strings.TrimSpace(wif))
	if err != nil {
		return "", err
	}
	if err := writeSecret(ks.legacyPath(name), []byte(legacy.EncodeWIF(key)+"\n"), overwrite); err != nil {
		return "", err
	}
	return legacy.AddressFromPublicKey(key.PubKey(), true), nil
}

// LegacyKey returns the legacy site key of name: the imported one if
// present, else the one derived from the root seed.
func (ks *KeyStore) LegacyKey(name string) (*secp256k1.PrivateKey, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.legacyPath(name))
	switch {
	case err == nil:
		key, _, err := legacy.DecodeWIF(strings.TrimSpace(string(data)))
		return key, err
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	seed, err := loadSeed(ks.rootPath(name))
	if err != nil {
		return nil, err
	}
	return LegacyKeyFromSeed(seed)
}

// SaveShare stores a threshold key package under name.
func (ks *KeyStore) SaveShare(name string, kp *threshold.KeyPackage, overwrite bool) (string, error) {
	if err := CheckKeyName(name); err != nil {
		return "", err
	}
	if err := kp.Validate(); err != nil {
		return "", err
	}
	data, err := kp.MarshalBinary()
	if err != nil {
		return "", err
	}
	path := ks.sharePath(name, kp.ID)
	if err := writeSecret(path, data, overwrite); err != nil {
		return "", err
	}
	return path, nil
}

// LoadShare reads and validates the key package of participant id.
func (ks *KeyStore) LoadShare(name string, id threshold.Identifier) (*threshold.KeyPackage, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.sharePath(name, id))
	if err != nil {
		return nil, err
	}
	kp := new(threshold.KeyPackage)
	if err := kp.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("keys: share %d of %s: %w", id, name, err)
	}
	if kp.ID != id {
		return nil, fmt.Errorf("keys: share file %d holds participant %d", id, kp.ID)
	}
	if err := kp.Validate(); err != nil {
		return nil, err
	}
	return kp, nil
}

// Shares lists the participant shares stored under name.
func (ks *KeyStore) Shares(name string) ([]threshold.Identifier, error) {
	entries, err := os.ReadDir(filepath.Join(ks.Directory, name, "shares"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []threshold.Identifier
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".share")
		if e.IsDir() || !ok {
			continue
		}
		n, err := strconv.ParseUint(base, 10, 16)
		if err != nil {
			continue
		}
		ids = append(ids, threshold.Identifier(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (ks *KeyStore) ListKeys() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var result []KeyEntry
	for _, name := range names {
		entry := KeyEntry{Name: name}
		if roleEntries, err := os.ReadDir(filepath.Join(ks.Directory, name, "roles")); err == nil {
			for _, r := range roleEntries {
				if role, ok := strings.CutSuffix(r.Name(), ".seed"); ok && !r.IsDir() {
					entry.Roles = append(entry.Roles, role)
				}
			}
			sort.Strings(entry.Roles)
		}
		if entry.Shares, err = ks.Shares(name); err != nil {
			return nil, err
		}
		_, err := os.Stat(ks.legacyPath(name))
		entry.Legacy = err == nil
		result = append(result, entry)
	}
	return result, nil
}
