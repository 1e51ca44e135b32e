package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"decentnet.org/podsign/internal/logging"
	"decentnet.org/podsign/verify"
)

const defaultConfigFile = "podsign.toml"

// Config is the podsign.toml file. Relative paths are resolved against the
// directory of the file.
//
//	data_dir = "/var/lib/podsign"
//	cas_config = "cas.toml"
//
//	[logger]
//	env = "production"
//
//	[[anchor]]
//	site = "alpha"
//	group_key = "<hex>"
type Config struct {
	DataDir      string               `toml:"data_dir"`
	KeysDir      string               `toml:"keys_dir"`
	BlobDir      string               `toml:"blob_dir"`
	CASConfig    string               `toml:"cas_config"`
	CASPreferred string               `toml:"cas_preferred"`
	Arena        string               `toml:"arena"`
	Tracker      string               `toml:"tracker"`
	Trust        string               `toml:"trust"`
	Logger       logging.Config       `toml:"logger"`
	Anchors      []verify.TrustAnchor `toml:"anchor"`

	trustExplicit bool
}

// loadConfig reads path, or ./podsign.toml when path is empty and the file
// exists, and fills in defaults below the data directory.
func loadConfig(path string) (Config, error) {
	cfg := Config{Logger: logging.DefaultConfig()}
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	base := "."
	md, err := toml.DecodeFile(path, &cfg)
	switch {
	case err == nil:
		if un := md.Undecoded(); len(un) > 0 {
			return cfg, usagef("config %s: unknown keys %v", path, un)
		}
		base = filepath.Dir(path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.trustExplicit = cfg.Trust != ""
	return cfg, cfg.resolve(base)
}

func (c *Config) resolve(base string) error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.DataDir = filepath.Join(home, ".podsign")
	}
	c.DataDir = rel(base, c.DataDir)
	defaults := []struct {
		field *string
		name  string
	}{
		{&c.KeysDir, "keys"},
		{&c.BlobDir, "blobs"},
		{&c.Arena, "arena.db"},
		{&c.Tracker, "tracker.db"},
		{&c.Trust, "trust.toml"},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = filepath.Join(c.DataDir, d.name)
			continue
		}
		*d.field = rel(base, *d.field)
	}
	if c.CASConfig != "" {
		c.CASConfig = rel(base, c.CASConfig)
	}
	if c.Logger.Path != "" {
		c.Logger.Path = rel(base, c.Logger.Path)
	}
	return nil
}

func rel(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func ensureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
