package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"decentnet.org/podsign/history"
	"decentnet.org/podsign/internal/logging"
	"decentnet.org/podsign/keys"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/casconfig"
	"decentnet.org/podsign/storage/casregistry"
	"decentnet.org/podsign/storage/localfs"
	"decentnet.org/podsign/verify"

	_ "decentnet.org/podsign/storage/grpccas"
	_ "decentnet.org/podsign/storage/ipfs"
	_ "decentnet.org/podsign/storage/leveldbcas"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks command-line mistakes; they exit with status 2.
type usageError struct{ error }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err == nil {
		return 0
	}
	fmt.Fprintf(errOut, "podsign: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

// app carries the state shared by every subcommand. Stores are opened on
// first use and closed when the command returns.
type app struct {
	out, errOut io.Writer

	configPath string
	keysDir    string
	logEnv     string

	cfg Config
	log *zap.Logger

	ks      *keys.KeyStore
	cas     storage.CAS
	arena   *history.BoltArena
	tracker *verify.BoltTracker
	closers []func() error
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "podsign",
		Short: "Sign, publish and verify site content manifests",
		Long: `podsign builds content-addressed manifests of site versions, signs them
with single or threshold keys, bridges legacy content.json descriptors and
verifies manifests against configured trust anchors with rollback protection.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Path to podsign.toml (default ./podsign.toml when present)")
	pf.StringVar(&a.keysDir, "keys-dir", "", "Keystore directory (overrides keys_dir)")
	pf.StringVar(&a.logEnv, "log-env", "", "Logger environment: development or production")

	root.AddCommand(
		a.cidCommand(),
		a.keyCommand(),
		a.publishCommand(),
		a.manifestCommand(),
		a.verifyCommand(),
		a.legacyCommand(),
		a.bundleCommand(),
		a.blobCommand(),
		a.dkgCommand(),
	)
	return root
}

func (a *app) setup(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.keysDir != "" {
		cfg.KeysDir = a.keysDir
	}
	if a.logEnv != "" {
		cfg.Logger.Environment = a.logEnv
	}
	log, err := logging.New(cfg.Logger)
	if err != nil {
		return usageError{err}
	}
	a.cfg, a.log = cfg, log
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})
	return nil
}

func (a *app) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *app) keyStore() (*keys.KeyStore, error) {
	if a.ks == nil {
		ks, err := keys.CreateKeyStore(a.cfg.KeysDir)
		if err != nil {
			return nil, err
		}
		a.ks = ks
	}
	return a.ks, nil
}

// blobs opens the configured CAS: the backends of cas_config when set,
// otherwise a localfs store under the data directory.
func (a *app) blobs() (storage.CAS, error) {
	if a.cas != nil {
		return a.cas, nil
	}
	if a.cfg.CASConfig == "" {
		cas, err := localfs.New(a.cfg.BlobDir)
		if err != nil {
			return nil, err
		}
		a.cas = cas
		return cas, nil
	}
	cc, err := casconfig.LoadFile(a.cfg.CASConfig)
	if err != nil {
		return nil, err
	}
	cas, closeFn, err := cc.Open(casregistry.UsageCLI, a.cfg.CASPreferred)
	if err != nil {
		return nil, err
	}
	if closeFn != nil {
		a.closers = append(a.closers, closeFn)
	}
	a.cas = cas
	return cas, nil
}

func (a *app) manifests() (*history.BoltArena, error) {
	if a.arena != nil {
		return a.arena, nil
	}
	if err := ensureParent(a.cfg.Arena); err != nil {
		return nil, err
	}
	arena, err := history.OpenBoltArena(a.cfg.Arena)
	if err != nil {
		return nil, err
	}
	a.arena = arena
	a.closers = append(a.closers, arena.Close)
	return arena, nil
}

func (a *app) sequences() (*verify.BoltTracker, error) {
	if a.tracker != nil {
		return a.tracker, nil
	}
	if err := ensureParent(a.cfg.Tracker); err != nil {
		return nil, err
	}
	t, err := verify.OpenBoltTracker(a.cfg.Tracker)
	if err != nil {
		return nil, err
	}
	a.tracker = t
	a.closers = append(a.closers, t.Close)
	return t, nil
}

// trustStore merges the trust file with anchors written inline in the config.
func (a *app) trustStore() (*verify.TrustStore, error) {
	ts, err := verify.NewTrustStore(a.cfg.Anchors...)
	if err != nil {
		return nil, err
	}
	if a.cfg.Trust == "" {
		return ts, nil
	}
	file, err := verify.LoadTrustStore(a.cfg.Trust)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !a.cfg.trustExplicit {
			return ts, nil
		}
		return nil, err
	}
	for _, site := range file.Sites() {
		anchor, _ := file.Anchor(site)
		if err := ts.Add(anchor); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s: expected %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}
