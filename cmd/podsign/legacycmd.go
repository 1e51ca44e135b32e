package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/publish"
)

const legacyDescriptorName = "content.json"

func (a *app) legacyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legacy",
		Short: "Work with legacy content.json descriptors",
	}
	cmd.AddCommand(a.legacyBuildCommand(), a.legacySignCommand(), a.legacyCheckCommand(),
		a.legacyScanCommand(), a.legacyImportCommand(), a.legacyExportCommand())
	return cmd
}

func (a *app) legacyKey(name string) (*secp256k1.PrivateKey, error) {
	if name == "" {
		return nil, usagef("missing --key")
	}
	ks, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return ks.LegacyKey(name)
}

func writeDescriptor(path string, d *legacy.Descriptor) error {
	b, err := d.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func readDescriptor(path string) (*legacy.Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return legacy.Parse(b)
}

func (a *app) legacyBuildCommand() *cobra.Command {
	var keyName, dir, title, out string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Write a signed content.json for a directory",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				return usagef("missing --dir")
			}
			key, err := a.legacyKey(keyName)
			if err != nil {
				return err
			}
			files, err := publish.LoadDir(dir)
			if err != nil {
				return err
			}
			delete(files, legacyDescriptorName)
			cas, err := a.blobs()
			if err != nil {
				return err
			}
			entries, err := publish.StageScheme(cas, cidutil.SchemeLegacy, files)
			if err != nil {
				return err
			}
			addr := legacy.AddressFromPublicKey(key.PubKey(), true)
			m, err := manifest.New(addr, entries, manifest.WithScheme(cidutil.SchemeLegacy))
			if err != nil {
				return err
			}
			d, err := legacy.Project(m)
			if err != nil {
				return err
			}
			if title != "" {
				d.Set(legacy.FieldTitle, title)
			}
			if _, err := d.Sign(key); err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(dir, legacyDescriptorName)
			}
			if err := writeDescriptor(out, d); err != nil {
				return err
			}
			fmt.Fprintln(a.out, addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Identity holding the legacy site key")
	cmd.Flags().StringVar(&dir, "dir", "", "Site directory")
	cmd.Flags().StringVar(&title, "title", "", "Site title")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default <dir>/content.json)")
	return cmd
}

func (a *app) legacySignCommand() *cobra.Command {
	var (
		keyName string
		touch   bool
	)
	cmd := &cobra.Command{
		Use:   "sign <content.json>",
		Short: "Add a signature to a descriptor in place",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.legacyKey(keyName)
			if err != nil {
				return err
			}
			d, err := readDescriptor(args[0])
			if err != nil {
				return err
			}
			if touch {
				d.SetModified(time.Now())
			}
			addr, err := d.Sign(key)
			if err != nil {
				return err
			}
			if err := writeDescriptor(args[0], d); err != nil {
				return err
			}
			fmt.Fprintln(a.out, addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Identity holding the legacy key")
	cmd.Flags().BoolVar(&touch, "touch", false, "Set modified to the current time before signing")
	return cmd
}

func (a *app) legacyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <content.json>",
		Short: "Check a descriptor's own signatures without consulting trust anchors",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readDescriptor(args[0])
			if err != nil {
				return err
			}
			if err := d.Verify(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "valid %s signed by %s\n", d.Address(), strings.Join(d.ValidSignatures(), ","))
			return nil
		},
	}
}

func (a *app) legacyScanCommand() *cobra.Command {
	var dataDir, printMissing bool
	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Verify a site directory's content.json and every descriptor it includes",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reports []*legacy.SiteReport
			if dataDir {
				var err error
				if reports, err = legacy.CheckDataDir(args[0]); err != nil {
					return err
				}
			} else {
				r, err := legacy.CheckSite(args[0])
				if err != nil {
					return err
				}
				reports = append(reports, r)
			}
			problems := 0
			for _, r := range reports {
				site := r.Address
				if site == "" {
					site = r.Dir
				}
				for _, res := range r.Problems() {
					if res.Status == legacy.StatusMissingFile && res.Path != legacy.RootInnerPath && !printMissing {
						continue
					}
					problems++
					fmt.Fprintf(a.out, "Site: %s, %s: err: %s: %v\n", site, res.Path, res.Status, res.Err)
				}
			}
			fmt.Fprintf(a.out, "checked %d site(s), %d problem(s)\n", len(reports), problems)
			if problems > 0 {
				return fmt.Errorf("%d problem(s) found", problems)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dataDir, "data-dir", false, "Treat <dir> as a client data directory holding one directory per site")
	cmd.Flags().BoolVar(&printMissing, "print-missing", false, "Report included descriptors that are absent")
	return cmd
}

func (a *app) legacyImportCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "import <content.json>",
		Short: "Convert a descriptor into a manifest",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readDescriptor(args[0])
			if err != nil {
				return err
			}
			m, err := legacy.FromLegacy(d)
			if err != nil {
				return err
			}
			if out != "" {
				if err := writeManifest(out, m); err != nil {
					return err
				}
			}
			id, err := manifest.ID(m)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the manifest to this file")
	return cmd
}

func (a *app) legacyExportCommand() *cobra.Command {
	var keyName, out string
	cmd := &cobra.Command{
		Use:   "export <cid>",
		Short: "Express a recorded manifest as a legacy descriptor",
		Long: `export re-emits the descriptor carried by manifests imported from the
legacy format. Other manifests need --key: the site key then signs the
projection as the representative legacy signature.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cidutil.Parse(args[0])
			if err != nil {
				return usagef("invalid cid: %v", err)
			}
			arena, err := a.manifests()
			if err != nil {
				return err
			}
			m, err := arena.Get(id)
			if err != nil {
				return err
			}
			var rep *legacy.Representative
			if keyName != "" {
				key, err := a.legacyKey(keyName)
				if err != nil {
					return err
				}
				proj, err := legacy.Project(m)
				if err != nil {
					return err
				}
				addr, err := proj.Sign(key)
				if err != nil {
					return err
				}
				rep = &legacy.Representative{Address: addr, Signature: proj.Signs()[addr]}
			}
			d, err := legacy.ToLegacy(m, rep)
			if err != nil {
				return err
			}
			if out == "" {
				b, err := d.Marshal()
				if err != nil {
					return err
				}
				_, err = a.out.Write(b)
				return err
			}
			return writeDescriptor(out, d)
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Identity holding the site key")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default stdout)")
	return cmd
}
