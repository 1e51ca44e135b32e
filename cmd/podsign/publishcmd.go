package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/spf13/cobra"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/history"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/publish"
	"decentnet.org/podsign/threshold"
)

var schemes = map[string]cidutil.Scheme{
	"default": cidutil.SchemeDefault,
	"legacy":  cidutil.SchemeLegacy,
	"blake3":  cidutil.SchemeBlake3,
}

func schemeByName(name string) (cidutil.Scheme, error) {
	s, ok := schemes[name]
	if !ok {
		return cidutil.Scheme{}, usagef("unknown scheme %q (default, legacy, blake3)", name)
	}
	return s, nil
}

func (a *app) cidCommand() *cobra.Command {
	var (
		scheme string
		tree   bool
	)
	cmd := &cobra.Command{
		Use:   "cid <path>...",
		Short: "Print content identifiers of files, or the tree identifier of a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usagef("cid needs at least one path")
			}
			s, err := schemeByName(scheme)
			if err != nil {
				return err
			}
			for _, p := range args {
				var id cid.Cid
				if tree {
					files, err := publish.LoadDir(p)
					if err != nil {
						return err
					}
					id, err = s.IdentifyTree(files)
					if err != nil {
						return err
					}
				} else {
					b, err := os.ReadFile(p)
					if err != nil {
						return err
					}
					if id, err = s.Identify(b); err != nil {
						return err
					}
				}
				if len(args) == 1 {
					fmt.Fprintln(a.out, id)
				} else {
					fmt.Fprintf(a.out, "%s\t%s\n", id, p)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", "default", "Addressing scheme: default, legacy or blake3")
	cmd.Flags().BoolVar(&tree, "tree", false, "Treat each path as a directory and print its tree identifier")
	return cmd
}

func (a *app) publishCommand() *cobra.Command {
	var (
		site, dir, out     string
		signer, signerRole string
		group              string
		ids                []string
		scheme             string
		timeout            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Stage a directory, sign the next version of a site and record it",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if site == "" || dir == "" {
				return usagef("publish needs --site and --dir")
			}
			if (signer == "") == (group == "") {
				return usagef("use exactly one of --signer and --threshold")
			}
			s, err := schemeByName(scheme)
			if err != nil {
				return err
			}
			files, err := publish.LoadDir(dir)
			if err != nil {
				return err
			}
			cas, err := a.blobs()
			if err != nil {
				return err
			}
			arena, err := a.manifests()
			if err != nil {
				return err
			}
			p := &publish.Publisher{CAS: cas, Arena: arena, Logger: a.log}

			var m *manifest.Manifest
			head, err := arena.Head(site)
			switch {
			case errors.Is(err, history.ErrNotFound):
				m, err = p.First(site, files, manifest.WithScheme(s))
			case err != nil:
				return err
			default:
				var prior *manifest.Manifest
				if prior, err = arena.Get(head); err != nil {
					return err
				}
				m, err = p.Next(prior, files)
			}
			if err != nil {
				return err
			}

			if signer != "" {
				m, err = a.signSingle(p, m, signer, signerRole)
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				m, err = a.signThreshold(ctx, p, m, group, ids)
			}
			if err != nil {
				return err
			}
			id, err := p.Record(m)
			if err != nil {
				return err
			}
			if out != "" {
				if err := writeManifest(out, m); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.errOut, "site %s sequence %d\n", m.Site, m.Sequence)
			fmt.Fprintln(a.out, id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&site, "site", "", "Site name")
	f.StringVar(&dir, "dir", "", "Directory holding the site files")
	f.StringVarP(&out, "out", "o", "", "Also write the signed manifest to this file")
	f.StringVar(&signer, "signer", "", "Sign with the single key of this identity")
	f.StringVar(&signerRole, "signer-role", "", "Use a derived role key of --signer")
	f.StringVar(&group, "threshold", "", "Sign with the threshold shares stored under this identity")
	f.StringSliceVar(&ids, "ids", nil, "Participant ids taking part in threshold signing (default: every stored share)")
	f.StringVar(&scheme, "scheme", "default", "Addressing scheme of a new site")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "Threshold signing deadline")
	return cmd
}

func (a *app) signSingle(p *publish.Publisher, m *manifest.Manifest, name, role string) (*manifest.Manifest, error) {
	ks, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	key, err := ks.SingleKey(name, role)
	if err != nil {
		return nil, err
	}
	defer key.Zeroize()
	return p.SignSingle(m, key)
}

func (a *app) signThreshold(ctx context.Context, p *publish.Publisher, m *manifest.Manifest, name string, raw []string) (*manifest.Manifest, error) {
	ids, err := parseIDs(raw)
	if err != nil {
		return nil, err
	}
	ks, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	signers, group, err := ks.Signers(name, ids, rand.Reader)
	if err != nil {
		return nil, err
	}
	coord, err := threshold.NewCoordinator(group, threshold.CoordinatorOptions{Logger: a.log})
	if err != nil {
		return nil, err
	}
	return p.SignThreshold(ctx, coord, signers, m)
}

func parseIDs(raw []string) ([]threshold.Identifier, error) {
	ids := make([]threshold.Identifier, 0, len(raw))
	for _, r := range raw {
		n, err := strconv.ParseUint(r, 10, 16)
		if err != nil || n == 0 {
			return nil, usagef("invalid participant id %q", r)
		}
		ids = append(ids, threshold.Identifier(n))
	}
	return ids, nil
}

func writeManifest(path string, m *manifest.Manifest) error {
	b, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func readManifest(path string) (*manifest.Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(b)
}

func (a *app) manifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect manifests",
	}

	show := &cobra.Command{
		Use:   "show <file>",
		Short: "Print a manifest file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readManifest(args[0])
			if err != nil {
				return err
			}
			return a.printManifest(m)
		},
	}

	idCmd := &cobra.Command{
		Use:   "id <file>",
		Short: "Print the identifier of a manifest file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readManifest(args[0])
			if err != nil {
				return err
			}
			id, err := manifest.ID(m)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, id)
			return nil
		},
	}

	var out string
	get := &cobra.Command{
		Use:   "get <cid>",
		Short: "Fetch a recorded manifest",
		Args:  exactArgs(1),
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
			if out == "" {
				return a.printManifest(m)
			}
			return writeManifest(out, m)
		},
	}
	get.Flags().StringVarP(&out, "out", "o", "", "Write the encoded manifest here instead of printing it")

	var site string
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "List the recorded versions of a site, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if site == "" {
				return usagef("missing --site")
			}
			arena, err := a.manifests()
			if err != nil {
				return err
			}
			head, err := arena.Head(site)
			if err != nil {
				return err
			}
			return history.Walk(arena, head, func(id cid.Cid, m *manifest.Manifest) error {
				fmt.Fprintf(a.out, "%d\t%s\t%s\t%s\n", m.Sequence, id, m.Timestamp.UTC().Format(time.RFC3339), m.Signature.Kind)
				return nil
			})
		},
	}
	logCmd.Flags().StringVar(&site, "site", "", "Site name")

	cmd.AddCommand(show, idCmd, get, logCmd)
	return cmd
}

func (a *app) printManifest(m *manifest.Manifest) error {
	id, err := manifest.ID(m)
	if err != nil {
		return err
	}
	w := a.out
	fmt.Fprintf(w, "id:        %s\n", id)
	fmt.Fprintf(w, "site:      %s\n", m.Site)
	fmt.Fprintf(w, "sequence:  %d\n", m.Sequence)
	fmt.Fprintf(w, "scheme:    %s\n", m.Scheme)
	fmt.Fprintf(w, "timestamp: %s\n", m.Timestamp.UTC().Format(time.RFC3339Nano))
	if m.Previous.Defined() {
		fmt.Fprintf(w, "previous:  %s\n", m.Previous)
	}
	if m.Signature != nil {
		fmt.Fprintf(w, "signature: %s\n", m.Signature.Kind)
	} else {
		fmt.Fprintln(w, "signature: none")
	}
	for _, f := range m.Files {
		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n", f.ID, f.Size, f.Mime, f.Path)
	}
	return nil
}
