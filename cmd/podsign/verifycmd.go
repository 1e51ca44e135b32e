package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"decentnet.org/podsign/history"
	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/publish"
	"decentnet.org/podsign/verify"
)

func (a *app) verifyCommand() *cobra.Command {
	var (
		asLegacy bool
		record   bool
		outDir   string
	)
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify a manifest (or legacy content.json) against the trust anchors",
		Long: `verify checks structure, previous link and signature of a manifest and
advances the site's recorded sequence on success. Replaying an older or
equal version of a site is rejected as a rollback.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInput(args[0], asLegacy)
			if err != nil {
				return err
			}
			anchors, err := a.trustStore()
			if err != nil {
				return err
			}
			tracker, err := a.sequences()
			if err != nil {
				return err
			}
			arena, err := a.manifests()
			if err != nil {
				return err
			}
			v := &verify.Verifier{Anchors: anchors, Tracker: tracker, Arena: arena, Logger: a.log}
			vc, err := v.Verify(cmd.Context(), in)
			if err != nil {
				var ve *verify.VerificationError
				if errors.As(err, &ve) {
					return fmt.Errorf("rejected (%s): %w", ve.Reason, err)
				}
				return err
			}
			if record {
				// A differently signed copy of the same version may already be recorded.
				if _, err := arena.Put(vc.Manifest); err != nil && !errors.Is(err, history.ErrImmutable) {
					return err
				}
			}
			if outDir != "" {
				if err := a.hydrate(vc, outDir); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.out, "accepted %s sequence %d %s (%s)\n", vc.Site, vc.Sequence, vc.ManifestID, vc.Kind)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asLegacy, "legacy", false, "Input is a legacy content.json descriptor")
	cmd.Flags().BoolVar(&record, "record", true, "Record accepted manifests so later versions can link to them")
	cmd.Flags().StringVar(&outDir, "out", "", "Fetch the verified files from the CAS into this directory")
	return cmd
}

func readInput(path string, asLegacy bool) (verify.Input, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return verify.Input{}, err
	}
	if asLegacy {
		d, err := legacy.Parse(b)
		if err != nil {
			return verify.Input{}, err
		}
		return verify.Input{Legacy: d}, nil
	}
	m, err := manifest.Decode(b)
	if err != nil {
		return verify.Input{}, err
	}
	return verify.Input{Manifest: m}, nil
}

func (a *app) hydrate(vc *verify.VerifiedContent, dir string) error {
	cas, err := a.blobs()
	if err != nil {
		return err
	}
	files, err := publish.Hydrate(cas, vc)
	if err != nil {
		return err
	}
	for p, b := range files {
		if err := manifest.CheckPath(p); err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return err
		}
	}
	return nil
}
