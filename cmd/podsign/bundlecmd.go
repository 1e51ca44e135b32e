package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"decentnet.org/podsign/storage/bundle"
)

func (a *app) bundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Move a site's history and blobs between stores",
	}

	var site, out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write a site's recorded chain and its blobs to a bundle",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if site == "" || out == "" {
				return usagef("export needs --site and --out")
			}
			arena, err := a.manifests()
			if err != nil {
				return err
			}
			head, err := arena.Head(site)
			if err != nil {
				return fmt.Errorf("site %s: %w", site, err)
			}
			cas, err := a.blobs()
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := bundle.ExportSite(f, cas, arena, head); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	export.Flags().StringVar(&site, "site", "", "Site name")
	export.Flags().StringVarP(&out, "out", "o", "", "Bundle file")

	var ignoreUnknown bool
	importCmd := &cobra.Command{
		Use:   "import <bundle>",
		Short: "Load a bundle into the configured stores",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arena, err := a.manifests()
			if err != nil {
				return err
			}
			cas, err := a.blobs()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			idx, err := bundle.Import(f, cas, bundle.ImportOptions{Arena: arena, IgnoreUnknown: ignoreUnknown})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "imported %d manifest(s) and %d blob(s)", len(idx.Manifests), len(idx.Blobs))
			if idx.Site != "" {
				fmt.Fprintf(a.out, " of %s head %s", idx.Site, idx.Head)
			}
			fmt.Fprintln(a.out)
			return nil
		},
	}
	importCmd.Flags().BoolVar(&ignoreUnknown, "ignore-unknown", false, "Skip unrecognised bundle entries")

	cmd.AddCommand(export, importCmd)
	return cmd
}
