package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"decentnet.org/podsign/cidutil"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/storage/casregistry"
)

// blobCommand talks to a CAS directly: the configured one, or a single
// registry backend chosen with --backend and its own flags.
func (a *app) blobCommand() *cobra.Command {
	var (
		backend string
		scheme  string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Store and fetch raw blobs",
	}
	goFlags := flag.NewFlagSet("blob", flag.ContinueOnError)
	casregistry.RegisterFlags(goFlags, casregistry.UsageCLI)
	pf := cmd.PersistentFlags()
	pf.AddGoFlagSet(goFlags)
	pf.StringVar(&backend, "backend", "", "Registry backend to use instead of the configured store")

	open := func() (storage.CAS, error) {
		if backend == "" {
			return a.blobs()
		}
		cas, closeFn, err := casregistry.Open(backend, casregistry.UsageCLI)
		if err != nil {
			return nil, err
		}
		if closeFn != nil {
			a.closers = append(a.closers, closeFn)
		}
		return cas, nil
	}

	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file and print its identifier",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := schemeByName(scheme)
			if err != nil {
				return err
			}
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cas, err := open()
			if err != nil {
				return err
			}
			id, err := storage.PutScheme(cas, s, b)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, id)
			return nil
		},
	}
	put.Flags().StringVar(&scheme, "scheme", "default", "Addressing scheme")

	get := &cobra.Command{
		Use:   "get <cid>",
		Short: "Fetch a blob",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cidutil.Parse(args[0])
			if err != nil {
				return usagef("%v: %v", storage.ErrInvalidCID, err)
			}
			cas, err := open()
			if err != nil {
				return err
			}
			b, err := cas.Get(id)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = a.out.Write(b)
				return err
			}
			return os.WriteFile(out, b, 0o600)
		},
	}
	get.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")

	has := &cobra.Command{
		Use:   "has <cid>",
		Short: "Exit 0 when the blob is present, 1 otherwise",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cidutil.Parse(args[0])
			if err != nil {
				return usagef("%v: %v", storage.ErrInvalidCID, err)
			}
			cas, err := open()
			if err != nil {
				return err
			}
			if !cas.Has(id) {
				return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
			}
			fmt.Fprintln(a.out, id)
			return nil
		},
	}

	backends := &cobra.Command{
		Use:   "backends",
		Short: "List the registry backends",
		Args:  exactArgs(0),
		Run: func(cmd *cobra.Command, _ []string) {
			for _, b := range casregistry.List(casregistry.UsageCLI) {
				fmt.Fprintf(a.out, "%s\t%s\n", b.Name, b.Description)
			}
		},
	}

	cmd.AddCommand(put, get, has, backends)
	return cmd
}
