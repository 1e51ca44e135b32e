package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"decentnet.org/podsign/keys"
	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/threshold"
	"decentnet.org/podsign/verify"
)

func (a *app) keyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the local keystore",
	}
	cmd.AddCommand(a.keyInitCommand(), a.keyDeriveCommand(), a.keyListCommand(),
		a.keyExportCommand(), a.keyImportWIFCommand(), a.keyAnchorCommand())
	return cmd
}

func (a *app) keyInitCommand() *cobra.Command {
	var (
		name    string
		seedHex string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a root seed and print its single-signer public key",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return usagef("missing --name")
			}
			ks, err := a.keyStore()
			if err != nil {
				return err
			}
			var seed []byte
			if seedHex != "" {
				if seed, err = keys.ParseSeedHex(seedHex); err != nil {
					return usagef("invalid --seed-hex: %v", err)
				}
			} else if seed, err = keys.NewSeed(nil); err != nil {
				return err
			}
			pub, path, err := ks.InitializeRoot(name, seed, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "stored %s\n", path)
			fmt.Fprintln(a.out, pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Identity name")
	cmd.Flags().StringVar(&seedHex, "seed-hex", "", "Root seed as 64 hex chars (random when omitted)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing root seed")
	return cmd
}

func (a *app) keyDeriveCommand() *cobra.Command {
	var (
		from  string
		role  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive a role key from a root seed",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from == "" || role == "" {
				return usagef("derive needs --from and --role")
			}
			ks, err := a.keyStore()
			if err != nil {
				return err
			}
			pub, path, err := ks.DeriveRole(from, role, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "stored %s\n", path)
			fmt.Fprintln(a.out, pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Identity holding the root seed")
	cmd.Flags().StringVar(&role, "role", "", "Role name")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing role seed")
	return cmd
}

func (a *app) keyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored identities",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, err := a.keyStore()
			if err != nil {
				return err
			}
			entries, err := ks.ListKeys()
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := e.Name
				if len(e.Roles) > 0 {
					line += "\troles=" + strings.Join(e.Roles, ",")
				}
				if len(e.Shares) > 0 {
					line += "\tshares=" + joinIDs(e.Shares)
				}
				if e.Legacy {
					line += "\tlegacy"
				}
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
}

func (a *app) keyExportCommand() *cobra.Command {
	var (
		name, role string
		legacyAddr bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the public key (or legacy address) of an identity",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return usagef("missing --name")
			}
			ks, err := a.keyStore()
			if err != nil {
				return err
			}
			if legacyAddr {
				key, err := ks.LegacyKey(name)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, legacy.AddressFromPublicKey(key.PubKey(), true))
				return nil
			}
			key, err := ks.SingleKey(name, role)
			if err != nil {
				return err
			}
			defer key.Zeroize()
			fmt.Fprintln(a.out, key.Public())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Identity name")
	cmd.Flags().StringVar(&role, "role", "", "Derived role")
	cmd.Flags().BoolVar(&legacyAddr, "legacy", false, "Print the legacy site address instead")
	return cmd
}

func (a *app) keyImportWIFCommand() *cobra.Command {
	var (
		name  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "import-wif <wif>",
		Short: "Import an existing legacy site key",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return usagef("missing --name")
			}
			ks, err := a.keyStore()
			if err != nil {
				return err
			}
			addr, err := ks.ImportLegacyWIF(name, args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Identity name")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an imported key")
	return cmd
}

func (a *app) keyAnchorCommand() *cobra.Command {
	var site, name, role string
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Print a trust anchor table for a site",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if site == "" || name == "" {
				return usagef("anchor needs --site and --name")
			}
			ks, err := a.keyStore()
			if err != nil {
				return err
			}
			anchor, err := ks.Anchor(site, name, role)
			if err != nil {
				return err
			}
			return toml.NewEncoder(a.out).Encode(struct {
				Anchors []anchorTable `toml:"anchor"`
			}{[]anchorTable{tableOf(anchor)}})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "Site the anchor is for")
	cmd.Flags().StringVar(&name, "name", "", "Identity name")
	cmd.Flags().StringVar(&role, "role", "", "Derived role of the single key")
	return cmd
}

// anchorTable is the TOML form of a trust anchor with absent keys omitted.
type anchorTable struct {
	Site          string `toml:"site"`
	SingleKey     string `toml:"single_key,omitempty"`
	GroupKey      string `toml:"group_key,omitempty"`
	LegacyAddress string `toml:"legacy_address,omitempty"`
}

func tableOf(a verify.TrustAnchor) anchorTable {
	t := anchorTable{Site: a.Site, LegacyAddress: a.LegacyAddress}
	if !a.SingleKey.IsZero() {
		t.SingleKey = a.SingleKey.String()
	}
	if !a.GroupKey.IsZero() {
		t.GroupKey = a.GroupKey.String()
	}
	return t
}

func joinIDs(ids []threshold.Identifier) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(uint16(id))
	}
	return strings.Join(parts, ",")
}
