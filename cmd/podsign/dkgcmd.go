package main

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"decentnet.org/podsign/threshold"
)

func (a *app) dkgCommand() *cobra.Command {
	var (
		name  string
		t, n  uint16
		force bool
	)
	cmd := &cobra.Command{
		Use:   "dkg-demo",
		Short: "Run a local distributed key generation and store every share",
		Long: `dkg-demo runs all n participants of a t-of-n key generation in this
process, passing every round-one message through the wire encoding, and
stores the resulting key packages under --name. Real deployments run each
participant on its own machine; this is for trying threshold signing out.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return usagef("missing --name")
			}
			ks, err := a.keyStore()
			if err != nil {
				return err
			}
			kps, g, err := runDKG(t, n)
			if err != nil {
				return err
			}
			for _, kp := range kps {
				path, err := ks.SaveShare(name, kp, force)
				kp.Zeroize()
				if err != nil {
					return err
				}
				a.log.Debug("share stored", zap.Uint16("participant", uint16(kp.ID)), zap.String("path", path))
			}
			fmt.Fprintf(a.errOut, "group %s: %d-of-%d\n", g.Fingerprint(), g.Threshold, g.Participants)
			fmt.Fprintln(a.out, g.PublicKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Identity to store the shares under")
	cmd.Flags().Uint16VarP(&t, "threshold", "t", 3, "Signatures required")
	cmd.Flags().Uint16VarP(&n, "participants", "n", 5, "Participants")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing shares")
	return cmd
}

func runDKG(t, n uint16) ([]*threshold.KeyPackage, *threshold.Group, error) {
	var (
		parts      []*threshold.DKGParticipant
		broadcasts []threshold.Round1Broadcast
		shares     []threshold.Round1Share
	)
	for id := threshold.Identifier(1); id <= threshold.Identifier(n); id++ {
		p, err := threshold.NewDKGParticipant(id, t, n, rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		b, sh, err := p.Round1()
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, p)
		got, err := relay(b)
		if err != nil {
			return nil, nil, err
		}
		broadcasts = append(broadcasts, got.(threshold.Round1Broadcast))
		for _, s := range sh {
			got, err := relay(s)
			if err != nil {
				return nil, nil, err
			}
			shares = append(shares, got.(threshold.Round1Share))
		}
	}
	g, err := threshold.AssembleGroup(t, n, broadcasts)
	if err != nil {
		return nil, nil, err
	}
	kps := make([]*threshold.KeyPackage, 0, len(parts))
	for _, p := range parts {
		kp, err := p.Finish(broadcasts, shares)
		if err != nil {
			return nil, nil, fmt.Errorf("participant %d: %w", p.ID(), err)
		}
		kps = append(kps, kp)
	}
	return kps, g, nil
}

// relay round-trips a message through its wire form.
func relay(v any) (any, error) {
	b, err := threshold.Marshal(v)
	if err != nil {
		return nil, err
	}
	return threshold.Unmarshal(b)
}
