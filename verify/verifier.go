// Package verify accepts or rejects signed site manifests against configured
// trust anchors and enforces per-site rollback protection.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"decentnet.org/podsign/history"
	"decentnet.org/podsign/legacy"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/threshold"
)

// LegacyTrackPrefix namespaces the tracker keys of legacy-signed manifests.
// Legacy descriptors have no sequence number, so they are ordered by their
// modification time in milliseconds instead. Once a native version of a
// site has been accepted, legacy descriptors of that site are rejected.
const LegacyTrackPrefix = "legacy:"

// Input is one manifest to verify. Exactly one of Manifest and Legacy is set.
type Input struct {
	Manifest *manifest.Manifest
	Legacy   *legacy.Descriptor
	// Anchor overrides the Verifier's anchor lookup when non-nil.
	Anchor *TrustAnchor
	// Previous is the manifest the previous link must name. When nil the
	// Verifier resolves the link through its Arena.
	Previous *manifest.Manifest
}

// VerifiedContent is what a consumer may trust after Verify succeeds.
type VerifiedContent struct {
	Site       string
	Sequence   uint64
	ManifestID cid.Cid
	Files      []manifest.FileEntry
	Kind       manifest.SignatureKind
	Timestamp  time.Time
	Manifest   *manifest.Manifest
}

// Verifier checks manifests. It is safe for concurrent use when its Tracker
// and Arena are.
type Verifier struct {
	Anchors AnchorSource
	Tracker SequenceTracker
	// Arena resolves previous links not supplied in Input. Optional.
	Arena   history.Arena
	Logger  *zap.Logger
	Metrics *Metrics
}

// Verify runs the structural, link, signature and sequence checks in that
// order. The tracker is advanced only when every check has passed; any
// failure is a *VerificationError.
func (v *Verifier) Verify(ctx context.Context, in Input) (*VerifiedContent, error) {
	start := time.Now()
	out, err := v.verify(ctx, in)
	v.Metrics.observe(start, ReasonOf(err))
	log := v.logger()
	if err != nil {
		var ve *VerificationError
		if errors.As(err, &ve) {
			log.Warn("manifest rejected", zap.String("site", ve.Site), zap.Uint64("sequence", ve.Sequence),
				zap.String("reason", string(ve.Reason)), zap.Error(ve.Cause))
		}
		return nil, err
	}
	log.Info("manifest accepted", zap.String("site", out.Site), zap.Uint64("sequence", out.Sequence),
		zap.Stringer("id", out.ManifestID), zap.Stringer("kind", out.Kind), zap.Int("files", len(out.Files)))
	return out, nil
}

func (v *Verifier) logger() *zap.Logger {
	if v.Logger == nil {
		return zap.NewNop()
	}
	return v.Logger
}

func (v *Verifier) verify(ctx context.Context, in Input) (*VerifiedContent, error) {
	if v.Tracker == nil {
		return nil, errors.New("verify: verifier has no sequence tracker")
	}
	m, err := resolveInput(in)
	if err != nil {
		return nil, err
	}
	fail := func(reason Reason, cause error) error {
		return &VerificationError{Reason: reason, Site: m.Site, Sequence: m.Sequence, Cause: cause}
	}

	if errs := manifest.ValidateStructure(m, nil); len(errs) > 0 {
		return nil, fail(ReasonStructural, errors.Join(errs...))
	}
	if !m.Signed() {
		return nil, fail(ReasonBadSignature, errors.New("manifest is unsigned"))
	}
	id, err := manifest.ID(m)
	if err != nil {
		return nil, fail(ReasonStructural, err)
	}

	anchor, err := v.anchor(in, m.Site)
	if err != nil {
		return nil, fail(ReasonUnknownTrustAnchor, err)
	}
	if err := v.checkLink(m, in.Previous); err != nil {
		return nil, fail(ReasonLinkMismatch, err)
	}
	if err := checkSignature(m, anchor); err != nil {
		if errors.Is(err, errNoAnchorKey) {
			return nil, fail(ReasonUnknownTrustAnchor, err)
		}
		return nil, fail(ReasonBadSignature, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := v.advance(m); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, fail(ReasonSequenceRollback, err)
		}
		return nil, fmt.Errorf("verify: record sequence for %s: %w", m.Site, err)
	}

	return &VerifiedContent{
		Site:       m.Site,
		Sequence:   m.Sequence,
		ManifestID: id,
		Files:      append([]manifest.FileEntry(nil), m.Files...),
		Kind:       m.Signature.Kind,
		Timestamp:  m.Timestamp,
		Manifest:   m,
	}, nil
}

func resolveInput(in Input) (*manifest.Manifest, error) {
	switch {
	case in.Manifest != nil && in.Legacy != nil:
		return nil, errors.New("verify: input carries both a manifest and a legacy descriptor")
	case in.Manifest != nil:
		return in.Manifest, nil
	case in.Legacy != nil:
		m, err := legacy.FromLegacy(in.Legacy)
		if err != nil {
			return nil, &VerificationError{Reason: ReasonStructural, Site: in.Legacy.Address(), Cause: err}
		}
		return m, nil
	default:
		return nil, errors.New("verify: empty input")
	}
}

func (v *Verifier) anchor(in Input, site string) (TrustAnchor, error) {
	if in.Anchor != nil {
		if in.Anchor.Site != site {
			return TrustAnchor{}, fmt.Errorf("anchor is for %q", in.Anchor.Site)
		}
		return *in.Anchor, nil
	}
	if v.Anchors == nil {
		return TrustAnchor{}, errors.New("no trust anchors configured")
	}
	a, ok := v.Anchors.Anchor(site)
	if !ok {
		return TrustAnchor{}, fmt.Errorf("no trust anchor for %q", site)
	}
	return a, nil
}

func (v *Verifier) checkLink(m, prior *manifest.Manifest) error {
	if !m.Previous.Defined() {
		if prior != nil {
			return errors.New("previous manifest supplied but manifest has no previous link")
		}
		return nil
	}
	if prior == nil {
		if v.Arena == nil {
			return fmt.Errorf("previous manifest %s not supplied", m.Previous)
		}
		var err error
		if prior, err = v.Arena.Get(m.Previous); err != nil {
			return fmt.Errorf("resolve previous %s: %w", m.Previous, err)
		}
	}
	if prior.Site != m.Site {
		return fmt.Errorf("previous manifest belongs to %q", prior.Site)
	}
	return manifest.CheckLink(m, prior)
}

var errNoAnchorKey = errors.New("trust anchor has no key for this signature kind")

func checkSignature(m *manifest.Manifest, a TrustAnchor) error {
	block := m.Signature
	switch block.Kind {
	case manifest.SignatureSingle, manifest.SignatureThreshold:
		key := a.SingleKey
		if block.Kind == manifest.SignatureThreshold {
			key = a.GroupKey
		}
		if key.IsZero() {
			return fmt.Errorf("%w: %s", errNoAnchorKey, block.Kind)
		}
		if !bytes.Equal(block.Signer, key.Bytes()) {
			return errors.New("signer is not the anchored key")
		}
		msg, err := manifest.CanonicalEncoding(m)
		if err != nil {
			return err
		}
		return threshold.Verify(key, msg, block.Signature)
	case manifest.SignatureLegacy:
		if a.LegacyAddress == "" {
			return fmt.Errorf("%w: %s", errNoAnchorKey, block.Kind)
		}
		if m.Site != a.LegacyAddress {
			return fmt.Errorf("site %s is not the anchored address %s", m.Site, a.LegacyAddress)
		}
		return legacy.CheckSignature(m)
	default:
		return fmt.Errorf("unknown signature kind %s", block.Kind)
	}
}

func (v *Verifier) advance(m *manifest.Manifest) error {
	if m.Signature.Kind == manifest.SignatureLegacy {
		return v.Tracker.AdvanceUnless(LegacyTrackPrefix+m.Site, uint64(m.Timestamp.UnixMilli()), m.Site)
	}
	return v.Tracker.Advance(m.Site, m.Sequence)
}
