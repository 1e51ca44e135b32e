package publish

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"decentnet.org/podsign/history"
	"decentnet.org/podsign/manifest"
	"decentnet.org/podsign/storage"
	"decentnet.org/podsign/threshold"
)

// Publisher builds and records the versions of sites. CAS receives the
// file blobs and Arena the signed manifests.
type Publisher struct {
	CAS    storage.CAS
	Arena  history.Arena
	Logger *zap.Logger
	// Rand feeds single-key signing; crypto/rand when nil.
	Rand io.Reader
}

func (p *Publisher) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Publisher) rand() io.Reader {
	if p.Rand == nil {
		return rand.Reader
	}
	return p.Rand
}

// First stages files and returns the unsigned genesis manifest of site.
func (p *Publisher) First(site string, files map[string][]byte, opts ...manifest.Option) (*manifest.Manifest, error) {
	entries, err := Stage(p.CAS, files)
	if err != nil {
		return nil, err
	}
	m, err := manifest.New(site, entries, opts...)
	if err != nil {
		return nil, err
	}
	p.log().Debug("genesis built", zap.String("site", site), zap.Int("files", len(entries)))
	return m, nil
}

// Next stages files and returns the unsigned successor of prior.
func (p *Publisher) Next(prior *manifest.Manifest, files map[string][]byte, opts ...manifest.Option) (*manifest.Manifest, error) {
	entries, err := StageScheme(p.CAS, prior.Scheme, files)
	if err != nil {
		return nil, err
	}
	m, err := manifest.NextVersion(prior, entries, opts...)
	if err != nil {
		return nil, err
	}
	p.log().Debug("version built", zap.String("site", m.Site), zap.Uint64("sequence", m.Sequence))
	return m, nil
}

// SignSingle signs m with one key.
func (p *Publisher) SignSingle(m *manifest.Manifest, key *threshold.PrivateKey) (*manifest.Manifest, error) {
	msg, err := manifest.CanonicalEncoding(m)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(p.rand(), msg)
	if err != nil {
		return nil, err
	}
	return m.Sign(manifest.SignatureBlock{
		Kind:      manifest.SignatureSingle,
		Signer:    key.Public().Bytes(),
		Signature: sig,
	})
}

// Seal attaches an aggregate threshold signature after checking it against
// the group key.
func Seal(m *manifest.Manifest, group threshold.PublicKey, sig []byte) (*manifest.Manifest, error) {
	msg, err := manifest.CanonicalEncoding(m)
	if err != nil {
		return nil, err
	}
	if err := threshold.Verify(group, msg, sig); err != nil {
		return nil, fmt.Errorf("publish: seal %s: %w", m, err)
	}
	return m.Sign(manifest.SignatureBlock{
		Kind:      manifest.SignatureThreshold,
		Signer:    group.Bytes(),
		Signature: sig,
	})
}

// SignThreshold runs one signing session for m with participants held in
// this process and seals the result. Participants left out of the signing
// set discard their nonces; the session is bounded by ctx.
func (p *Publisher) SignThreshold(ctx context.Context, c *threshold.Coordinator, signers []*threshold.Signer, m *manifest.Manifest) (*manifest.Manifest, error) {
	msg, err := manifest.CanonicalEncoding(m)
	if err != nil {
		return nil, err
	}
	sess := c.Open(msg)
	for _, s := range signers {
		cm, err := s.Commit(sess.ID)
		if err != nil {
			sess.Abort(err)
			discardAll(signers, sess)
			return nil, err
		}
		if err := sess.AddCommitment(cm); err != nil {
			s.Discard(sess.ID)
			var reuse *threshold.NonceReuseError
			if errors.As(err, &reuse) {
				// The ledger aborted the session; nobody may keep its nonces.
				discardAll(signers, sess)
				return nil, err
			}
			p.log().Warn("commitment rejected", zap.Uint16("participant", uint16(s.ID())), zap.Error(err))
		}
	}
	pkg, err := sess.Package()
	if err != nil {
		discardAll(signers, sess)
		return nil, err
	}

	chosen := map[threshold.Identifier]bool{}
	for _, id := range pkg.Signers() {
		chosen[id] = true
	}
	shares := make(chan threshold.SignatureShare, len(signers))
	var wg sync.WaitGroup
	for _, s := range signers {
		if !chosen[s.ID()] {
			s.Discard(sess.ID)
			continue
		}
		wg.Add(1)
		go func(s *threshold.Signer) {
			defer wg.Done()
			sh, err := s.Sign(pkg)
			if err != nil {
				p.log().Warn("participant did not sign", zap.Uint16("participant", uint16(s.ID())), zap.Error(err))
				return
			}
			shares <- sh
		}(s)
	}
	go func() {
		wg.Wait()
		close(shares)
	}()

	sig, err := sess.Collect(ctx, shares)
	if err != nil {
		discardAll(signers, sess)
		return nil, err
	}
	out, err := Seal(m, c.Group().PublicKey, sig)
	if err != nil {
		return nil, err
	}
	p.log().Info("threshold signed", zap.String("site", m.Site), zap.Uint64("sequence", m.Sequence),
		zap.Any("signers", pkg.Signers()))
	return out, nil
}

func discardAll(signers []*threshold.Signer, sess *threshold.Session) {
	for _, s := range signers {
		s.Discard(sess.ID)
	}
}

// Record stores a signed manifest in the arena.
func (p *Publisher) Record(m *manifest.Manifest) (cid.Cid, error) {
	if p.Arena == nil {
		return cid.Undef, errors.New("publish: no arena configured")
	}
	id, err := p.Arena.Put(m)
	if err != nil {
		return cid.Undef, err
	}
	p.log().Info("manifest recorded", zap.String("site", m.Site), zap.Uint64("sequence", m.Sequence), zap.Stringer("id", id))
	return id, nil
}

// LoadDir reads every regular file below root, keyed by slash-separated
// relative path. Hidden entries (leading dot) are skipped.
func LoadDir(root string) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && len(d.Name()) > 0 && d.Name()[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = b
		return nil
	})
	return out, err
}
