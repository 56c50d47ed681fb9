// Package signerpool selects among configured backend signers and tracks
// per-signer health, mirroring the gateway's multi-signer support: a single
// Kora deployment can rotate fee payment across several funded wallets.
package signerpool

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/gagliardetto/solana-go"
)

// Strategy selects how the pool picks a signer for a given request.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyWeighted   Strategy = "weighted"
)

// Signer abstracts a backend key material source. The memory backend wraps a
// solana.PrivateKey directly; remote backends (vault/turnkey/privy) would
// instead call out to a signing service, but present the same interface.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, message []byte) (solana.Signature, error)
}

// memorySigner signs with an in-process private key.
type memorySigner struct {
	key solana.PrivateKey
}

func (m memorySigner) PublicKey() solana.PublicKey { return m.key.PublicKey() }

func (m memorySigner) Sign(_ context.Context, message []byte) (solana.Signature, error) {
	sig, err := m.key.Sign(message)
	if err != nil {
		return solana.Signature{}, kerr.Signing(err)
	}
	return sig, nil
}

// NewMemorySigner wraps a raw private key as a Signer.
func NewMemorySigner(key solana.PrivateKey) Signer {
	return memorySigner{key: key}
}

// SignerWithMetadata pairs a signer with its pool bookkeeping: name, weight
// (used by the weighted strategy), and health counters that are reported by
// List but do not affect selection.
type SignerWithMetadata struct {
	Name    string
	Signer  Signer
	Weight  uint32
	success atomic.Uint64
	errors  atomic.Uint64
}

// SignerInfo is the public, read-only snapshot of a pool member returned by
// getPayerSigner / getConfig.
type SignerInfo struct {
	Name      string
	PublicKey solana.PublicKey
	Weight    uint32
	Successes uint64
	Errors    uint64
}

// Pool selects among a set of backend signers using a configured strategy.
// Mirrors the round-robin/random/weighted-random selection semantics of the
// original implementation's SignerPool.
type Pool struct {
	strategy Strategy
	signers  []*SignerWithMetadata
	rrCursor atomic.Uint64
	mu       sync.RWMutex
}

// New constructs a Pool from configured signer entries. keyLoader resolves a
// SignerEntryConfig into live key material (reading the referenced env var
// for memory-backed entries; dialing out for remote backends).
func New(cfg config.SignersConfig, keyLoader func(config.SignerEntryConfig) (Signer, error)) (*Pool, error) {
	if len(cfg.Signers) == 0 {
		return nil, kerr.Internal("signer pool requires at least one configured signer")
	}

	p := &Pool{strategy: Strategy(cfg.Strategy)}
	for _, entry := range cfg.Signers {
		signer, err := keyLoader(entry)
		if err != nil {
			return nil, kerr.Wrap(kerr.ErrCodeSigningError, fmt.Errorf("load signer %q: %w", entry.Name, err))
		}
		weight := entry.Weight
		if weight == 0 {
			weight = 1
		}
		p.signers = append(p.signers, &SignerWithMetadata{
			Name:   entry.Name,
			Signer: signer,
			Weight: weight,
		})
	}
	return p, nil
}

// Select picks a signer according to the pool's configured strategy.
func (p *Pool) Select() (*SignerWithMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.signers) == 0 {
		return nil, kerr.Internal("signer pool is empty")
	}

	switch p.strategy {
	case StrategyRandom:
		return p.selectRandom()
	case StrategyWeighted:
		return p.selectWeighted()
	default:
		return p.selectRoundRobin()
	}
}

// selectRoundRobin picks signers in strict rotation via an atomic counter
// modulo the pool size, giving each signer exactly even usage over time.
func (p *Pool) selectRoundRobin() (*SignerWithMetadata, error) {
	idx := p.rrCursor.Add(1) - 1
	return p.signers[int(idx%uint64(len(p.signers)))], nil
}

// selectRandom picks uniformly among all signers.
func (p *Pool) selectRandom() (*SignerWithMetadata, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.signers))))
	if err != nil {
		return nil, kerr.Internal("generate random signer index: " + err.Error())
	}
	return p.signers[n.Int64()], nil
}

// selectWeighted picks a signer with probability proportional to its
// configured weight, via cumulative-weight sampling over a uniform draw in
// [0, totalWeight).
func (p *Pool) selectWeighted() (*SignerWithMetadata, error) {
	var total uint64
	for _, s := range p.signers {
		total += uint64(s.Weight)
	}
	if total == 0 {
		return p.signers[0], nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
	if err != nil {
		return nil, kerr.Internal("generate weighted signer index: " + err.Error())
	}
	draw := uint64(n.Int64())

	var cumulative uint64
	for _, s := range p.signers {
		cumulative += uint64(s.Weight)
		if draw < cumulative {
			return s, nil
		}
	}
	return p.signers[len(p.signers)-1], nil
}

// ByPublicKey pins selection to a specific signer, used when a caller asks
// for a specific fee payer via getPayerSigner or a pinned signTransaction.
func (p *Pool) ByPublicKey(pubkey solana.PublicKey) (*SignerWithMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, s := range p.signers {
		if s.Signer.PublicKey().Equals(pubkey) {
			return s, nil
		}
	}
	return nil, kerr.AccountNotFound(pubkey.String())
}

// MarkSuccess records a successful operation against a pool member.
func (p *Pool) MarkSuccess(s *SignerWithMetadata) {
	s.success.Add(1)
}

// MarkError records a failed operation against a pool member.
func (p *Pool) MarkError(s *SignerWithMetadata) {
	s.errors.Add(1)
}

// List returns a read-only snapshot of every pool member, used by getConfig
// and getSupportedTokens to report fee payer candidates.
func (p *Pool) List() []SignerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]SignerInfo, 0, len(p.signers))
	for _, s := range p.signers {
		infos = append(infos, SignerInfo{
			Name:      s.Name,
			PublicKey: s.Signer.PublicKey(),
			Weight:    s.Weight,
			Successes: s.success.Load(),
			Errors:    s.errors.Load(),
		})
	}
	return infos
}
