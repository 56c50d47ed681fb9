// Package cacherpc is Kora's single point of contact with the Solana RPC
// node: every account-info, blockhash, and address-lookup-table fetch goes
// through here so the rest of the gateway never talks to the upstream node
// directly. Requests are TTL-cached, concurrent duplicate lookups for the
// same key are coalesced with singleflight, and every upstream call is
// wrapped in a circuit breaker so a degraded RPC node fails fast instead of
// piling up latency across every in-flight request.
package cacherpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CedrosPay/kora-server/internal/cacheutil"
	"github.com/CedrosPay/kora-server/internal/circuitbreaker"
	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/metrics"
	"github.com/CedrosPay/kora-server/internal/rpcutil"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/singleflight"
)

// SolanaRPC is the subset of gagliardetto/solana-go's RPC client Kora calls
// directly; narrowed to an interface so tests can substitute a stub.
type SolanaRPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, size uint64, commitment rpc.CommitmentType) (uint64, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// Facade is the cached, circuit-broken RPC client used by the resolver,
// policy extensions, payment verification and the usage limiter; the fee
// estimator is given the RPC client directly.
type Facade struct {
	client      SolanaRPC
	commitment  rpc.CommitmentType
	breaker     *circuitbreaker.Manager
	metrics     *metrics.Metrics
	group       singleflight.Group

	accountTTL  time.Duration
	blockhashTTL time.Duration
	lookupTTL   time.Duration

	accountMu    sync.RWMutex
	accountCache map[string]cacheutil.CachedValue[*rpc.Account]

	blockhashMu    sync.RWMutex
	blockhashCache cacheutil.CachedValue[solana.Hash]
	haveBlockhash  bool

	lookupMu    sync.RWMutex
	lookupCache map[string]cacheutil.CachedValue[lookupTableEntry]

	counterMu sync.Mutex
	counters  map[string]uint64
}

type lookupTableEntry struct {
	writable []solana.PublicKey
	readonly []solana.PublicKey
}

// New builds a Facade from the configured cache TTLs and commitment level.
func New(client SolanaRPC, commitment rpc.CommitmentType, cfg config.CacheConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics) *Facade {
	return &Facade{
		client:       client,
		commitment:   commitment,
		breaker:      breaker,
		metrics:      m,
		accountTTL:   cfg.AccountTTL.Duration,
		blockhashTTL: cfg.BlockhashTTL.Duration,
		lookupTTL:    cfg.LookupTableTTL.Duration,
		accountCache: make(map[string]cacheutil.CachedValue[*rpc.Account]),
		lookupCache:  make(map[string]cacheutil.CachedValue[lookupTableEntry]),
	}
}

// execute runs fn behind the circuit breaker, retrying transient failures
// (timeouts, connection resets, rate limits, 5xx) with exponential backoff
// as long as the breaker stays closed.
func (f *Facade) execute(ctx context.Context, method string, fn func() (any, error)) (any, error) {
	start := time.Now()

	result, err := rpcutil.WithRetry(ctx, func() (any, error) {
		if f.breaker == nil {
			return fn()
		}
		return f.breaker.Execute(circuitbreaker.ServiceSolanaRPC, fn)
	})

	if f.metrics != nil {
		f.metrics.ObserveRPCCall(method, time.Since(start), err)
	}
	return result, err
}

// GetAccount fetches account info, through the TTL cache, deduping
// concurrent requests for the same pubkey.
func (f *Facade) GetAccount(ctx context.Context, pubkey solana.PublicKey) (*rpc.Account, error) {
	key := pubkey.String()

	account, err := cacheutil.ReadThrough(
		&f.accountMu,
		func(now time.Time) (*rpc.Account, bool) {
			entry, ok := f.accountCache[key]
			if ok && now.Sub(entry.FetchedAt) < f.accountTTL {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) (*rpc.Account, error) {
			v, err, _ := f.group.Do("account:"+key, func() (interface{}, error) {
				result, err := f.execute(ctx, "getAccountInfo", func() (any, error) {
					return f.client.GetAccountInfo(ctx, pubkey)
				})
				if err != nil {
					return nil, kerr.RPC(err)
				}
				resp := result.(*rpc.GetAccountInfoResult)
				if resp == nil || resp.Value == nil {
					return nil, kerr.AccountNotFound(pubkey.String())
				}
				return resp.Value, nil
			})
			if err != nil {
				return nil, err
			}
			account := v.(*rpc.Account)
			f.accountCache[key] = cacheutil.CachedValue[*rpc.Account]{Value: account, FetchedAt: now}
			return account, nil
		},
	)

	if f.metrics != nil {
		f.metrics.ObserveCache("account", err == nil && account != nil)
	}
	return account, err
}

// GetLatestBlockhash fetches the latest blockhash, through the TTL cache.
func (f *Facade) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	hash, err := cacheutil.ReadThrough(
		&f.blockhashMu,
		func(now time.Time) (solana.Hash, bool) {
			if f.haveBlockhash && now.Sub(f.blockhashCache.FetchedAt) < f.blockhashTTL {
				return f.blockhashCache.Value, true
			}
			return solana.Hash{}, false
		},
		func(now time.Time) (solana.Hash, error) {
			v, err, _ := f.group.Do("blockhash", func() (interface{}, error) {
				result, err := f.execute(ctx, "getLatestBlockhash", func() (any, error) {
					return f.client.GetLatestBlockhash(ctx, f.commitment)
				})
				if err != nil {
					return solana.Hash{}, kerr.RPC(err)
				}
				resp := result.(*rpc.GetLatestBlockhashResult)
				return resp.Value.Blockhash, nil
			})
			if err != nil {
				return solana.Hash{}, err
			}
			hash := v.(solana.Hash)
			f.blockhashCache = cacheutil.CachedValue[solana.Hash]{Value: hash, FetchedAt: now}
			f.haveBlockhash = true
			return hash, nil
		},
	)
	return hash, err
}

// GetAddressLookupTable fetches and decodes an address lookup table
// account's writable and readonly address lists, through the TTL cache.
// Implements resolver.AddressLookupResolver.
func (f *Facade) GetAddressLookupTable(ctx context.Context, table solana.PublicKey) ([]solana.PublicKey, []solana.PublicKey, error) {
	key := table.String()

	entry, err := cacheutil.ReadThrough(
		&f.lookupMu,
		func(now time.Time) (lookupTableEntry, bool) {
			entry, ok := f.lookupCache[key]
			if ok && now.Sub(entry.FetchedAt) < f.lookupTTL {
				return entry.Value, true
			}
			return lookupTableEntry{}, false
		},
		func(now time.Time) (lookupTableEntry, error) {
			v, err, _ := f.group.Do("lookup:"+key, func() (interface{}, error) {
				account, err := f.GetAccount(ctx, table)
				if err != nil {
					return lookupTableEntry{}, err
				}
				addresses, err := decodeLookupTableAddresses(account.Data.GetBinary())
				if err != nil {
					return lookupTableEntry{}, kerr.Wrap(kerr.ErrCodeInvalidTransaction, fmt.Errorf("decode lookup table %s: %w", table, err))
				}
				// A lookup table doesn't itself distinguish writable from
				// readonly addresses; that distinction is per-transaction,
				// determined by which index a message's WritableIndexes vs
				// ReadonlyIndexes reference. The facade returns the full
				// address list as both; the resolver selects by index.
				return lookupTableEntry{writable: addresses, readonly: addresses}, nil
			})
			if err != nil {
				return lookupTableEntry{}, err
			}
			entry := v.(lookupTableEntry)
			f.lookupCache[key] = cacheutil.CachedValue[lookupTableEntry]{Value: entry, FetchedAt: now}
			return entry, nil
		},
	)
	if err != nil {
		return nil, nil, err
	}
	return entry.writable, entry.readonly, nil
}

// IncrementCounter atomically increments an in-memory counter identified by
// key and returns its new value. Backs the usage limiter's per-wallet and
// per-instruction counters (spec §4.7) in place of a dedicated database;
// counters don't expire on their own, so windowed rules must bucket the
// time window into the key itself.
func (f *Facade) IncrementCounter(_ context.Context, key string) (uint64, error) {
	f.counterMu.Lock()
	defer f.counterMu.Unlock()
	if f.counters == nil {
		f.counters = make(map[string]uint64)
	}
	f.counters[key]++
	return f.counters[key], nil
}

// SendTransaction broadcasts a fully-signed transaction to the upstream
// RPC node. Unlike every other Facade method this is a write, not a
// lookup, so it bypasses the TTL cache but still goes through the circuit
// breaker like any other upstream call.
func (f *Facade) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	result, err := f.execute(ctx, "sendTransaction", func() (any, error) {
		return f.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: f.commitment,
		})
	})
	if err != nil {
		return solana.Signature{}, kerr.RPC(err)
	}
	return result.(solana.Signature), nil
}

// addressLookupTableHeaderSize is the fixed-size prefix of an Address
// Lookup Table account before its packed address list:
// discriminator(4) + deactivation_slot(8) + last_extended_slot(8) +
// last_extended_slot_start_index(1) + authority_option(1) + padding(2).
const addressLookupTableHeaderSize = 24

func decodeLookupTableAddresses(data []byte) ([]solana.PublicKey, error) {
	if len(data) < addressLookupTableHeaderSize {
		return nil, fmt.Errorf("account data too short to be a lookup table: %d bytes", len(data))
	}

	hasAuthority := data[21] == 1
	offset := addressLookupTableHeaderSize
	if hasAuthority {
		offset += 32
	}
	if len(data) < offset {
		return nil, fmt.Errorf("account data too short for authority field")
	}

	remaining := data[offset:]
	if len(remaining)%32 != 0 {
		return nil, fmt.Errorf("lookup table address section is not a multiple of 32 bytes: %d", len(remaining))
	}

	count := len(remaining) / 32
	addresses := make([]solana.PublicKey, count)
	for i := 0; i < count; i++ {
		copy(addresses[i][:], remaining[i*32:(i+1)*32])
	}
	return addresses, nil
}
