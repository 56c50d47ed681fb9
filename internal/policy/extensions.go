package policy

import (
	"context"
	"encoding/binary"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Token-2022 base account layouts are byte-identical to legacy SPL Token;
// the extension TLV region, when present, starts one byte past the base
// layout (a 1-byte AccountType discriminator) and runs to the end of the
// account's data.
const (
	token2022MintBaseSize    = 82
	token2022AccountBaseSize = 165
	token2022TLVHeaderSize   = 4 // extension_type(u16) + length(u16), both little-endian
)

// Token-2022 ExtensionType values this gateway polices. The full enum has
// many more members; only the ones named in the disallowed-extension
// configuration need a name here.
const (
	extensionTypeMemoTransfer          = 8
	extensionTypeInterestBearingConfig = 10
)

var extensionTypeNames = map[uint16]string{
	extensionTypeMemoTransfer:          "MemoTransfer",
	extensionTypeInterestBearingConfig: "InterestBearingConfig",
}

// accountFetcher is the subset of the cache/RPC facade extension decoding
// needs: reading raw account data.
type accountFetcher interface {
	GetAccount(ctx context.Context, pubkey solana.PublicKey) (*rpc.Account, error)
}

// Token2022Extensions decodes the Token-2022 TLV extension region of mint
// and token accounts fetched through the cache/RPC facade, implementing
// AccountExtensions.
type Token2022Extensions struct {
	accounts accountFetcher
}

// NewToken2022Extensions builds a Token2022Extensions backed by accounts.
func NewToken2022Extensions(accounts accountFetcher) *Token2022Extensions {
	return &Token2022Extensions{accounts: accounts}
}

// MintExtensions returns the names of Token-2022 extensions present on the
// given mint account. An account with no TLV region (a legacy SPL Token
// mint, or a Token-2022 mint with no extensions) yields an empty slice.
func (e *Token2022Extensions) MintExtensions(ctx context.Context, mint solana.PublicKey) ([]string, error) {
	data, err := e.fetch(ctx, mint)
	if err != nil {
		return nil, err
	}
	return decodeExtensionNames(data, token2022MintBaseSize)
}

// TokenAccountExtensions returns the names of Token-2022 extensions present
// on the given token account.
func (e *Token2022Extensions) TokenAccountExtensions(ctx context.Context, account solana.PublicKey) ([]string, error) {
	data, err := e.fetch(ctx, account)
	if err != nil {
		return nil, err
	}
	return decodeExtensionNames(data, token2022AccountBaseSize)
}

func (e *Token2022Extensions) fetch(ctx context.Context, pubkey solana.PublicKey) ([]byte, error) {
	account, err := e.accounts.GetAccount(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, kerr.AccountNotFound(pubkey.String())
	}
	return account.Data.GetBinary(), nil
}

// decodeExtensionNames walks the TLV region following a Token-2022
// account's base layout, returning the name of every recognized extension
// it carries. An account exactly at (or shorter than) the base size, or
// one byte longer (just the AccountType marker with no extensions), has
// none.
func decodeExtensionNames(data []byte, baseSize int) ([]string, error) {
	// baseSize + 1 accounts for the AccountType discriminator Token-2022
	// appends before any extension TLV entries.
	if len(data) <= baseSize+1 {
		return nil, nil
	}

	tlv := data[baseSize+1:]
	var names []string
	for len(tlv) >= token2022TLVHeaderSize {
		extType := binary.LittleEndian.Uint16(tlv[0:2])
		length := binary.LittleEndian.Uint16(tlv[2:4])
		tlv = tlv[token2022TLVHeaderSize:]
		if int(length) > len(tlv) {
			// Truncated or padding-only tail; stop rather than misread it
			// as another extension entry.
			break
		}
		if name, ok := extensionTypeNames[extType]; ok {
			names = append(names, name)
		}
		tlv = tlv[length:]
	}
	return names, nil
}
