package localnet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

// ChainReader answers the on-chain reads access conditions depend on.
type ChainReader interface {
	Supports(chain string) bool
	NativeBalance(
		ctx context.Context,
		chain string,
		account common.Address,
		block string,
	) (*big.Int, error)
	TokenBalance(
		ctx context.Context,
		chain string,
		kind policy.ContractKind,
		contract common.Address,
		account common.Address,
		tokenID *big.Int,
	) (*big.Int, error)
	OwnerOf(
		ctx context.Context,
		chain string,
		contract common.Address,
		tokenID *big.Int,
	) (common.Address, error)
}

// StaticChain is an in-memory ChainReader. Unknown balances read as zero.
type StaticChain struct {
	mu     sync.RWMutex
	chains map[string]struct{}
	native map[string]*big.Int
	tokens map[string]*big.Int
	owners map[string]common.Address
}

// NewStaticChain returns a StaticChain serving the named chains. With no
// names it serves every chain policy knows.
func NewStaticChain(chains ...string) *StaticChain { // A
	if len(chains) == 0 {
		chains = policy.Chains()
	}
	sc := &StaticChain{
		chains: make(map[string]struct{}, len(chains)),
		native: make(map[string]*big.Int),
		tokens: make(map[string]*big.Int),
		owners: make(map[string]common.Address),
	}
	for _, c := range chains {
		sc.chains[c] = struct{}{}
	}
	return sc
}

func accountKey(parts ...string) string { // A
	key := ""
	for _, p := range parts {
		key += p + "|"
	}
	return key
}

func tokenIDString(id *big.Int) string { // A
	if id == nil {
		return "-"
	}
	return id.String()
}

// SetNativeBalance sets account's native balance on chain.
func (sc *StaticChain) SetNativeBalance( // A
	chain string,
	account common.Address,
	wei *big.Int,
) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.native[accountKey(chain, account.Hex())] = new(big.Int).Set(wei)
}

// SetTokenBalance sets account's balance of contract (and tokenID for
// ERC1155; nil otherwise).
func (sc *StaticChain) SetTokenBalance( // A
	chain string,
	contract common.Address,
	account common.Address,
	tokenID *big.Int,
	amount *big.Int,
) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	key := accountKey(
		chain, contract.Hex(), account.Hex(), tokenIDString(tokenID),
	)
	sc.tokens[key] = new(big.Int).Set(amount)
}

// SetOwner records owner as the holder of an ERC721 token.
func (sc *StaticChain) SetOwner( // A
	chain string,
	contract common.Address,
	tokenID *big.Int,
	owner common.Address,
) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.owners[accountKey(chain, contract.Hex(), tokenIDString(tokenID))] = owner
}

// Supports reports whether chain is served.
func (sc *StaticChain) Supports(chain string) bool { // A
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	_, ok := sc.chains[chain]
	return ok
}

// NativeBalance ignores block and returns the current balance.
func (sc *StaticChain) NativeBalance( // A
	ctx context.Context,
	chain string,
	account common.Address,
	_ string,
) (*big.Int, error) {
	if err := sc.check(ctx, chain); err != nil {
		return nil, err
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return valueOrZero(sc.native[accountKey(chain, account.Hex())]), nil
}

// TokenBalance returns the recorded token balance.
func (sc *StaticChain) TokenBalance( // A
	ctx context.Context,
	chain string,
	kind policy.ContractKind,
	contract common.Address,
	account common.Address,
	tokenID *big.Int,
) (*big.Int, error) {
	if err := sc.check(ctx, chain); err != nil {
		return nil, err
	}
	if kind != policy.KindERC1155 {
		tokenID = nil
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	key := accountKey(
		chain, contract.Hex(), account.Hex(), tokenIDString(tokenID),
	)
	return valueOrZero(sc.tokens[key]), nil
}

// OwnerOf returns the recorded owner or the zero address.
func (sc *StaticChain) OwnerOf( // A
	ctx context.Context,
	chain string,
	contract common.Address,
	tokenID *big.Int,
) (common.Address, error) {
	if err := sc.check(ctx, chain); err != nil {
		return common.Address{}, err
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.owners[accountKey(chain, contract.Hex(), tokenIDString(tokenID))], nil
}

func (sc *StaticChain) check(ctx context.Context, chain string) error { // A
	if err := ctx.Err(); err != nil {
		return err
	}
	if !sc.Supports(chain) {
		return fmt.Errorf("chain %q not served", chain)
	}
	return nil
}

func valueOrZero(v *big.Int) *big.Int { // A
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
