package localnet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

const tokenABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"ownerOf","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"","type":"address"}]}
]`

const multiTokenABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	tokenABI      = mustABI(tokenABIJSON)
	multiTokenABI = mustABI(multiTokenABIJSON)
)

func mustABI(def string) abi.ABI { // A
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// RPCChain reads chain state over JSON-RPC endpoints, one per chain name.
type RPCChain struct {
	mu      sync.RWMutex
	clients map[string]*ethclient.Client
}

// DialRPCChain dials every endpoint. On error every client dialled so far
// is closed.
func DialRPCChain( // A
	ctx context.Context,
	endpoints map[string]string,
) (*RPCChain, error) {
	rc := &RPCChain{clients: make(map[string]*ethclient.Client)}
	for chain, url := range endpoints {
		if _, ok := policy.ChainID(chain); !ok {
			rc.Close()
			return nil, fmt.Errorf("unknown chain %q", chain)
		}
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("dial %s: %w", chain, err)
		}
		rc.clients[chain] = c
	}
	return rc, nil
}

// Close closes every client.
func (rc *RPCChain) Close() { // A
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for name, c := range rc.clients {
		c.Close()
		delete(rc.clients, name)
	}
}

// Supports reports whether an endpoint is configured for chain.
func (rc *RPCChain) Supports(chain string) bool { // A
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.clients[chain]
	return ok
}

func (rc *RPCChain) client(chain string) (*ethclient.Client, error) { // A
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	c, ok := rc.clients[chain]
	if !ok {
		return nil, fmt.Errorf("chain %q not served", chain)
	}
	return c, nil
}

// NativeBalance maps the block tag onto go-ethereum's block number
// arguments.
func (rc *RPCChain) NativeBalance( // A
	ctx context.Context,
	chain string,
	account common.Address,
	block string,
) (*big.Int, error) {
	c, err := rc.client(chain)
	if err != nil {
		return nil, err
	}
	if block == "pending" {
		return c.PendingBalanceAt(ctx, account)
	}
	num, err := blockNumber(block)
	if err != nil {
		return nil, err
	}
	return c.BalanceAt(ctx, account, num)
}

func blockNumber(tag string) (*big.Int, error) { // A
	switch tag {
	case "", "latest":
		return nil, nil
	case "earliest":
		return big.NewInt(int64(rpc.EarliestBlockNumber)), nil
	case "safe":
		return big.NewInt(int64(rpc.SafeBlockNumber)), nil
	case "finalized":
		return big.NewInt(int64(rpc.FinalizedBlockNumber)), nil
	}
	n, err := hexutil.DecodeBig(tag)
	if err != nil {
		return nil, fmt.Errorf("block tag %q: %w", tag, err)
	}
	return n, nil
}

// TokenBalance calls balanceOf on an ERC20, ERC721 or ERC1155 contract.
func (rc *RPCChain) TokenBalance( // A
	ctx context.Context,
	chain string,
	kind policy.ContractKind,
	contract common.Address,
	account common.Address,
	tokenID *big.Int,
) (*big.Int, error) {
	var (
		out []interface{}
		err error
	)
	switch kind {
	case policy.KindERC20, policy.KindERC721:
		out, err = rc.call(ctx, chain, contract, tokenABI, "balanceOf", account)
	case policy.KindERC1155:
		if tokenID == nil {
			return nil, errors.New("ERC1155 balanceOf needs a token id")
		}
		out, err = rc.call(
			ctx, chain, contract, multiTokenABI, "balanceOf", account, tokenID,
		)
	default:
		return nil, fmt.Errorf("balanceOf on contract kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", out[0])
	}
	return v, nil
}

// OwnerOf calls ownerOf on an ERC721 contract.
func (rc *RPCChain) OwnerOf( // A
	ctx context.Context,
	chain string,
	contract common.Address,
	tokenID *big.Int,
) (common.Address, error) {
	out, err := rc.call(ctx, chain, contract, tokenABI, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf returned %T", out[0])
	}
	return owner, nil
}

func (rc *RPCChain) call( // A
	ctx context.Context,
	chain string,
	contract common.Address,
	def abi.ABI,
	method string,
	args ...interface{},
) ([]interface{}, error) {
	c, err := rc.client(chain)
	if err != nil {
		return nil, err
	}
	data, err := def.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.CallContract(
		ctx,
		ethereum.CallMsg{To: &contract, Data: data},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := def.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned nothing", method)
	}
	return out, nil
}
