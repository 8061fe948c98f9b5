package localnet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

// evaluate reports whether every condition in p holds for user. A read
// failure is an error, not a denial.
func (n *Network) evaluate( // A
	ctx context.Context,
	p policy.PolicySet,
	user common.Address,
) (bool, error) {
	for i, c := range p {
		ok, err := n.evaluateCondition(ctx, c, user)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if !ok {
			n.log.Debug(
				"condition not satisfied",
				"index", i,
				"condition", c.String(),
				"address", user.Hex(),
			)
			return false, nil
		}
	}
	return true, nil
}

func (n *Network) evaluateCondition( // A
	ctx context.Context,
	c policy.AccessCondition,
	user common.Address,
) (bool, error) {
	switch c.Method {
	case policy.MethodNativeBalance:
		bal, err := n.chain.NativeBalance(ctx, c.Chain, user, c.Parameters[1])
		if err != nil {
			return false, err
		}
		return compareAmount(bal, c.ReturnValueTest)

	case policy.MethodBalanceOf:
		var tokenID *big.Int
		if c.StandardContractType == policy.KindERC1155 {
			id, ok := policy.ParseAmount(c.Parameters[1])
			if !ok {
				return false, fmt.Errorf("token id %q", c.Parameters[1])
			}
			tokenID = id
		}
		bal, err := n.chain.TokenBalance(
			ctx,
			c.Chain,
			c.StandardContractType,
			common.HexToAddress(c.ContractAddress),
			user,
			tokenID,
		)
		if err != nil {
			return false, err
		}
		return compareAmount(bal, c.ReturnValueTest)

	case policy.MethodOwnerOf:
		tokenID, ok := policy.ParseAmount(c.Parameters[0])
		if !ok {
			return false, fmt.Errorf("token id %q", c.Parameters[0])
		}
		owner, err := n.chain.OwnerOf(
			ctx, c.Chain, common.HexToAddress(c.ContractAddress), tokenID,
		)
		if err != nil {
			return false, err
		}
		want := user
		if v := c.ReturnValueTest.Value; v != policy.UserAddressPlaceholder {
			want = common.HexToAddress(v)
		}
		return owner == want, nil
	}
	return false, fmt.Errorf("unsupported method %q", c.Method)
}

func compareAmount(got *big.Int, test policy.ReturnValueTest) (bool, error) { // A
	want, ok := policy.ParseAmount(test.Value)
	if !ok {
		return false, fmt.Errorf("comparison value %q", test.Value)
	}
	cmp := got.Cmp(want)
	switch test.Comparator {
	case policy.Equal:
		return cmp == 0, nil
	case policy.NotEqual:
		return cmp != 0, nil
	case policy.Greater:
		return cmp > 0, nil
	case policy.GreaterOrEqual:
		return cmp >= 0, nil
	case policy.Less:
		return cmp < 0, nil
	case policy.LessOrEqual:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("comparator %q", test.Comparator)
}
