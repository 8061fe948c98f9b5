// Package policy holds the typed access-control model that ciphertexts are
// bound to. A PolicySet is pure data: it is validated and canonicalised
// here, but only ever evaluated by the threshold network at decrypt time.
package policy

import (
	"fmt"
	"strings"
)

// UserAddressPlaceholder is substituted with the requester's address by the
// network when a condition is evaluated.
const UserAddressPlaceholder = ":userAddress"

// Comparator is the relational operator of a ReturnValueTest.
type Comparator string

const (
	Equal          Comparator = "="
	NotEqual       Comparator = "!="
	Greater        Comparator = ">"
	GreaterOrEqual Comparator = ">="
	Less           Comparator = "<"
	LessOrEqual    Comparator = "<="
)

// Valid reports whether c is one of the six supported comparators.
func (c Comparator) Valid() bool { // A
	switch c {
	case Equal, NotEqual, Greater, GreaterOrEqual, Less, LessOrEqual:
		return true
	default:
		return false
	}
}

// Ordering reports whether the comparator needs a numeric ordering.
func (c Comparator) Ordering() bool { // A
	switch c {
	case Greater, GreaterOrEqual, Less, LessOrEqual:
		return true
	default:
		return false
	}
}

// ContractKind tags the token standard of the evaluation target.
type ContractKind string

const (
	KindNative  ContractKind = ""
	KindERC20   ContractKind = "ERC20"
	KindERC721  ContractKind = "ERC721"
	KindERC1155 ContractKind = "ERC1155"
)

// Read methods understood by the network.
const (
	MethodNativeBalance = "eth_getBalance"
	MethodBalanceOf     = "balanceOf"
	MethodOwnerOf       = "ownerOf"
)

// ReturnValueTest compares the result of the read method against Value.
type ReturnValueTest struct {
	Comparator Comparator `json:"comparator"`
	Value      string     `json:"value"`
}

// AccessCondition is one boolean predicate over an on-chain fact.
// The field order is part of the canonical encoding; do not reorder.
type AccessCondition struct {
	ContractAddress      string          `json:"contractAddress"`
	StandardContractType ContractKind    `json:"standardContractType"`
	Chain                string          `json:"chain"`
	Method               string          `json:"method"`
	Parameters           []string        `json:"parameters"`
	ReturnValueTest      ReturnValueTest `json:"returnValueTest"`
}

// String returns a short human readable form used in logs.
func (c AccessCondition) String() string { // A
	target := c.ContractAddress
	if target == "" {
		target = "native"
	}
	return fmt.Sprintf(
		"%s:%s.%s(%s) %s %s",
		c.Chain,
		target,
		c.Method,
		strings.Join(c.Parameters, ","),
		c.ReturnValueTest.Comparator,
		c.ReturnValueTest.Value,
	)
}

// PolicySet is an ordered conjunction of AccessConditions.
//
// Boolean operators between conditions are not modelled; every condition
// must hold.
type PolicySet []AccessCondition

// New validates the conditions and returns them as a PolicySet.
func New(conds ...AccessCondition) (PolicySet, error) { // A
	p := PolicySet(append([]AccessCondition(nil), conds...))
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Clone returns a deep copy so callers can not alias parameter slices.
func (p PolicySet) Clone() PolicySet { // A
	if p == nil {
		return nil
	}
	out := make(PolicySet, len(p))
	for i, c := range p {
		c.Parameters = append([]string(nil), c.Parameters...)
		out[i] = c
	}
	return out
}

// NativeBalanceAtLeast requires the requester's native balance on chain to be
// at least minWei. A minWei of "0" makes the policy always true.
func NativeBalanceAtLeast(chain, minWei string) AccessCondition { // A
	return AccessCondition{
		Chain:      chain,
		Method:     MethodNativeBalance,
		Parameters: []string{UserAddressPlaceholder, "latest"},
		ReturnValueTest: ReturnValueTest{
			Comparator: GreaterOrEqual,
			Value:      minWei,
		},
	}
}

// TokenBalance compares the requester's balance of an ERC20/ERC721 contract.
func TokenBalance(
	chain string,
	kind ContractKind,
	contract string,
	cmp Comparator,
	value string,
) AccessCondition {
	return AccessCondition{
		ContractAddress:      contract,
		StandardContractType: kind,
		Chain:                chain,
		Method:               MethodBalanceOf,
		Parameters:           []string{UserAddressPlaceholder},
		ReturnValueTest: ReturnValueTest{
			Comparator: cmp,
			Value:      value,
		},
	}
}

// MultiTokenBalance compares the requester's balance of one ERC1155 token id.
func MultiTokenBalance(
	chain string,
	contract string,
	tokenID string,
	cmp Comparator,
	value string,
) AccessCondition {
	return AccessCondition{
		ContractAddress:      contract,
		StandardContractType: KindERC1155,
		Chain:                chain,
		Method:               MethodBalanceOf,
		Parameters:           []string{UserAddressPlaceholder, tokenID},
		ReturnValueTest: ReturnValueTest{
			Comparator: cmp,
			Value:      value,
		},
	}
}

// NFTOwner requires the requester to own the given ERC721 token.
func NFTOwner(chain, contract, tokenID string) AccessCondition { // A
	return AccessCondition{
		ContractAddress:      contract,
		StandardContractType: KindERC721,
		Chain:                chain,
		Method:               MethodOwnerOf,
		Parameters:           []string{tokenID},
		ReturnValueTest: ReturnValueTest{
			Comparator: Equal,
			Value:      UserAddressPlaceholder,
		},
	}
}
