package policy

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEmptyPolicy       = errors.New("policy: no conditions")
	ErrUnknownChain      = errors.New("policy: unknown chain")
	ErrInvalidComparator = errors.New("policy: invalid comparator")
	ErrInvalidMethod     = errors.New("policy: invalid method")
	ErrInvalidParameters = errors.New("policy: invalid parameters")
	ErrInvalidValue      = errors.New("policy: invalid comparison value")
	ErrInvalidContract   = errors.New("policy: invalid contract")
)

// ValidationError locates a validation failure inside a PolicySet.
type ValidationError struct {
	Index int
	Field string
	Err   error
}

func (e *ValidationError) Error() string { // A
	if e.Index < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf(
		"condition %d: %s: %v", e.Index, e.Field, e.Err,
	)
}

func (e *ValidationError) Unwrap() error { // A
	return e.Err
}

func invalid( // A
	idx int,
	field string,
	sentinel error,
	format string,
	args ...any,
) error {
	err := sentinel
	if format != "" {
		err = fmt.Errorf(
			"%w: %s", sentinel, fmt.Sprintf(format, args...),
		)
	}
	return &ValidationError{Index: idx, Field: field, Err: err}
}

// Validate checks the structural rules of a PolicySet. It never evaluates a
// condition.
func Validate(p PolicySet) error { // A
	if len(p) == 0 {
		return &ValidationError{Index: -1, Err: ErrEmptyPolicy}
	}
	for i, c := range p {
		if err := validateCondition(i, c); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(i int, c AccessCondition) error { // A
	if _, ok := ChainID(c.Chain); !ok {
		return invalid(i, "chain", ErrUnknownChain, "%q", c.Chain)
	}
	cmp := c.ReturnValueTest.Comparator
	if !cmp.Valid() {
		return invalid(
			i, "returnValueTest.comparator",
			ErrInvalidComparator, "%q", cmp,
		)
	}

	switch c.Method {
	case MethodNativeBalance:
		return validateNativeBalance(i, c)
	case MethodBalanceOf:
		return validateBalanceOf(i, c)
	case MethodOwnerOf:
		return validateOwnerOf(i, c)
	default:
		return invalid(i, "method", ErrInvalidMethod, "%q", c.Method)
	}
}

func validateNativeBalance(i int, c AccessCondition) error { // A
	if c.ContractAddress != "" {
		return invalid(
			i, "contractAddress", ErrInvalidContract,
			"native balance checks take no contract",
		)
	}
	if c.StandardContractType != KindNative {
		return invalid(
			i, "standardContractType", ErrInvalidContract,
			"native balance checks take no contract type",
		)
	}
	if len(c.Parameters) != 2 ||
		c.Parameters[0] != UserAddressPlaceholder {
		return invalid(
			i, "parameters", ErrInvalidParameters,
			"want [%q, <blockTag>]", UserAddressPlaceholder,
		)
	}
	if !validBlockTag(c.Parameters[1]) {
		return invalid(
			i, "parameters", ErrInvalidParameters,
			"bad block tag %q", c.Parameters[1],
		)
	}
	return validateNumericValue(i, c.ReturnValueTest.Value)
}

func validateBalanceOf(i int, c AccessCondition) error { // A
	if !common.IsHexAddress(c.ContractAddress) {
		return invalid(
			i, "contractAddress", ErrInvalidContract,
			"%q is not a hex address", c.ContractAddress,
		)
	}
	switch c.StandardContractType {
	case KindERC20, KindERC721:
		if len(c.Parameters) != 1 ||
			c.Parameters[0] != UserAddressPlaceholder {
			return invalid(
				i, "parameters", ErrInvalidParameters,
				"want [%q]", UserAddressPlaceholder,
			)
		}
	case KindERC1155:
		if len(c.Parameters) != 2 ||
			c.Parameters[0] != UserAddressPlaceholder ||
			!isDecimal(c.Parameters[1]) {
			return invalid(
				i, "parameters", ErrInvalidParameters,
				"want [%q, <tokenId>]", UserAddressPlaceholder,
			)
		}
	default:
		return invalid(
			i, "standardContractType", ErrInvalidContract,
			"balanceOf needs a token standard, got %q",
			c.StandardContractType,
		)
	}
	return validateNumericValue(i, c.ReturnValueTest.Value)
}

func validateOwnerOf(i int, c AccessCondition) error { // A
	if c.StandardContractType != KindERC721 {
		return invalid(
			i, "standardContractType", ErrInvalidContract,
			"ownerOf is only defined for ERC721",
		)
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return invalid(
			i, "contractAddress", ErrInvalidContract,
			"%q is not a hex address", c.ContractAddress,
		)
	}
	if len(c.Parameters) != 1 || !isDecimal(c.Parameters[0]) {
		return invalid(
			i, "parameters", ErrInvalidParameters,
			"want [<tokenId>]",
		)
	}
	if c.ReturnValueTest.Comparator != Equal {
		return invalid(
			i, "returnValueTest.comparator", ErrInvalidComparator,
			"ownerOf only supports %q", Equal,
		)
	}
	if c.ReturnValueTest.Value != UserAddressPlaceholder &&
		!common.IsHexAddress(c.ReturnValueTest.Value) {
		return invalid(
			i, "returnValueTest.value", ErrInvalidValue,
			"want %q or an address", UserAddressPlaceholder,
		)
	}
	return nil
}

func validateNumericValue(i int, v string) error { // A
	if !isDecimal(v) {
		return invalid(
			i, "returnValueTest.value", ErrInvalidValue,
			"%q is not a non-negative integer", v,
		)
	}
	return nil
}

// ParseAmount parses a decimal comparison value. Leading zeros are allowed.
func ParseAmount(v string) (*big.Int, bool) { // A
	if !isDecimal(v) {
		return nil, false
	}
	n, ok := new(big.Int).SetString(v, 10)
	return n, ok
}

func isDecimal(s string) bool { // A
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validBlockTag(tag string) bool { // A
	switch tag {
	case "latest", "earliest", "pending", "safe", "finalized":
		return true
	}
	hexPart, ok := strings.CutPrefix(tag, "0x")
	if !ok || hexPart == "" {
		return false
	}
	for _, r := range hexPart {
		isHex := (r >= '0' && r <= '9') ||
			(r >= 'a' && r <= 'f') ||
			(r >= 'A' && r <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}
