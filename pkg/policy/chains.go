package policy

import "sort"

var chainIDs = map[string]uint64{
	"ethereum": 1,
	"sepolia":  11155111,
	"polygon":  137,
	"base":     8453,
	"arbitrum": 42161,
	"optimism": 10,
}

// ChainID returns the EIP-155 chain id of a named chain.
func ChainID(chain string) (uint64, bool) { // A
	id, ok := chainIDs[chain]
	return id, ok
}

// Chains returns the supported chain names in sorted order.
func Chains() []string { // A
	out := make([]string, 0, len(chainIDs))
	for name := range chainIDs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
