package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AggregatorGroup is every operation sharing one aggregator address,
// emitted in the order the aggregator first appeared while iterating the
// pool's candidate list (spec §4.3, "Ordering & tie-breaks").
type AggregatorGroup struct {
	// Aggregator is the zero address for the non-aggregated group, which
	// MUST use handleOps rather than handleAggregatedOps (spec §3).
	Aggregator    common.Address
	Ops           []UserOperationVariant
	SignatureData []byte // non-nil only for a non-zero aggregator group
}

// Bundle is a gas-bounded, fee-priced, aggregator-partitioned set of user
// operations ready for submission via the entry point (spec §3).
type Bundle struct {
	EntryPoint           common.Address
	Version              EntryPointVersion
	Groups               []AggregatorGroup
	Beneficiary          common.Address
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	ExpectedGasLimit     *big.Int
}

// IsEmpty reports whether the bundle has no operations in any group.
func (b *Bundle) IsEmpty() bool {
	if b == nil {
		return true
	}
	for _, g := range b.Groups {
		if len(g.Ops) > 0 {
			return false
		}
	}
	return true
}

// AllOps flattens every group's operations in group order.
func (b *Bundle) AllOps() []UserOperationVariant {
	var ops []UserOperationVariant
	for _, g := range b.Groups {
		ops = append(ops, g.Ops...)
	}
	return ops
}
